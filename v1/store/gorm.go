package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	warperrors "github.com/mirkobrombin/go-spawn/v1/errors"
)

const defaultGormOpTimeout = 5 * time.Second

type groupRow struct {
	ID         string `gorm:"primaryKey;column:id"`
	TemplateID string `gorm:"column:template_id;uniqueIndex"`
	Name       string `gorm:"column:name"`
}

func (groupRow) TableName() string { return "spawn_groups" }

type pairRow struct {
	ID          string `gorm:"primaryKey;column:id"`
	GroupID     string `gorm:"column:group_id;index"`
	CompanionID string `gorm:"column:companion_id"`
}

func (pairRow) TableName() string { return "spawn_pairs" }

type linkRow struct {
	RoleID     string `gorm:"primaryKey;column:role_id"`
	ResourceID string `gorm:"primaryKey;column:resource_id;index"`
}

func (linkRow) TableName() string { return "spawn_role_links" }

// Gorm implements Store on any SQL database supported by GORM.
type Gorm struct {
	db      *gorm.DB
	timeout time.Duration
}

// GormOption configures a Gorm store.
type GormOption func(*Gorm)

// WithGormTimeout sets the timeout applied to every operation.
func WithGormTimeout(d time.Duration) GormOption {
	return func(s *Gorm) { s.timeout = d }
}

// NewGorm migrates the schema and returns a Gorm store.
func NewGorm(db *gorm.DB, opts ...GormOption) (*Gorm, error) {
	s := &Gorm{db: db, timeout: defaultGormOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	if err := db.AutoMigrate(&groupRow{}, &pairRow{}, &linkRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Gorm) op(ctx context.Context) (*gorm.DB, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, gormErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(cctx), cancel, nil
}

// PutGroup implements Store.PutGroup.
func (s *Gorm) PutGroup(ctx context.Context, g Group) error {
	db, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	var owner groupRow
	err = db.First(&owner, "template_id = ?", g.TemplateID).Error
	switch {
	case err == nil && owner.ID != g.ID:
		return fmt.Errorf("%w: template %s belongs to group %s", warperrors.ErrAlreadyExists, g.TemplateID, owner.ID)
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return gormErr(err)
	}
	row := groupRow{ID: g.ID, TemplateID: g.TemplateID, Name: g.Name}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"template_id", "name"}),
	}).Create(&row).Error
	return gormErr(err)
}

// Group implements Store.Group.
func (s *Gorm) Group(ctx context.Context, id string) (Group, bool, error) {
	return s.findGroup(ctx, "id = ?", id)
}

// GroupByTemplate implements Store.GroupByTemplate.
func (s *Gorm) GroupByTemplate(ctx context.Context, templateID string) (Group, bool, error) {
	return s.findGroup(ctx, "template_id = ?", templateID)
}

func (s *Gorm) findGroup(ctx context.Context, query string, arg string) (Group, bool, error) {
	db, cancel, err := s.op(ctx)
	if err != nil {
		return Group{}, false, err
	}
	defer cancel()
	var row groupRow
	err = db.First(&row, query, arg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Group{}, false, nil
	}
	if err != nil {
		return Group{}, false, gormErr(err)
	}
	return Group{ID: row.ID, TemplateID: row.TemplateID, Name: row.Name}, true, nil
}

// Groups implements Store.Groups.
func (s *Gorm) Groups(ctx context.Context) ([]Group, error) {
	db, cancel, err := s.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var rows []groupRow
	if err := db.Order("id").Find(&rows).Error; err != nil {
		return nil, gormErr(err)
	}
	out := make([]Group, 0, len(rows))
	for _, r := range rows {
		out = append(out, Group{ID: r.ID, TemplateID: r.TemplateID, Name: r.Name})
	}
	return out, nil
}

// DeleteGroup implements Store.DeleteGroup.
func (s *Gorm) DeleteGroup(ctx context.Context, id string) error {
	db, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&pairRow{}, "group_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&groupRow{}, "id = ?", id).Error
	})
	return gormErr(err)
}

// PutPair implements Store.PutPair.
func (s *Gorm) PutPair(ctx context.Context, p Pair) error {
	db, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	var n int64
	if err := db.Model(&groupRow{}).Where("id = ?", p.GroupID).Count(&n).Error; err != nil {
		return gormErr(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: group %s", warperrors.ErrNotFound, p.GroupID)
	}
	row := pairRow{ID: p.ID, GroupID: p.GroupID, CompanionID: p.CompanionID}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"group_id", "companion_id"}),
	}).Create(&row).Error
	return gormErr(err)
}

// Pair implements Store.Pair.
func (s *Gorm) Pair(ctx context.Context, id string) (Pair, bool, error) {
	db, cancel, err := s.op(ctx)
	if err != nil {
		return Pair{}, false, err
	}
	defer cancel()
	var row pairRow
	err = db.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Pair{}, false, nil
	}
	if err != nil {
		return Pair{}, false, gormErr(err)
	}
	return Pair{ID: row.ID, GroupID: row.GroupID, CompanionID: row.CompanionID}, true, nil
}

// Pairs implements Store.Pairs.
func (s *Gorm) Pairs(ctx context.Context, groupID string) ([]Pair, error) {
	db, cancel, err := s.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var rows []pairRow
	if err := db.Where("group_id = ?", groupID).Order("id").Find(&rows).Error; err != nil {
		return nil, gormErr(err)
	}
	var out []Pair
	for _, r := range rows {
		out = append(out, Pair{ID: r.ID, GroupID: r.GroupID, CompanionID: r.CompanionID})
	}
	return out, nil
}

// DeletePair implements Store.DeletePair.
func (s *Gorm) DeletePair(ctx context.Context, id string) error {
	db, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return gormErr(db.Delete(&pairRow{}, "id = ?", id).Error)
}

// PutLink implements Store.PutLink.
func (s *Gorm) PutLink(ctx context.Context, l RoleLink) error {
	db, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	row := linkRow{RoleID: l.RoleID, ResourceID: l.ResourceID}
	return gormErr(db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error)
}

// DeleteLink implements Store.DeleteLink.
func (s *Gorm) DeleteLink(ctx context.Context, l RoleLink) error {
	db, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return gormErr(db.Delete(&linkRow{}, "role_id = ? AND resource_id = ?", l.RoleID, l.ResourceID).Error)
}

// Links implements Store.Links.
func (s *Gorm) Links(ctx context.Context, resourceID string) ([]RoleLink, error) {
	return s.findLinks(ctx, s.db.Where("resource_id = ?", resourceID))
}

// AllLinks implements Store.AllLinks.
func (s *Gorm) AllLinks(ctx context.Context) ([]RoleLink, error) {
	return s.findLinks(ctx, s.db)
}

func (s *Gorm) findLinks(ctx context.Context, scope *gorm.DB) ([]RoleLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, gormErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var rows []linkRow
	if err := scope.WithContext(cctx).Order("resource_id, role_id").Find(&rows).Error; err != nil {
		return nil, gormErr(err)
	}
	var out []RoleLink
	for _, r := range rows {
		out = append(out, RoleLink{RoleID: r.RoleID, ResourceID: r.ResourceID})
	}
	return out, nil
}

func gormErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	return err
}
