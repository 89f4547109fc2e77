// Package validator periodically checks that every group's records agree
// with the platform: no record points at a vanished resource and the live
// pairs are named 1..N in position order.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-spawn/v1/provider"
	"github.com/mirkobrombin/go-spawn/v1/spawn"
	"github.com/mirkobrombin/go-spawn/v1/store"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	ModeAutoHeal
)

// ParseMode maps "off", "alert" and "autoheal" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "off":
		return ModeNoop, nil
	case "alert":
		return ModeAlert, nil
	case "autoheal":
		return ModeAutoHeal, nil
	}
	return ModeNoop, fmt.Errorf("unknown validator mode %q", s)
}

// Renumberer runs a locked renumbering pass. *spawn.Manager implements it.
type Renumberer interface {
	Renumber(ctx context.Context, groupID string) (spawn.RenumberStats, error)
}

// Validator periodically compares group records with the platform.
type Validator struct {
	store      store.Store
	resources  provider.Resources
	healer     Renumberer
	mode       Mode
	interval   time.Duration
	logger     *slog.Logger
	mismatches atomic.Uint64
}

// New creates a new Validator. healer is only used in ModeAutoHeal.
func New(st store.Store, res provider.Resources, healer Renumberer, mode Mode, interval time.Duration, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		store:     st,
		resources: res,
		healer:    healer,
		mode:      mode,
		interval:  interval,
		logger:    logger.With("component", "validator"),
	}
}

// Run starts the validation loop.
func (v *Validator) Run(ctx context.Context) {
	if v.mode == ModeNoop || v.interval <= 0 {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.Scan(ctx); err != nil && ctx.Err() == nil {
				v.logger.Warn("scan failed", "error", err)
			}
		}
	}
}

// Scan checks every group once.
func (v *Validator) Scan(ctx context.Context) error {
	groups, err := v.store.Groups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		drift, err := v.drift(ctx, g)
		if err != nil {
			return fmt.Errorf("group %s: %w", g.ID, err)
		}
		if drift == 0 {
			continue
		}
		v.mismatches.Add(uint64(drift))
		v.logger.Warn("group drifted", "group", g.ID, "mismatches", drift)
		if v.mode != ModeAutoHeal || v.healer == nil {
			continue
		}
		stats, err := v.healer.Renumber(ctx, g.ID)
		if err != nil {
			return fmt.Errorf("heal group %s: %w", g.ID, err)
		}
		v.logger.Info("group healed", "group", g.ID, "renamed", stats.Renamed, "pruned", stats.Pruned)
	}
	return nil
}

type placed struct {
	names    [2]string
	position int
	id       string
}

// drift counts stale records and misnamed resources of g.
func (v *Validator) drift(ctx context.Context, g store.Group) (int, error) {
	pairs, err := v.store.Pairs(ctx, g.ID)
	if err != nil {
		return 0, err
	}
	drift := 0
	live := make([]placed, 0, len(pairs))
	for _, p := range pairs {
		r, ok, err := v.resources.Lookup(ctx, p.ID)
		if err != nil {
			return 0, err
		}
		c, cok, err := v.resources.Lookup(ctx, p.CompanionID)
		if err != nil {
			return 0, err
		}
		if !ok || !cok {
			drift++
			continue
		}
		pos, err := v.resources.Position(ctx, p.ID)
		if err != nil {
			return 0, err
		}
		live = append(live, placed{names: [2]string{r.Name, c.Name}, position: pos, id: p.ID})
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].position != live[j].position {
			return live[i].position < live[j].position
		}
		return live[i].id < live[j].id
	})
	for i, p := range live {
		want := fmt.Sprintf("%s %d", g.Name, i+1)
		for _, name := range p.names {
			if name != want {
				drift++
			}
		}
	}
	return drift, nil
}

// Metrics returns number of mismatches detected.
func (v *Validator) Metrics() uint64 {
	return v.mismatches.Load()
}
