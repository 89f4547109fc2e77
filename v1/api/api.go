// Package api exposes the management operations and the per-group change
// feed over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	warperrors "github.com/mirkobrombin/go-spawn/v1/errors"
	"github.com/mirkobrombin/go-spawn/v1/spawn"
	"github.com/mirkobrombin/go-spawn/v1/store"
	"github.com/mirkobrombin/go-spawn/v1/watchbus"
)

// Server routes HTTP requests to a Manager and a Router.
type Server struct {
	mgr    *spawn.Manager
	router *spawn.Router
	bus    watchbus.WatchBus
	logger *slog.Logger
	mux    *http.ServeMux
}

// New builds the route table. bus may be nil, which disables the watch
// endpoints.
func New(mgr *spawn.Manager, router *spawn.Router, bus watchbus.WatchBus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{mgr: mgr, router: router, bus: bus, logger: logger.With("component", "api"), mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /groups", s.listGroups)
	s.mux.HandleFunc("POST /groups", s.createGroup)
	s.mux.HandleFunc("DELETE /groups/{id}", s.deleteGroup)
	s.mux.HandleFunc("POST /groups/{id}/renumber", s.renumber)
	s.mux.HandleFunc("GET /links", s.listLinks)
	s.mux.HandleFunc("POST /links", s.addLink)
	s.mux.HandleFunc("DELETE /links", s.removeLink)
	s.mux.HandleFunc("POST /transitions", s.transition)
	if bus != nil {
		s.mux.Handle("GET /groups/{id}/watch", watchbus.SSEHandler(bus, groupKey))
		s.mux.Handle("GET /groups/{id}/ws", watchbus.WebSocketHandler(bus, groupKey))
	}
	return s
}

func groupKey(r *http.Request) string {
	id := r.PathValue("id")
	if id == "" {
		return ""
	}
	return watchbus.GroupKey(id)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type createGroupRequest struct {
	TemplateID string `json:"template_id"`
	Name       string `json:"name,omitempty"`
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.mgr.ListGroups(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TemplateID == "" {
		http.Error(w, "template_id is required", http.StatusBadRequest)
		return
	}
	g, err := s.mgr.CreateGroup(r.Context(), req.TemplateID, req.Name)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.DeleteGroup(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) renumber(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mgr.Renumber(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"live":    stats.Live,
		"renamed": stats.Renamed,
		"pruned":  stats.Pruned,
	})
}

func (s *Server) listLinks(w http.ResponseWriter, r *http.Request) {
	links, err := s.mgr.ListLinks(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

func (s *Server) addLink(w http.ResponseWriter, r *http.Request) {
	var l store.RoleLink
	if !decode(w, r, &l) {
		return
	}
	if l.RoleID == "" || l.ResourceID == "" {
		http.Error(w, "role_id and resource_id are required", http.StatusBadRequest)
		return
	}
	if err := s.mgr.AddLink(r.Context(), l.RoleID, l.ResourceID); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) removeLink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role, resource := q.Get("role_id"), q.Get("resource_id")
	if role == "" || resource == "" {
		http.Error(w, "role_id and resource_id are required", http.StatusBadRequest)
		return
	}
	if err := s.mgr.RemoveLink(r.Context(), role, resource); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request) {
	var t spawn.Transition
	if !decode(w, r, &t) {
		return
	}
	if t.Member == "" {
		http.Error(w, "member is required", http.StatusBadRequest)
		return
	}
	if err := s.router.HandleTransition(r.Context(), t); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, warperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, warperrors.ErrAlreadyExists), errors.Is(err, warperrors.ErrCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, warperrors.ErrTimeout), errors.Is(err, warperrors.ErrConnectionClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}
