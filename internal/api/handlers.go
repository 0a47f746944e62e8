package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/exthost/internal/extension"
	"github.com/mattjoyce/exthost/internal/journal"
	"github.com/mattjoyce/exthost/internal/manifest"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Extensions:    stats.Total,
		Active:        stats.ByState[extension.StateEnabled],
		Errored:       stats.ByState[extension.StateError],
	})
}

// handleListExtensions handles GET /extensions with optional ?state= and
// ?permission= filters.
func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	state := extension.State(r.URL.Query().Get("state"))
	permission := r.URL.Query().Get("permission")

	out := make([]ExtensionResponse, 0)
	for _, meta := range s.registry.All() {
		if state != "" && meta.State != state {
			continue
		}
		if permission != "" && !meta.HasPermission(permission) {
			continue
		}
		out = append(out, s.describe(meta))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleGetExtension handles GET /extensions/{id}.
func (s *Server) handleGetExtension(w http.ResponseWriter, r *http.Request) {
	meta, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.describe(meta))
}

// handleDependencies handles GET /extensions/{id}/dependencies?transitive=true.
func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	transitive, _ := strconv.ParseBool(r.URL.Query().Get("transitive"))
	deps, err := s.registry.Dependencies(id, transitive)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, IDListResponse{ID: id, IDs: nonNil(deps)})
}

// handleDependents handles GET /extensions/{id}/dependents.
func (s *Server) handleDependents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(id); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, IDListResponse{ID: id, IDs: nonNil(s.registry.Dependents(id))})
}

// handleHistory handles GET /extensions/{id}/history?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "event journal is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.history.History(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("failed to read history", "extension", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondJSON(w, http.StatusOK, HistoryResponse{ID: id, Events: entries})
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.Stats())
}

// handleLoadOrder handles GET /load-order.
func (s *Server) handleLoadOrder(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, IDListResponse{IDs: nonNil(s.lifecycle.LoadOrder())})
}

// handleLifecycle handles POST /extensions/{id}/{load|activate|deactivate|unload}.
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := chi.URLParam(r, "action")
	// A transition runs to completion even if the client goes away.
	ctx := context.WithoutCancel(r.Context())

	var err error
	switch action {
	case "load":
		_, err = s.lifecycle.Load(ctx, id)
	case "activate":
		err = s.lifecycle.Activate(ctx, id)
	case "deactivate":
		err = s.lifecycle.Deactivate(ctx, id)
	case "unload":
		err = s.lifecycle.Unload(ctx, id)
	default:
		s.writeError(w, http.StatusNotFound, "unknown action "+strconv.Quote(action))
		return
	}
	if err != nil {
		s.logger.Warn("lifecycle request failed", "extension", id, "action", action, "error", err)
		s.writeLifecycleError(w, err)
		return
	}

	resp := LifecycleResponse{ID: id, Action: action}
	if meta, gerr := s.registry.Get(id); gerr == nil {
		resp.State = meta.State
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) describe(meta extension.Metadata) ExtensionResponse {
	out := ExtensionResponse{Metadata: meta}
	if info, ok := s.lifecycle.Context(meta.ID); ok {
		out.Activation = &info
	}
	return out
}

// writeLifecycleError maps registry and loader errors onto HTTP statuses.
func (s *Server) writeLifecycleError(w http.ResponseWriter, err error) {
	var (
		loadErr *extension.LoadError
		actErr  *extension.ActivationError
		cycle   *extension.CircularDependencyError
		invalid manifest.ValidationErrors
	)
	switch {
	case errors.As(err, &loadErr) && loadErr.Code == extension.CodeNotFound:
		respondJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: string(loadErr.Code)})
	case errors.Is(err, extension.ErrNotFound):
		respondJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.As(err, &cycle):
		respondJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "CIRCULAR_DEPENDENCY"})
	case errors.Is(err, extension.ErrInvalidStateTransition):
		respondJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "INVALID_STATE_TRANSITION"})
	case errors.As(err, &loadErr):
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: string(loadErr.Code)})
	case errors.As(err, &actErr):
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "ACTIVATION_FAILED"})
	case errors.As(err, &invalid):
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "INVALID_MANIFEST"})
	default:
		s.logger.Error("unexpected lifecycle error", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
