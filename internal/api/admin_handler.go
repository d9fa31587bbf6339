package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/api200/gateway/internal/cache"
	"github.com/api200/gateway/internal/logging"
	"github.com/api200/gateway/internal/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// IncidentResolver closes an incident so the next failure burst can open a
// new one.
type IncidentResolver interface {
	ResolveIncident(ctx context.Context, incidentID string) error
}

// AdminHandler serves the endpoints the configuration collaborator calls
// after editing services, endpoints or incidents.
type AdminHandler struct {
	invalidator *cache.Invalidator
	incidents   IncidentResolver
	logger      *zap.Logger
}

func NewAdminHandler(invalidator *cache.Invalidator, incidents IncidentResolver, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		invalidator: invalidator,
		incidents:   incidents,
		logger:      logger.With(logging.Component("admin")),
	}
}

type invalidateRequest struct {
	TenantID   string `json:"tenant_id"`
	Service    string `json:"service"`
	EndpointID string `json:"endpoint_id"`
	APIKey     string `json:"api_key"`
}

// InvalidateCache drops cached route bundles, responses or key lookups.
// At least one target must be named.
func (h *AdminHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	var dropped []string
	ctx := r.Context()

	if req.Service != "" {
		if req.TenantID == "" {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id is required with service"})
			return
		}
		if err := h.invalidator.Route(ctx, req.TenantID, req.Service); err != nil {
			h.fail(w, "route", err)
			return
		}
		dropped = append(dropped, "routes")
	}

	if req.EndpointID != "" {
		if err := h.invalidator.Responses(ctx, req.EndpointID); err != nil {
			h.fail(w, "responses", err)
			return
		}
		dropped = append(dropped, "responses")
	}

	if req.APIKey != "" {
		if err := h.invalidator.APIKey(ctx, store.HashKey(req.APIKey)); err != nil {
			h.fail(w, "api key", err)
			return
		}
		dropped = append(dropped, "api_key")
	}

	if len(dropped) == 0 {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Nothing to invalidate"})
		return
	}

	h.logger.Info("cache invalidated",
		logging.TenantID(req.TenantID),
		logging.Service(req.Service),
		logging.EndpointID(req.EndpointID),
		zap.Strings("dropped", dropped))

	respondJSON(w, http.StatusOK, map[string]interface{}{"invalidated": dropped})
}

// ResolveIncident marks an incident resolved.
func (h *AdminHandler) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.incidents.ResolveIncident(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondJSON(w, http.StatusNotFound, map[string]string{"error": "Incident not found"})
			return
		}
		h.fail(w, "incident", err)
		return
	}

	h.logger.Info("incident resolved", zap.String("incident_id", id))
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "resolved": true})
}

func (h *AdminHandler) fail(w http.ResponseWriter, target string, err error) {
	h.logger.Error("admin operation failed", zap.String("target", target), zap.Error(err))
	respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
}
