package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

// HealthHandler reports process and storage liveness
type HealthHandler struct {
	store   interfaces.WorkItemStorage
	logger  arbor.ILogger
	started time.Time
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(store interfaces.WorkItemStorage, logger arbor.ILogger) *HealthHandler {
	return &HealthHandler{
		store:   store,
		logger:  logger,
		started: time.Now(),
	}
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Pending int    `json:"pending"`
	Error   string `json:"error,omitempty"`
}

// HealthzHandler handles GET /healthz. A failing store read returns 503.
func (h *HealthHandler) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: common.GetVersion(),
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	}

	pending, err := h.store.CountWorkItems(r.Context(), &interfaces.WorkItemFilter{
		Statuses: []models.WorkItemStatus{models.WorkItemStatusPending},
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("Health check storage read failed")
		resp.Status = "degraded"
		resp.Error = err.Error()
		WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Pending = pending
	WriteJSON(w, http.StatusOK, resp)
}
