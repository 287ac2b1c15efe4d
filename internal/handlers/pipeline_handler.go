package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

const (
	defaultStatsDays = 7
	maxStatsDays     = 90
)

// PipelineHandler exposes pipeline status, stats and manual triggers
type PipelineHandler struct {
	pipelines interfaces.PipelineService
	logger    arbor.ILogger
}

// NewPipelineHandler creates a new PipelineHandler
func NewPipelineHandler(pipelines interfaces.PipelineService, logger arbor.ILogger) *PipelineHandler {
	return &PipelineHandler{
		pipelines: pipelines,
		logger:    logger,
	}
}

// ListHandler handles GET /api/pipelines
func (h *PipelineHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.pipelines.PipelineStatuses(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list pipelines")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, statuses)
}

// GetHandler handles GET /api/pipelines/{name}
func (h *PipelineHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	status, err := h.pipelines.PipelineStatus(r.Context(), name)
	if err != nil {
		h.writeServiceError(w, name, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// StatsHandler handles GET /api/pipelines/{name}/stats?days=N
func (h *PipelineHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	days, ok := QueryInt(r, "days", defaultStatsDays)
	if !ok || days < 1 || days > maxStatsDays {
		WriteError(w, http.StatusBadRequest, "days must be between 1 and 90")
		return
	}

	window, err := h.pipelines.PipelineStats(r.Context(), name, days)
	if err != nil {
		h.writeServiceError(w, name, err)
		return
	}
	WriteJSON(w, http.StatusOK, window)
}

// RunHandler handles POST /api/pipelines/{name}/run.
// Dry runs are answered with the report; real runs start in the background.
func (h *PipelineHandler) RunHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit, ok := QueryInt(r, "limit", 0)
	if !ok {
		WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	opts := models.RunOptions{
		Limit:  limit,
		Batch:  r.URL.Query().Get("batch"),
		DryRun: QueryBool(r, "dry_run"),
		Force:  QueryBool(r, "force"),
	}

	if opts.DryRun {
		report, err := h.pipelines.RunPipeline(r.Context(), name, opts)
		switch {
		case err != nil && report == nil:
			h.writeServiceError(w, name, err)
		case err != nil:
			WriteJSON(w, http.StatusInternalServerError, report)
		default:
			WriteJSON(w, http.StatusOK, report)
		}
		return
	}

	requestID, err := h.pipelines.RunPipelineAsync(name, opts)
	if err != nil {
		h.writeServiceError(w, name, err)
		return
	}

	h.logger.Info().Str("pipeline", name).Str("request_id", requestID).Int("limit", limit).Msg("Run triggered via API")
	WriteStarted(w, "run started for "+name, requestID)
}

func (h *PipelineHandler) writeServiceError(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, interfaces.ErrUnknownPipeline):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, interfaces.ErrAlreadyRunning):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, interfaces.ErrGenerationDisabled), errors.Is(err, interfaces.ErrShuttingDown):
		WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error().Err(err).Str("pipeline", name).Msg("Pipeline request failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
