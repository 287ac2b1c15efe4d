package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
	"github.com/ternarybob/revisor/internal/services/workitems"
)

// ItemService creates and resets work items
type ItemService interface {
	Enqueue(ctx context.Context, requests []workitems.EnqueueRequest) ([]*models.WorkItem, error)
	Reset(ctx context.Context, filter workitems.ResetFilter) (int, error)
}

// Purger deletes expired work items
type Purger interface {
	Purge(ctx context.Context, pipeline string, days int) (int, error)
}

// EnqueueBody is the request body of POST /api/items
type EnqueueBody struct {
	Items []workitems.EnqueueRequest `json:"items"`
}

// ItemHandler exposes the work item operator surface so CLI commands can be
// served by a running instance that holds the store
type ItemHandler struct {
	items  ItemService
	purger Purger
	logger arbor.ILogger
}

// NewItemHandler creates a new ItemHandler
func NewItemHandler(items ItemService, purger Purger, logger arbor.ILogger) *ItemHandler {
	return &ItemHandler{
		items:  items,
		purger: purger,
		logger: logger,
	}
}

// EnqueueHandler handles POST /api/items
func (h *ItemHandler) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	var body EnqueueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(body.Items) == 0 {
		WriteError(w, http.StatusBadRequest, "no items to enqueue")
		return
	}

	items, err := h.items.Enqueue(r.Context(), body.Items)
	if err != nil {
		h.writeItemError(w, "enqueue", err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"items": items})
}

// ResetHandler handles POST /api/items/reset
func (h *ItemHandler) ResetHandler(w http.ResponseWriter, r *http.Request) {
	var filter workitems.ResetFilter
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	n, err := h.items.Reset(r.Context(), filter)
	if err != nil {
		h.writeItemError(w, "reset", err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// PurgeHandler handles POST /api/items/purge?pipeline=&days=
func (h *ItemHandler) PurgeHandler(w http.ResponseWriter, r *http.Request) {
	days, ok := QueryInt(r, "days", 0)
	if !ok {
		WriteError(w, http.StatusBadRequest, "days must be a non-negative integer")
		return
	}

	deleted, err := h.purger.Purge(r.Context(), r.URL.Query().Get("pipeline"), days)
	if err != nil {
		h.writeItemError(w, "purge", err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *ItemHandler) writeItemError(w http.ResponseWriter, operation string, err error) {
	switch {
	case errors.Is(err, workitems.ErrInvalidRequest):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, interfaces.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error().Err(err).Str("operation", operation).Msg("Work item request failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
