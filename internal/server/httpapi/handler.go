// Package httpapi exposes the sync session controller over HTTP/JSON: push a
// batch, get status, force a full resync, list history. Every expected
// failure mode comes back as a well-formed JSON envelope, never a bare
// transport error.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/finhorizon/plansync/internal/common"
	"github.com/finhorizon/plansync/internal/logging"
	"github.com/finhorizon/plansync/internal/server/models"
	"github.com/finhorizon/plansync/internal/server/repositories/changelog"
)

// Handler handles the sync API requests.
type Handler struct {
	sync   Syncer
	logger logging.Logger
}

func NewHandler(sync Syncer, logger logging.Logger) *Handler {
	return &Handler{sync: sync, logger: logger.With("module", "httpapi")}
}

type pushBatchRequest struct {
	SinceWatermark *time.Time       `json:"sinceWatermark,omitempty"`
	Changes        []*models.Change `json:"changes"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

// PushBatch submits one reconciliation batch. Contention on the per-user
// session maps to 409 and is retryable; a batch-fatal failure maps to 500
// with no state changed, so the client retries the identical batch against
// the same watermark.
func (h *Handler) PushBatch(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req pushBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result, err := h.sync.PushBatch(r.Context(), userID, req.SinceWatermark, req.Changes)
	if err != nil {
		if errors.Is(err, common.ErrSyncInProgress) {
			writeError(w, http.StatusConflict, common.ErrSyncInProgress.Error())
			return
		}
		h.logger.Error(r.Context(), "push batch failed", "user_id", userID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetStatus returns the caller's sync register record.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	status, err := h.sync.Status(r.Context(), userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			writeError(w, http.StatusNotFound, "no sync status")
			return
		}
		h.logger.Error(r.Context(), "get status failed", "user_id", userID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// ForceFullResync returns every live entity plus a fresh token, bypassing
// the watermark delta.
func (h *Handler) ForceFullResync(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	result, err := h.sync.ForceFullResync(r.Context(), userID)
	if err != nil {
		if errors.Is(err, common.ErrSyncInProgress) {
			writeError(w, http.StatusConflict, common.ErrSyncInProgress.Error())
			return
		}
		h.logger.Error(r.Context(), "full resync failed", "user_id", userID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetHistory lists recent change records, newest first, optionally filtered
// by entityType and entityId, bounded by limit.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	filter := changelog.ListFilter{
		EntityType: models.EntityType(r.URL.Query().Get("entityType")),
		EntityID:   r.URL.Query().Get("entityId"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if filter.EntityType != "" && !filter.EntityType.Valid() {
		writeError(w, http.StatusBadRequest, "invalid entityType")
		return
	}

	records, err := h.sync.History(r.Context(), userID, filter)
	if err != nil {
		h.logger.Error(r.Context(), "get history failed", "user_id", userID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if records == nil {
		records = []*models.ChangeRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// Health is unauthenticated.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
