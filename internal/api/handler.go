// Package api is the operator-facing HTTP surface: health, metrics, the
// notification read path, and read-only DLQ/permadead inspection. The social
// application's own REST API lives elsewhere.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/driftboard/notifier/internal/dlq"
	"github.com/driftboard/notifier/internal/notification"
)

// NotificationReader is the read side the HTTP surface needs.
type NotificationReader interface {
	QueryByRecipient(ctx context.Context, recipientID string, opts notification.QueryOptions) ([]*notification.Notification, error)
	MarkSeen(ctx context.Context, id string) error
}

// DeadLetterReader exposes the DLQ and permadead logs read-only.
type DeadLetterReader interface {
	ListDLQ(ctx context.Context, count int) ([]dlq.Entry, error)
	ListPermadead(ctx context.Context, count int) ([]dlq.Entry, error)
}

// HealthChecker pings a dependency.
type HealthChecker func(ctx context.Context) error

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	notifs   NotificationReader
	dead     DeadLetterReader
	checkers map[string]HealthChecker
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, notifs NotificationReader, dead DeadLetterReader, checkers map[string]HealthChecker) *Handler {
	return &Handler{
		logger:   logger,
		notifs:   notifs,
		dead:     dead,
		checkers: checkers,
	}
}

// GetNotifications returns a recipient's notifications, newest first.
// GET /v1/notifications?recipient_id=...&limit=...&unseen=true
func (h *Handler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	recipientID := r.URL.Query().Get("recipient_id")
	if recipientID == "" {
		h.respondError(w, http.StatusBadRequest, "missing recipient_id")
		return
	}

	opts := notification.QueryOptions{
		Limit:       queryInt(r, "limit", 50),
		IncludePost: true,
		UnseenOnly:  r.URL.Query().Get("unseen") == "true",
	}

	items, err := h.notifs.QueryByRecipient(r.Context(), recipientID, opts)
	if err != nil {
		h.logger.Error("query notifications failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "query failed")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": items,
		"count":         len(items),
	})
}

// MarkNotificationSeen flips the seen flag on one notification.
// POST /v1/notifications/{id}/seen
func (h *Handler) MarkNotificationSeen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.notifs.MarkSeen(r.Context(), id); err != nil {
		h.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDeadLetterQueue returns the current DLQ contents.
// GET /v1/dlq?limit=...
func (h *Handler) ListDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := h.dead.ListDLQ(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		h.logger.Error("list dlq failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "list failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// ListPermadead returns terminal entries that need operator attention.
// GET /v1/permadead?limit=...
func (h *Handler) ListPermadead(w http.ResponseWriter, r *http.Request) {
	entries, err := h.dead.ListPermadead(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		h.logger.Error("list permadead failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "list failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// Health pings every dependency and reports per-dependency status.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	deps := make(map[string]string, len(h.checkers))
	for name, check := range h.checkers {
		if err := check(r.Context()); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			deps[name] = "ok"
		}
	}
	h.respondJSON(w, status, map[string]interface{}{
		"status":       http.StatusText(status),
		"dependencies": deps,
	})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, detail string) {
	h.respondJSON(w, status, ErrorResponse{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
