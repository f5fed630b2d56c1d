package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventcore/libs/httpx"
	"github.com/md-rashed-zaman/eventcore/services/activity-service/internal/storage"
)

type ActivityHandler struct {
	repo   *storage.ActivityRepository
	q      storage.Querier
	logger *slog.Logger
}

func NewActivityHandler(repo *storage.ActivityRepository, q storage.Querier, logger *slog.Logger) *ActivityHandler {
	return &ActivityHandler{repo: repo, q: q, logger: logger}
}

type activityItem struct {
	TaskID        string  `json:"task_id,omitempty"`
	TaskVersion   *uint64 `json:"task_version,omitempty"`
	Kind          string  `json:"kind"`
	ActorID       string  `json:"actor_id"`
	Summary       string  `json:"summary"`
	TransactionID string  `json:"transaction_id,omitempty"`
	OccurredAt    string  `json:"occurred_at"`
}

func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	project, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("project_id")))
	if err != nil {
		http.Error(w, "invalid project_id", http.StatusBadRequest)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.repo.Recent(r.Context(), h.q, project, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list activity failed", "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	items := make([]activityItem, 0, len(entries))
	for _, e := range entries {
		item := activityItem{
			TaskVersion: e.TaskVersion,
			Kind:        e.Kind,
			ActorID:     e.ActorID.String(),
			Summary:     e.Summary,
			OccurredAt:  e.OccurredAt.Format(time.RFC3339),
		}
		if e.TaskID != nil {
			item.TaskID = e.TaskID.String()
		}
		if e.TransactionIdentifier != nil {
			item.TransactionID = e.TransactionIdentifier.String()
		}
		items = append(items, item)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}
