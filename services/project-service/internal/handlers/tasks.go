package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventcore/libs/eventbus"
	"github.com/md-rashed-zaman/eventcore/libs/httpx"
	"github.com/md-rashed-zaman/eventcore/libs/snapshot"
	"github.com/md-rashed-zaman/eventcore/services/project-service/internal/task"
)

type TaskHandler struct {
	svc    *task.Service
	logger *slog.Logger
}

func NewTaskHandler(svc *task.Service, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{svc: svc, logger: logger}
}

// Register mounts the task routes on mux. wrapImport, when set, wraps the
// import route only.
func (h *TaskHandler) Register(mux *http.ServeMux, wrapImport httpx.Middleware) {
	var imp http.Handler = http.HandlerFunc(h.Import)
	if wrapImport != nil {
		imp = wrapImport(imp)
	}
	mux.HandleFunc("/api/v1/tasks", h.Create)
	mux.HandleFunc("/api/v1/tasks/get", h.Get)
	mux.HandleFunc("/api/v1/tasks/rename", h.Rename)
	mux.HandleFunc("/api/v1/tasks/assign", h.Assign)
	mux.HandleFunc("/api/v1/tasks/close", h.Close)
	mux.HandleFunc("/api/v1/tasks/delete", h.Delete)
	mux.HandleFunc("/api/v1/tasks/erase", h.Erase)
	mux.Handle("/api/v1/projects/import", imp)
}

type createTaskRequest struct {
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type changeTaskRequest struct {
	TaskID          string  `json:"task_id"`
	ExpectedVersion *uint64 `json:"expected_version"`
	Title           string  `json:"title"`
	AssigneeID      string  `json:"assignee_id"`
}

type importRequest struct {
	ProjectID string              `json:"project_id"`
	Tasks     []createTaskRequest `json:"tasks"`
}

type taskRefResponse struct {
	TaskID  string `json:"task_id"`
	Version uint64 `json:"version"`
}

type taskResponse struct {
	TaskID      string `json:"task_id"`
	ProjectID   string `json:"project_id"`
	Version     uint64 `json:"version"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type importResponse struct {
	TransactionID string            `json:"transaction_id"`
	Tasks         []taskRefResponse `json:"tasks"`
}

func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	project, err := uuid.Parse(strings.TrimSpace(req.ProjectID))
	if err != nil {
		http.Error(w, "invalid project_id", http.StatusBadRequest)
		return
	}
	id, err := h.svc.Create(r.Context(), task.CreateTask{
		Project:     project,
		Actor:       httpx.ActorFromContext(r.Context()),
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, taskRefResponse{TaskID: id.ID.String(), Version: id.Version})
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("task_id")))
	if err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}
	snap, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := taskResponse{
		TaskID:      snap.Identifier.ID.String(),
		ProjectID:   snap.RootContextIdentifier.String(),
		Version:     snap.Version(),
		Title:       snap.State.Title,
		Description: snap.State.Description,
		Status:      snap.State.Status,
		CreatedAt:   snap.Created.At.Format(time.RFC3339),
		UpdatedAt:   snap.LastModified.At.Format(time.RFC3339),
	}
	if snap.State.Assignee != uuid.Nil {
		resp.AssigneeID = snap.State.Assignee.String()
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *TaskHandler) Rename(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, func(c task.Change, req changeTaskRequest) (taskRefResponse, error) {
		id, err := h.svc.Rename(r.Context(), c, req.Title)
		return taskRefResponse{TaskID: id.ID.String(), Version: id.Version}, err
	})
}

func (h *TaskHandler) Assign(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, func(c task.Change, req changeTaskRequest) (taskRefResponse, error) {
		assignee, err := uuid.Parse(strings.TrimSpace(req.AssigneeID))
		if err != nil {
			return taskRefResponse{}, errInvalidAssignee
		}
		id, err := h.svc.Assign(r.Context(), c, assignee)
		return taskRefResponse{TaskID: id.ID.String(), Version: id.Version}, err
	})
}

func (h *TaskHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, func(c task.Change, _ changeTaskRequest) (taskRefResponse, error) {
		id, err := h.svc.Close(r.Context(), c)
		return taskRefResponse{TaskID: id.ID.String(), Version: id.Version}, err
	})
}

func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, func(c task.Change, _ changeTaskRequest) (taskRefResponse, error) {
		id, err := h.svc.Delete(r.Context(), c)
		return taskRefResponse{TaskID: id.ID.String(), Version: id.Version}, err
	})
}

func (h *TaskHandler) Erase(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, func(c task.Change, _ changeTaskRequest) (taskRefResponse, error) {
		id, err := h.svc.Erase(r.Context(), c)
		return taskRefResponse{TaskID: id.ID.String(), Version: id.Version}, err
	})
}

func (h *TaskHandler) Import(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	project, err := uuid.Parse(strings.TrimSpace(req.ProjectID))
	if err != nil {
		http.Error(w, "invalid project_id", http.StatusBadRequest)
		return
	}
	cmds := make([]task.CreateTask, len(req.Tasks))
	for i, t := range req.Tasks {
		cmds[i] = task.CreateTask{Title: t.Title, Description: t.Description}
	}
	res, err := h.svc.Import(r.Context(), project, httpx.ActorFromContext(r.Context()), cmds)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := importResponse{TransactionID: res.TransactionIdentifier.String(), Tasks: make([]taskRefResponse, len(res.Tasks))}
	for i, id := range res.Tasks {
		resp.Tasks[i] = taskRefResponse{TaskID: id.ID.String(), Version: id.Version}
	}
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

var errInvalidAssignee = errors.New("invalid assignee_id")

func (h *TaskHandler) change(w http.ResponseWriter, r *http.Request, apply func(task.Change, changeTaskRequest) (taskRefResponse, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req changeTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(req.TaskID))
	if err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}
	resp, err := apply(task.Change{
		Task:            id,
		Actor:           httpx.ActorFromContext(r.Context()),
		ExpectedVersion: req.ExpectedVersion,
	}, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *TaskHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errInvalidAssignee):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, task.ErrInvalidCommand):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, task.ErrTaskNotFound):
		http.Error(w, "task not found", http.StatusNotFound)
	case errors.Is(err, task.ErrEntityOutdated), errors.Is(err, snapshot.ErrStaleVersion):
		http.Error(w, "task was modified, reload and retry", http.StatusConflict)
	case errors.Is(err, task.ErrTaskClosed):
		http.Error(w, "task is closed", http.StatusUnprocessableEntity)
	default:
		if errors.Is(err, eventbus.ErrUnmappableEvent) || snapshot.IsIntegrityError(err) {
			h.logger.ErrorContext(r.Context(), "event integrity error", "err", err)
		} else {
			h.logger.ErrorContext(r.Context(), "task command failed", "err", err)
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
