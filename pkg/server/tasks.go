package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gomaestro/maestro/pkg/orchestrator"
	"github.com/gomaestro/maestro/pkg/protocol"
	"github.com/gomaestro/maestro/pkg/taskspace"
)

// maxBodyBytes bounds request bodies; goals and messages are small.
const maxBodyBytes = 1 << 20

type createTaskRequest struct {
	Goal   string `json:"goal"`
	UserID string `json:"user_id"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	taskID, err := s.manager.Start(req.Goal, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ids, err := s.manager.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": ids})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	snap, err := s.store.Snapshot(taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":      taskID,
		"status":       snap.State.Status,
		"goal":         snap.State.Goal,
		"plan_version": snap.State.PlanVersion,
		"plan":         snap.Plan,
	})
}

type chatRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decode(w, r, &req) {
		return
	}
	o, err := s.manager.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	intent, err := o.Chat(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Processing continues in the background; the caller tails events.
	writeJSON(w, http.StatusAccepted, map[string]string{"intent": string(intent)})
}

type cancelRequest struct {
	Scope string `json:"scope"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decode(w, r, &req) {
		return
	}
	scope := orchestrator.Scope(req.Scope)
	if scope != orchestrator.ScopeTurn && scope != orchestrator.ScopeTask {
		s.writeError(w, protocol.NewError(protocol.KindValidation,
			"scope must be %q or %q", orchestrator.ScopeTurn, orchestrator.ScopeTask))
		return
	}
	o, err := s.manager.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := o.Cancel(scope); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"cancelled": string(scope)})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	purge := r.URL.Query().Get("purge") == "1"
	if err := s.store.Delete(taskID, purge); err != nil {
		s.writeError(w, err)
		return
	}
	s.manager.Forget(taskID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.ListArtifacts(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": infos})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	relPath := chi.URLParam(r, "*")
	data, err := s.store.ReadArtifact(taskID, relPath)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(path.Base(relPath)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// decode reads a bounded JSON body, writing the error response itself when
// the body is malformed.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && err != io.EOF {
		s.writeError(w, protocol.NewError(protocol.KindValidation, "invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, taskspace.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, taskspace.ErrAlreadyExists):
		status = http.StatusConflict
	default:
		if perr, ok := err.(*protocol.Error); ok {
			switch perr.Kind {
			case protocol.KindValidation:
				status = http.StatusBadRequest
			case protocol.KindPolicy:
				status = http.StatusForbidden
			case protocol.KindLimitExceeded:
				status = http.StatusTooManyRequests
			case protocol.KindStorage:
				status = http.StatusServiceUnavailable
			}
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	perr := protocol.AsError(err)
	writeJSON(w, status, map[string]any{"error": perr.Detail, "kind": perr.Kind})
}
