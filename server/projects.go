package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/murabcd/vibestack/envelope"
	"github.com/murabcd/vibestack/sandbox"
	"github.com/murabcd/vibestack/session"
	"github.com/murabcd/vibestack/store"
)

type createProjectRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if req.Title == "" {
		req.Title = "Untitled project"
	}
	p, err := s.opts.Store.CreateProject(r.Context(), store.Project{
		ID:     uuid.NewString(),
		Title:  req.Title,
		Status: store.StatusIdle,
	})
	if err != nil {
		s.logger.Error("creating project failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) project(w http.ResponseWriter, r *http.Request) (store.Project, bool) {
	id := r.PathValue("projectId")
	p, err := s.opts.Store.GetProject(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Project "+id+" not found.")
		return store.Project{}, false
	}
	if err != nil {
		s.logger.Error("loading project failed", zap.String("project_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load project")
		return store.Project{}, false
	}
	return p, true
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.project(w, r); ok {
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	ps, err := s.opts.Store.ListProjects(r.Context())
	if err != nil {
		s.logger.Error("listing projects failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": ps})
}

// updateProjectRequest holds the fields a client may change. Absent fields
// are left alone.
type updateProjectRequest struct {
	Title      *string              `json:"title"`
	Pinned     *bool                `json:"isPinned"`
	SandboxID  *string              `json:"sandboxId"`
	SandboxURL *string              `json:"sandboxUrl"`
	PreviewURL *string              `json:"previewUrl"`
	Status     *store.ProjectStatus `json:"status"`
	Progress   *int                 `json:"progress"`
}

// problem describes the first invalid field, or returns "".
func (req updateProjectRequest) problem() string {
	if req.Status != nil {
		switch *req.Status {
		case store.StatusIdle, store.StatusProcessing, store.StatusCompleted, store.StatusError:
		default:
			return fmt.Sprintf("Unknown status %q.", *req.Status)
		}
	}
	if req.Progress != nil && (*req.Progress < 0 || *req.Progress > 100) {
		return "Progress must be between 0 and 100."
	}
	if req.Title != nil && *req.Title == "" {
		return "Title must not be empty."
	}
	return ""
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("projectId")
	var req updateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if msg := req.problem(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	p, err := s.opts.Store.UpdateProject(r.Context(), id, store.ProjectUpdate{
		Title:      req.Title,
		Pinned:     req.Pinned,
		SandboxID:  req.SandboxID,
		SandboxURL: req.SandboxURL,
		PreviewURL: req.PreviewURL,
		Status:     req.Status,
		Progress:   req.Progress,
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Project "+id+" not found.")
		return
	}
	if err != nil {
		s.logger.Error("updating project failed", zap.String("project_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update project")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("projectId")
	err := s.opts.Store.DeleteProject(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Project "+id+" not found.")
		return
	}
	if err != nil {
		s.logger.Error("deleting project failed", zap.String("project_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete project")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type createMessageRequest struct {
	Role    store.Role          `json:"role"`
	Content []envelope.Envelope `json:"content"`
}

// handleCreateMessage appends a turn written by the client, such as an
// errors-reported message queued while no chat request was running.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Role != store.RoleUser && req.Role != store.RoleAssistant {
		writeError(w, http.StatusBadRequest, "Role must be 'user' or 'assistant'.")
		return
	}
	if len(req.Content) == 0 {
		writeError(w, http.StatusBadRequest, "Content is required.")
		return
	}
	for _, env := range req.Content {
		if !env.Type.Known() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown part type %q.", env.Type))
			return
		}
	}
	m, err := s.opts.Store.SaveMessage(r.Context(), store.Message{ProjectID: p.ID, Role: req.Role, Content: req.Content})
	if err != nil {
		s.logger.Error("saving message failed", zap.String("project_id", p.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleProjectMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	msgs, err := s.opts.Store.ListMessages(r.Context(), p.ID)
	if err != nil {
		s.logger.Error("listing messages failed", zap.String("project_id", p.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleProjectState replays the stored transcript into session state. The
// environment status is refreshed from the provider, since an environment
// can time out after the transcript was written.
func (s *Server) handleProjectState(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	msgs, err := s.opts.Store.ListMessages(r.Context(), p.ID)
	if err != nil {
		s.logger.Error("listing messages failed", zap.String("project_id", p.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	state := session.Replay(store.Transcript(msgs))
	if state.EnvironmentID != "" {
		env, err := s.opts.Sandboxes.Get(r.Context(), state.EnvironmentID)
		switch {
		case errors.Is(err, sandbox.ErrNotFound):
			state = state.WithEnvironmentStatus(session.EnvironmentStopped)
		case err == nil && env.Status() == sandbox.StatusStopped:
			state = state.WithEnvironmentStatus(session.EnvironmentStopped)
		}
	}
	writeJSON(w, http.StatusOK, state)
}
