package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/murabcd/vibestack/envelope"
	"github.com/murabcd/vibestack/sandbox"
)

func (s *Server) environment(w http.ResponseWriter, r *http.Request) (sandbox.Environment, bool) {
	id := r.PathValue("sandboxId")
	env, err := s.opts.Sandboxes.Get(r.Context(), id)
	if errors.Is(err, sandbox.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Sandbox not found.")
		return nil, false
	}
	if err != nil {
		s.logger.Error("loading sandbox failed", zap.String("sandbox_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load sandbox")
		return nil, false
	}
	return env, true
}

func (s *Server) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	env, ok := s.environment(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(env.Status())})
}

// handleCommandLogs streams every log line of a command as NDJSON, following
// the command until it exits or the client goes away. Background commands
// are still tracked here after the chat request that started them ended.
func (s *Server) handleCommandLogs(w http.ResponseWriter, r *http.Request) {
	env, ok := s.environment(w, r)
	if !ok {
		return
	}
	cmd, err := env.Command(r.PathValue("cmdId"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Command not found.")
		return
	}
	w.Header().Set("Content-Type", envelope.ContentType)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for line := range cmd.Logs(r.Context()) {
		if err := enc.Encode(line); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "Invalid parameters. You must pass a `path` as query")
		return
	}
	env, ok := s.environment(w, r)
	if !ok {
		return
	}
	content, err := env.ReadFile(r.Context(), path)
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		writeError(w, http.StatusNotFound, "File not found in the Sandbox")
		return
	case errors.Is(err, sandbox.ErrStopped):
		writeError(w, http.StatusConflict, "Sandbox is stopped")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(content))
}

type writeFileRequest struct {
	Path    *string `json:"path"`
	Content *string `json:"content"`
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var req writeFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == nil || *req.Path == "" || req.Content == nil {
		writeError(w, http.StatusBadRequest, "Invalid request body. You must pass `path` and `content`")
		return
	}
	env, ok := s.environment(w, r)
	if !ok {
		return
	}
	if err := env.WriteFiles(r.Context(), []sandbox.File{{Path: *req.Path, Content: *req.Content}}); err != nil {
		s.logger.Error("saving file failed", zap.String("sandbox_id", env.ID()), zap.String("path", *req.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to save file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "File saved successfully"})
}
