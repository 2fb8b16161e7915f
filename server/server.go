// Package server is the HTTP surface of vibestack: the streaming chat
// endpoint plus the project and sandbox APIs the UI calls around it.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/murabcd/vibestack/agentloop"
	"github.com/murabcd/vibestack/envelope"
	"github.com/murabcd/vibestack/logging"
	"github.com/murabcd/vibestack/mcppool"
	"github.com/murabcd/vibestack/sandbox"
	"github.com/murabcd/vibestack/store"
	"github.com/murabcd/vibestack/unifiedllm"
)

// Options wires a Server.
type Options struct {
	Loop      *agentloop.Loop
	Sandboxes sandbox.Provider
	Store     store.Store
	Clock     *envelope.Clock
	Logger    *zap.Logger

	DefaultModel  string
	SandboxLimits agentloop.SandboxLimits
	// Instructions are appended to the system prompt of every request.
	Instructions string

	// ToolServers are connected for every chat request.
	ToolServers []mcppool.Descriptor
	PoolOptions mcppool.Options
	// Dial overrides how tool servers are reached. Nil means mcppool.Dial.
	Dial mcppool.DialFunc

	// PersistTimeout bounds the writes made after a stream ends.
	PersistTimeout time.Duration
	Now            func() time.Time
}

// Server routes the HTTP API.
type Server struct {
	opts   Options
	logger *zap.Logger
	mux    *http.ServeMux
}

// New creates a Server.
func New(opts Options) *Server {
	opts.Logger = logging.OrNop(opts.Logger)
	if opts.Clock == nil {
		opts.Clock = envelope.NewClock()
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = unifiedllm.DefaultModel
	}
	if opts.Dial == nil {
		opts.Dial = mcppool.Dial
	}
	if opts.PoolOptions.Logger == nil {
		opts.PoolOptions.Logger = opts.Logger
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{opts: opts, logger: opts.Logger, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/models", s.handleModels)
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/errors", s.handleErrors)

	s.mux.HandleFunc("GET /api/projects", s.handleListProjects)
	s.mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	s.mux.HandleFunc("GET /api/projects/{projectId}", s.handleGetProject)
	s.mux.HandleFunc("PATCH /api/projects/{projectId}", s.handleUpdateProject)
	s.mux.HandleFunc("DELETE /api/projects/{projectId}", s.handleDeleteProject)
	s.mux.HandleFunc("GET /api/projects/{projectId}/messages", s.handleProjectMessages)
	s.mux.HandleFunc("POST /api/projects/{projectId}/messages", s.handleCreateMessage)
	s.mux.HandleFunc("GET /api/projects/{projectId}/state", s.handleProjectState)

	s.mux.HandleFunc("GET /api/sandboxes/{sandboxId}", s.handleSandboxStatus)
	s.mux.HandleFunc("GET /api/sandboxes/{sandboxId}/cmds/{cmdId}/logs", s.handleCommandLogs)
	s.mux.HandleFunc("GET /api/sandboxes/{sandboxId}/files", s.handleReadFile)
	s.mux.HandleFunc("POST /api/sandboxes/{sandboxId}/files", s.handleWriteFile)
	return s
}

// ServeHTTP logs each request and delegates to the mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.logger.Debug("http request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("duration", time.Since(start)))
}

// statusRecorder captures the status code and keeps flushing available to
// streaming handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type modelResponse struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Provider          string `json:"provider"`
	ContextWindow     int    `json:"contextWindow"`
	SupportsReasoning bool   `json:"supportsReasoning"`
	Default           bool   `json:"default,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	models := make([]modelResponse, 0, len(unifiedllm.Models))
	for _, m := range unifiedllm.ListModels("") {
		models = append(models, modelResponse{
			ID:                m.ID,
			Name:              m.Name,
			Provider:          m.Provider,
			ContextWindow:     m.ContextWindow,
			SupportsReasoning: m.SupportsReasoning,
			Default:           m.ID == s.opts.DefaultModel,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}
