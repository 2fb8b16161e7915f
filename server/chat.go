package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/murabcd/vibestack/agentloop"
	"github.com/murabcd/vibestack/envelope"
	"github.com/murabcd/vibestack/logging"
	"github.com/murabcd/vibestack/mcppool"
	"github.com/murabcd/vibestack/store"
	"github.com/murabcd/vibestack/unifiedllm"
)

// chatMessage is one conversation turn as sent by the client.
type chatMessage struct {
	Role    store.Role          `json:"role"`
	Content []envelope.Envelope `json:"content"`
}

type chatRequest struct {
	Messages        []chatMessage `json:"messages"`
	ModelID         string        `json:"modelId"`
	ReasoningEffort string        `json:"reasoningEffort"`
	ProjectID       string        `json:"projectId"`
}

// handleChat streams one request as NDJSON envelopes. Everything that can
// be rejected is rejected before the first byte of the stream.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ModelID == "" {
		req.ModelID = s.opts.DefaultModel
	}
	model := unifiedllm.GetModelInfo(req.ModelID)
	if model == nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Model %s not found.", req.ModelID))
		return
	}
	switch req.ReasoningEffort {
	case "", "low", "medium":
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported reasoning effort %q.", req.ReasoningEffort))
		return
	}

	ctx := r.Context()
	logger := logging.ForProject(s.logger, req.ProjectID, uuid.NewString()).With(zap.String("model", model.ID))
	var project *store.Project
	if req.ProjectID != "" {
		p, err := s.opts.Store.GetProject(ctx, req.ProjectID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Project %s not found.", req.ProjectID))
			return
		}
		if err != nil {
			logger.Error("loading project failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load project")
			return
		}
		project = &p
	}

	history, err := s.history(ctx, req, project)
	if err != nil {
		logger.Error("loading history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	latest := latestUserMessage(history)
	if latest == nil {
		writeError(w, http.StatusBadRequest, "A user message is required.")
		return
	}

	if project != nil {
		if _, err := store.SaveUserMessageOnce(ctx, s.opts.Store, project.ID, latest.Content); err != nil {
			logger.Error("saving user message failed", zap.Error(err))
		}
		s.setStatus(ctx, logger, project.ID, store.StatusUpdate(store.StatusProcessing, 0))
	}

	w.Header().Set("Content-Type", envelope.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	emitter := envelope.NewEmitter(64)
	written := s.pump(emitter, envelope.NewWriter(w), logger)
	stopOnDisconnect := context.AfterFunc(ctx, emitter.Stop)
	defer stopOnDisconnect()

	pool := mcppool.ConnectWith(ctx, s.opts.ToolServers, s.opts.PoolOptions, s.opts.Dial)
	defer func() { _ = pool.CloseAll() }()

	tc := &agentloop.ToolContext{
		Sandboxes: s.opts.Sandboxes,
		Emitter:   emitter,
		Clock:     s.opts.Clock,
		Logger:    logger,
		Limits:    s.opts.SandboxLimits,
	}
	sandboxID := ""
	if project != nil {
		tc.Store, tc.ProjectID = s.opts.Store, project.ID
		sandboxID = project.SandboxID
	}
	registry, err := agentloop.NewRegistry(logger, agentloop.BuiltinTools(tc)...)
	if err != nil {
		// Built-in names are fixed; this only fails on a programming error.
		logger.Error("building tool registry failed", zap.Error(err))
		emitter.Emit(envelope.Must(envelope.TypeError, "", envelope.Error{Message: "internal error"}))
		emitter.Close()
		<-written
		return
	}
	registry.AddExternal(pool.Tools()...)

	effort := ""
	if model.SupportsReasoning {
		effort = req.ReasoningEffort
	}
	loopReq := agentloop.Request{
		Model:           model.ID,
		ReasoningEffort: effort,
		System: agentloop.BuildSystemPrompt(agentloop.PromptOptions{
			Model:        model.ID,
			SandboxID:    sandboxID,
			Tools:        registry.Definitions(),
			Instructions: s.opts.Instructions,
			Now:          s.opts.Now(),
		}),
		Messages: agentloop.ToMessages(toStored(history)),
		Tools:    registry,
		Emitter:  emitter,
	}
	if project != nil {
		loopReq.Metadata = map[string]string{"project_id": project.ID}
	}

	res, runErr := s.opts.Loop.Run(ctx, loopReq)
	emitter.Close()
	<-written

	if project != nil {
		s.persist(ctx, logger, project.ID, emitter.Transcript(), res, runErr)
	}
}

// pump copies envelopes to the response until the emitter closes. After a
// write failure it keeps draining so producers never block.
func (s *Server) pump(emitter *envelope.Emitter, out *envelope.Writer, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		broken := false
		for env := range emitter.Envelopes() {
			if broken {
				continue
			}
			if err := out.Write(env); err != nil {
				logger.Debug("stream write failed", zap.Error(err))
				broken = true
				emitter.Stop()
			}
		}
	}()
	return done
}

// persist records the outcome of a stream. Only model and persistence
// failures mark the project errored. A disconnect leaves it idle.
func (s *Server) persist(reqCtx context.Context, logger *zap.Logger, projectID string, transcript []envelope.Envelope, res agentloop.Result, runErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), s.opts.PersistTimeout)
	defer cancel()

	if len(transcript) > 0 {
		if _, err := s.opts.Store.SaveMessage(ctx, store.Message{ProjectID: projectID, Role: store.RoleAssistant, Content: transcript}); err != nil {
			logger.Error("saving assistant message failed", zap.Error(err))
			s.setStatus(ctx, logger, projectID, store.StatusUpdate(store.StatusError, 0))
			return
		}
	}

	switch {
	case runErr == nil:
		u := store.StatusUpdate(store.StatusCompleted, 100)
		u.LastUsage = &res.Usage
		u.LastContext = res.Context
		s.setStatus(ctx, logger, projectID, u)
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		logger.Info("client disconnected", zap.Int("rounds", res.Rounds))
		s.setStatus(ctx, logger, projectID, store.StatusUpdate(store.StatusIdle, 0))
	default:
		s.setStatus(ctx, logger, projectID, store.StatusUpdate(store.StatusError, 0))
	}
}

func (s *Server) setStatus(ctx context.Context, logger *zap.Logger, projectID string, u store.ProjectUpdate) {
	if _, err := s.opts.Store.UpdateProject(ctx, projectID, u); err != nil {
		logger.Error("updating project failed", zap.Error(err))
	}
}

// history returns the conversation to run. Messages in the request win;
// without them the stored conversation of the project is used.
func (s *Server) history(ctx context.Context, req chatRequest, project *store.Project) ([]chatMessage, error) {
	if len(req.Messages) > 0 || project == nil {
		return req.Messages, nil
	}
	stored, err := s.opts.Store.ListMessages(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	out := make([]chatMessage, len(stored))
	for i, m := range stored {
		out[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return out, nil
}

func latestUserMessage(msgs []chatMessage) *chatMessage {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == store.RoleUser && len(msgs[i].Content) > 0 {
			return &msgs[i]
		}
	}
	return nil
}

func toStored(msgs []chatMessage) []store.Message {
	out := make([]store.Message, len(msgs))
	for i, m := range msgs {
		out[i] = store.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
