package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/murabcd/vibestack/agentloop"
)

// maxErrorLines bounds how much output one triage request may send.
const maxErrorLines = 500

type errorsRequest struct {
	Lines   []agentloop.ErrorLine `json:"lines"`
	ModelID string                `json:"modelId"`
}

// handleErrors asks a small model whether runtime output the client saw
// shows an error worth fixing. A positive answer carries the summary and
// paths the client sends back as an errors-reported part.
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	var req errorsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Lines) == 0 {
		writeError(w, http.StatusBadRequest, "Lines are required.")
		return
	}
	if len(req.Lines) > maxErrorLines {
		req.Lines = req.Lines[len(req.Lines)-maxErrorLines:]
	}
	report, err := s.opts.Loop.SummarizeErrors(r.Context(), req.ModelID, req.Lines)
	if err != nil {
		s.logger.Warn("summarizing errors failed", zap.Int("lines", len(req.Lines)), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to summarize errors")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
