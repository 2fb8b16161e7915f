package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/murabcd/vibestack/envelope"
	"github.com/murabcd/vibestack/unifiedllm"
)

// DefaultErrorsModel is the small model used to triage runtime output.
const DefaultErrorsModel = "anthropic/claude-haiku-4-5-20251001"

const reportErrorsTool = "reportErrors"

const errorsPrompt = `You triage output from a running web application and its build tooling.
You receive a JSON object with the lines a developer's client observed.

Decide whether the lines show an error in the generated code that should be
fixed, such as a failed build, a missing module, a type error or an uncaught
exception. Warnings, deprecation notices and successful compilations are not
errors. When there is an error, summarize it in a few sentences, quoting the
key message, and list the project files it points at.

Answer only by calling the reportErrors tool.`

var reportErrorsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "shouldBeFixed": {"type": "boolean", "description": "Whether the lines show an error in the generated code."},
    "summary": {"type": "string", "description": "A short description of the error, quoting the key message."},
    "paths": {"type": "array", "items": {"type": "string"}, "description": "Project files the error points at."}
  },
  "required": ["shouldBeFixed", "summary"]
}`)

// ErrorLine is one line of runtime output a client observed.
type ErrorLine struct {
	Command   string `json:"command,omitempty"`
	Stream    string `json:"stream,omitempty"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ErrorReport is the model's verdict on a batch of lines.
type ErrorReport struct {
	ShouldBeFixed bool     `json:"shouldBeFixed"`
	Summary       string   `json:"summary"`
	Paths         []string `json:"paths"`
}

// Payload is the errors-reported envelope a client sends back with its
// next chat request.
func (r ErrorReport) Payload() envelope.ErrorsReported {
	return envelope.ErrorsReported{Summary: r.Summary, Paths: r.Paths}
}

// SummarizeErrors asks model whether lines contain an error worth fixing.
// The answer is taken from a forced tool call; a bare JSON text answer is
// accepted too.
func (l *Loop) SummarizeErrors(ctx context.Context, model string, lines []ErrorLine) (ErrorReport, error) {
	if len(lines) == 0 {
		return ErrorReport{Paths: []string{}}, nil
	}
	if model == "" {
		model = DefaultErrorsModel
	}
	input, err := json.Marshal(map[string]any{"lines": lines})
	if err != nil {
		return ErrorReport{}, err
	}
	events, err := l.client.Stream(ctx, unifiedllm.Request{
		Model:    model,
		Messages: []unifiedllm.Message{unifiedllm.SystemMessage(errorsPrompt), unifiedllm.UserMessage(string(input))},
		ToolDefs: []unifiedllm.ToolDefinition{{
			Name:        reportErrorsTool,
			Description: "Report whether the output contains an error that should be fixed.",
			Parameters:  reportErrorsSchema,
		}},
		ToolChoice: &unifiedllm.ToolChoice{Mode: "named", ToolName: reportErrorsTool},
	})
	if err != nil {
		return ErrorReport{}, err
	}
	acc := unifiedllm.NewStreamAccumulator()
	for ev := range events {
		acc.Process(ev)
	}
	if err := acc.Err(); err != nil {
		return ErrorReport{}, err
	}

	resp := acc.Response()
	var raw json.RawMessage
	for _, tc := range resp.ToolCallsFromResponse() {
		if tc.Name == reportErrorsTool {
			raw = tc.Arguments
			break
		}
	}
	if raw == nil {
		raw = json.RawMessage(stripFence(resp.Text()))
	}
	var report ErrorReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return ErrorReport{}, fmt.Errorf("decode error report: %w", err)
	}
	report.Summary = strings.TrimSpace(report.Summary)
	if report.Summary == "" {
		report.ShouldBeFixed = false
	}
	if report.Paths == nil {
		report.Paths = []string{}
	}
	return report, nil
}

func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimPrefix(text, "json")
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}
