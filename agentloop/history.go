package agentloop

import (
	"strings"

	"github.com/murabcd/vibestack/envelope"
	"github.com/murabcd/vibestack/store"
	"github.com/murabcd/vibestack/unifiedllm"
)

// incompleteToolResult stands in for a tool call whose result never made it
// into the transcript, e.g. because the client went away.
const incompleteToolResult = "The tool call did not complete."

// ErrorsReportedText is the instruction an errors-reported envelope turns
// into before the model sees it.
func ErrorsReportedText(e envelope.ErrorsReported) string {
	var sb strings.Builder
	sb.WriteString("There are errors in the generated code. This is the summary of the errors we have:\n")
	sb.WriteString("```" + e.Summary + "```\n")
	if len(e.Paths) > 0 {
		sb.WriteString("The following files may contain errors:\n")
		sb.WriteString("```" + strings.Join(e.Paths, "\n") + "```\n")
	}
	sb.WriteString("Fix the errors reported.")
	return sb.String()
}

// ToMessages converts stored turns into model context. User turns keep their
// text and errors-reported parts. Assistant turns are split back into one
// assistant message per round followed by that round's tool results in call
// order. Data envelopes and reasoning are not replayed.
func ToMessages(msgs []store.Message) []unifiedllm.Message {
	var out []unifiedllm.Message
	for _, m := range msgs {
		switch m.Role {
		case store.RoleUser:
			if msg, ok := userMessage(m.Content); ok {
				out = append(out, msg)
			}
		case store.RoleAssistant:
			out = append(out, assistantMessages(m.Content)...)
		}
	}
	return out
}

func userMessage(content []envelope.Envelope) (unifiedllm.Message, bool) {
	var parts []unifiedllm.ContentPart
	for _, env := range content {
		switch env.Type {
		case envelope.TypeText, envelope.TypeTextDelta:
			var t envelope.Text
			if env.Decode(&t) == nil && t.Text != "" {
				parts = append(parts, unifiedllm.TextPart(t.Text))
			}
		case envelope.TypeErrorsReported:
			var e envelope.ErrorsReported
			if env.Decode(&e) == nil {
				parts = append(parts, unifiedllm.TextPart(ErrorsReportedText(e)))
			}
		}
	}
	if len(parts) == 0 {
		return unifiedllm.Message{}, false
	}
	return unifiedllm.Message{Role: unifiedllm.RoleUser, Content: parts}, true
}

// roundBuilder rebuilds one model round from its envelopes.
type roundBuilder struct {
	text    strings.Builder
	calls   []unifiedllm.ToolCall
	results map[string]unifiedllm.ToolResult
}

func (b *roundBuilder) empty() bool {
	return b.text.Len() == 0 && len(b.calls) == 0
}

func (b *roundBuilder) messages() []unifiedllm.Message {
	if b.empty() {
		return nil
	}
	msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	if b.text.Len() > 0 {
		msg.Content = append(msg.Content, unifiedllm.TextPart(b.text.String()))
	}
	for _, c := range b.calls {
		msg.Content = append(msg.Content, unifiedllm.ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	out := []unifiedllm.Message{msg}
	if len(b.calls) == 0 {
		return out
	}
	results := make([]unifiedllm.ToolResult, len(b.calls))
	for i, c := range b.calls {
		r, ok := b.results[c.ID]
		if !ok {
			r = unifiedllm.ToolResult{ToolCallID: c.ID, Content: incompleteToolResult, IsError: true}
		}
		results[i] = r
	}
	return append(out, unifiedllm.ToolResultsMessage(results))
}

func assistantMessages(content []envelope.Envelope) []unifiedllm.Message {
	var out []unifiedllm.Message
	b := &roundBuilder{results: map[string]unifiedllm.ToolResult{}}
	flush := func() {
		out = append(out, b.messages()...)
		b = &roundBuilder{results: map[string]unifiedllm.ToolResult{}}
	}

	for _, env := range content {
		switch env.Type {
		case envelope.TypeStepStart:
			flush()
		case envelope.TypeText, envelope.TypeTextDelta:
			var t envelope.Text
			if env.Decode(&t) == nil {
				b.text.WriteString(t.Text)
			}
		case envelope.TypeToolCallStart:
			var s envelope.ToolCallStart
			if env.Decode(&s) != nil {
				continue
			}
			args := s.Input
			if len(args) == 0 {
				args = []byte("{}")
			}
			b.calls = append(b.calls, unifiedllm.ToolCall{ID: s.CallID, Name: s.ToolName, Arguments: args})
		case envelope.TypeToolCallResult:
			var r envelope.ToolCallResult
			if env.Decode(&r) != nil {
				continue
			}
			res := unifiedllm.ToolResult{ToolCallID: r.CallID, Content: TruncateToolOutput(r.Output, r.ToolName, nil)}
			if r.Error != "" {
				res.Content, res.IsError = r.Error, true
			}
			b.results[r.CallID] = res
		}
	}
	flush()
	return out
}
