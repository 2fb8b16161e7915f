package unifiedllm

import "strings"

// StreamAccumulator folds stream events back into a Response so the caller
// can stream deltas to a client while still recording the full turn.
type StreamAccumulator struct {
	text         strings.Builder
	reasoning    strings.Builder
	toolCalls    []ToolCall
	finishReason *FinishReason
	usage        *Usage
	response     *Response
	err          error
}

// NewStreamAccumulator creates a new StreamAccumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{}
}

// Process ingests a single stream event.
func (sa *StreamAccumulator) Process(event StreamEvent) {
	switch event.Type {
	case TextDelta:
		sa.text.WriteString(event.Delta)
	case ReasoningDelta:
		sa.reasoning.WriteString(event.ReasoningDelta)
	case ToolCallEnd:
		if event.ToolCall != nil {
			sa.toolCalls = append(sa.toolCalls, *event.ToolCall)
		}
	case StreamFinish:
		sa.finishReason = event.FinishReason
		sa.usage = event.Usage
		sa.response = event.Response
	case StreamError:
		sa.err = event.Error
	}
}

// Err returns the stream error, if one was observed.
func (sa *StreamAccumulator) Err() error {
	return sa.err
}

// Response returns the accumulated response. When the provider sent a final
// Response with the finish event it is returned as is.
func (sa *StreamAccumulator) Response() *Response {
	if sa.response != nil {
		return sa.response
	}

	var content []ContentPart
	if sa.reasoning.Len() > 0 {
		content = append(content, ThinkingPart(sa.reasoning.String()))
	}
	if sa.text.Len() > 0 {
		content = append(content, TextPart(sa.text.String()))
	}
	for _, tc := range sa.toolCalls {
		content = append(content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	fr := FinishReason{Reason: "stop"}
	if sa.finishReason != nil {
		fr = *sa.finishReason
	} else if len(sa.toolCalls) > 0 {
		fr = FinishReason{Reason: "tool_calls"}
	}

	usage := Usage{}
	if sa.usage != nil {
		usage = *sa.usage
	}

	return &Response{
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: fr,
		Usage:        usage,
	}
}
