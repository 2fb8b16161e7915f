package unifiedllm

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestStreamAccumulatorBuildsResponse(t *testing.T) {
	acc := NewStreamAccumulator()
	call := ToolCall{ID: "c1", Name: "runCommand", Arguments: json.RawMessage(`{"command":"npm"}`)}
	for _, ev := range []StreamEvent{
		{Type: StreamStart},
		{Type: ReasoningDelta, ReasoningDelta: "think "},
		{Type: ReasoningDelta, ReasoningDelta: "more"},
		{Type: TextDelta, Delta: "Run"},
		{Type: TextDelta, Delta: "ning"},
		{Type: ToolCallStart, ToolCall: &call},
		{Type: ToolCallEnd, ToolCall: &call},
	} {
		acc.Process(ev)
	}

	resp := acc.Response()
	if resp.Reasoning() != "think more" {
		t.Errorf("reasoning = %q", resp.Reasoning())
	}
	if resp.Text() != "Running" {
		t.Errorf("text = %q", resp.Text())
	}
	if calls := resp.ToolCallsFromResponse(); len(calls) != 1 || calls[0].ID != "c1" {
		t.Errorf("calls = %+v", calls)
	}
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("finish = %q", resp.FinishReason.Reason)
	}
	if resp.Message.Content[0].Kind != ContentThinking {
		t.Errorf("reasoning should come first, got %q", resp.Message.Content[0].Kind)
	}
	if acc.Err() != nil {
		t.Errorf("unexpected error: %v", acc.Err())
	}
}

func TestStreamAccumulatorPrefersFinalResponse(t *testing.T) {
	final := &Response{ID: "r1", Message: AssistantMessage("final")}
	acc := NewStreamAccumulator()
	acc.Process(StreamEvent{Type: TextDelta, Delta: "partial"})
	acc.Process(StreamEvent{Type: StreamFinish, Response: final})
	if acc.Response() != final {
		t.Error("expected the provider's final response")
	}
}

func TestStreamAccumulatorError(t *testing.T) {
	boom := errors.New("boom")
	acc := NewStreamAccumulator()
	acc.Process(StreamEvent{Type: StreamError, Error: boom})
	if !errors.Is(acc.Err(), boom) {
		t.Errorf("err = %v", acc.Err())
	}
	if acc.Response().FinishReason.Reason != "stop" {
		t.Errorf("finish = %q", acc.Response().FinishReason.Reason)
	}
}
