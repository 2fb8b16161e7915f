package mcppool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/murabcd/vibestack/agentloop"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// remoteTool exposes one server tool through the agentloop.Tool interface.
type remoteTool struct {
	server string
	info   ToolInfo
	caller Caller
}

func (t *remoteTool) Name() string        { return t.info.Name }
func (t *remoteTool) Description() string { return t.info.Description }
func (t *remoteTool) Origin() string      { return t.server }

func (t *remoteTool) InputSchema() json.RawMessage {
	if len(t.info.InputSchema) == 0 {
		return emptyObjectSchema
	}
	return t.info.InputSchema
}

func (t *remoteTool) Invoke(ctx context.Context, call agentloop.Call) (string, error) {
	res, err := t.caller.CallTool(ctx, t.info.Name, call.Input)
	if err != nil {
		return "", fmt.Errorf("%s: %w", t.server, err)
	}
	text := res.Text()
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", errors.New(text)
	}
	return text, nil
}
