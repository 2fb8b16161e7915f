package mcppool

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultProtocolVersion is sent in the initialize handshake.
const DefaultProtocolVersion = "2024-11-05"

const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id,omitempty"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      uint64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error is a JSON-RPC error returned by a tool server.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

func (e *rpcError) callerError() error {
	if e == nil {
		return nil
	}
	return &Error{Code: e.Code, Message: e.Message}
}

// ToolInfo is one entry of a tools/list reply.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools      []ToolInfo `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

type contentItem struct {
	Type     string  `json:"type"`
	Text     *string `json:"text,omitempty"`
	MimeType *string `json:"mimeType,omitempty"`
}

// CallResult is a tools/call reply.
type CallResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError"`
}

// Text joins the text items of the result. Non-text items are summarized.
func (r CallResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, item := range r.Content {
		switch {
		case item.Text != nil:
			parts = append(parts, *item.Text)
		case item.MimeType != nil:
			parts = append(parts, fmt.Sprintf("[%s content: %s]", item.Type, *item.MimeType))
		default:
			parts = append(parts, fmt.Sprintf("[%s content]", item.Type))
		}
	}
	return strings.Join(parts, "\n")
}

func initializeParams(opts Options) map[string]any {
	return map[string]any{
		"protocolVersion": opts.protocolVersion(),
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    opts.clientName(),
			"version": opts.clientVersion(),
		},
	}
}

func decodeResult(resp rpcResponse, result any) error {
	if resp.Error != nil {
		return resp.Error.callerError()
	}
	if result != nil && len(resp.Result) > 0 {
		return json.Unmarshal(resp.Result, result)
	}
	return nil
}
