package mcppool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by calls on a connection after Close.
var ErrClosed = errors.New("tool server connection closed")

// maxListPages bounds tools/list pagination against servers that never stop
// returning a cursor.
const maxListPages = 50

// Caller is a connection to one tool server. Implementations are safe for
// concurrent use.
type Caller interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error)
	Close() error
}

// Options tunes how connections are made.
type Options struct {
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	// InitTimeout bounds the initialize handshake and the first tools/list.
	InitTimeout time.Duration
	// HTTPClient is used by remote callers. The default has a 60s timeout.
	HTTPClient *http.Client
	// MaxConcurrentConnects bounds parallel connection attempts.
	MaxConcurrentConnects int
	Logger                *zap.Logger
}

func (o Options) protocolVersion() string {
	if o.ProtocolVersion == "" {
		return DefaultProtocolVersion
	}
	return o.ProtocolVersion
}

func (o Options) clientName() string {
	if o.ClientName == "" {
		return "vibestack"
	}
	return o.ClientName
}

func (o Options) clientVersion() string {
	if o.ClientVersion == "" {
		return "dev"
	}
	return o.ClientVersion
}

func (o Options) initTimeout() time.Duration {
	if o.InitTimeout <= 0 {
		return 10 * time.Second
	}
	return o.InitTimeout
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient == nil {
		return &http.Client{Timeout: 60 * time.Second}
	}
	return o.HTTPClient
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Dial connects to the server described by d and performs the initialize
// handshake.
func Dial(ctx context.Context, d Descriptor, opts Options) (Caller, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.Kind == KindLocal {
		return NewStdioCaller(ctx, d, opts)
	}
	if d.RemoteTransport() == TransportSSE {
		return NewSSECaller(ctx, d, opts)
	}
	return NewHTTPCaller(ctx, d, opts)
}

// rpcConn is the request/response primitive shared by every transport.
type rpcConn interface {
	call(ctx context.Context, method string, params any, result any) error
	notify(ctx context.Context, method string) error
}

func handshake(ctx context.Context, c rpcConn, opts Options) error {
	if err := c.call(ctx, methodInitialize, initializeParams(opts), nil); err != nil {
		return fmt.Errorf("mcp initialize failed: %w", err)
	}
	if err := c.notify(ctx, methodInitialized); err != nil {
		return fmt.Errorf("mcp initialized notification: %w", err)
	}
	return nil
}

func listTools(ctx context.Context, c rpcConn) ([]ToolInfo, error) {
	var tools []ToolInfo
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		var res toolsListResult
		if err := c.call(ctx, methodToolsList, params, &res); err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
	return tools, nil
}

func callTool(ctx context.Context, c rpcConn, name string, args json.RawMessage) (CallResult, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	addTraceMeta(ctx, params)
	var res CallResult
	if err := c.call(ctx, methodToolsCall, params, &res); err != nil {
		return CallResult{}, err
	}
	return res, nil
}
