package mcppool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

const sessionHeader = "Mcp-Session-Id"

// HTTPCaller talks JSON-RPC over streamable HTTP: every request is a POST and
// the server may answer with JSON or with an event stream carrying the reply.
type HTTPCaller struct {
	endpoint string
	client   *http.Client
	headers  map[string]string

	id     atomic.Uint64
	closed atomic.Bool

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPCaller connects to a remote server and performs the handshake.
func NewHTTPCaller(ctx context.Context, d Descriptor, opts Options) (*HTTPCaller, error) {
	c := &HTTPCaller{
		endpoint: d.URL,
		client:   opts.httpClient(),
		headers:  d.Headers,
	}
	initCtx, cancel := context.WithTimeout(ctx, opts.initTimeout())
	defer cancel()
	if err := handshake(initCtx, c, opts); err != nil {
		return nil, err
	}
	return c, nil
}

// ListTools returns every tool the server advertises.
func (c *HTTPCaller) ListTools(ctx context.Context) ([]ToolInfo, error) {
	return listTools(ctx, c)
}

// CallTool invokes tools/call.
func (c *HTTPCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	return callTool(ctx, c, name, args)
}

// Close marks the caller closed and drops idle connections. It is safe to
// call more than once.
func (c *HTTPCaller) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.client.CloseIdleConnections()
	return nil
}

func (c *HTTPCaller) newRequest(ctx context.Context, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	c.mu.RLock()
	if c.sessionID != "" {
		req.Header.Set(sessionHeader, c.sessionID)
	}
	c.mu.RUnlock()
	injectTraceHeaders(ctx, req.Header)
	return req, nil
}

func (c *HTTPCaller) notify(ctx context.Context, method string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	req, err := c.newRequest(ctx, rpcRequest{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("mcp rpc status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPCaller) call(ctx context.Context, method string, params any, result any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	id := c.id.Add(1)
	req, err := c.newRequest(ctx, rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params})
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("mcp rpc status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	var rpcResp rpcResponse
	switch {
	case strings.HasPrefix(ct, "text/event-stream"):
		rpcResp, err = readSSEResponse(bufio.NewReader(resp.Body), id)
		if err != nil {
			return err
		}
	default:
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return err
		}
	}
	return decodeResult(rpcResp, result)
}

// readSSEResponse reads events until the reply for id arrives. Notifications
// and replies to other ids are skipped.
func readSSEResponse(reader *bufio.Reader, id uint64) (rpcResponse, error) {
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return rpcResponse{}, errors.New("sse stream closed before response")
			}
			return rpcResponse{}, err
		}
		switch event {
		case "", "message", "response", "error":
			var resp rpcResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				if event == "error" {
					return rpcResponse{}, fmt.Errorf("mcp error event: %w", err)
				}
				continue
			}
			if resp.ID != id && !(event == "error" && resp.Error != nil) {
				continue
			}
			return resp, nil
		case "close":
			return rpcResponse{}, errors.New("sse stream closed without response")
		default:
			continue
		}
	}
}

func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && len(data) > 0 {
				return event, data, nil
			}
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(after, " ")...)
		}
	}
}
