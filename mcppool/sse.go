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
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// SSECaller speaks the HTTP+SSE transport. A long-lived GET stream first
// announces a message endpoint in an "endpoint" event; requests are POSTed
// to that endpoint and their replies arrive as events on the held stream.
type SSECaller struct {
	name    string
	client  *http.Client
	headers map[string]string
	logger  *zap.Logger
	cancel  context.CancelFunc

	// endpoint is set once during NewSSECaller and read-only afterwards.
	endpoint string

	id     atomic.Uint64
	closed atomic.Bool

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcResponse

	// done is closed when the stream ends, for whatever reason.
	done      chan struct{}
	streamErr error
}

// NewSSECaller opens the event stream, waits for the endpoint event and
// performs the handshake. The stream lives until Close; ctx only bounds the
// setup.
func NewSSECaller(ctx context.Context, d Descriptor, opts Options) (*SSECaller, error) {
	base, err := url.Parse(d.URL)
	if err != nil {
		return nil, err
	}
	client := opts.httpClient()
	streamCtx, cancel := context.WithCancel(context.Background())
	c := &SSECaller{
		name:    d.Name,
		client:  client,
		headers: d.Headers,
		logger:  opts.logger(),
		cancel:  cancel,
		pending: make(map[uint64]chan rpcResponse),
		done:    make(chan struct{}),
	}

	initCtx, cancelInit := context.WithTimeout(ctx, opts.initTimeout())
	defer cancelInit()
	// Until the endpoint is known the stream is bounded by initCtx.
	stopInit := context.AfterFunc(initCtx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, d.URL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setHeaders(ctx, req.Header)

	// The stream outlives any per-request timeout on the shared client.
	streamClient := &http.Client{Transport: client.Transport, CheckRedirect: client.CheckRedirect, Jar: client.Jar}
	resp, err := streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mcp sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("mcp sse status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); !strings.HasPrefix(ct, "text/event-stream") {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected content type %q: %s", resp.Header.Get("Content-Type"), string(raw))
	}

	reader := bufio.NewReader(resp.Body)
	endpoint, err := readEndpoint(reader, base)
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		if initCtx.Err() != nil {
			return nil, fmt.Errorf("mcp sse endpoint: %w", initCtx.Err())
		}
		return nil, fmt.Errorf("mcp sse endpoint: %w", err)
	}
	if !stopInit() {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("mcp sse endpoint: %w", initCtx.Err())
	}
	c.endpoint = endpoint
	go c.readLoop(reader, resp.Body)

	if err := handshake(initCtx, c, opts); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// readEndpoint skips events until the endpoint event and resolves its data
// against the stream URL.
func readEndpoint(reader *bufio.Reader, base *url.URL) (string, error) {
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", errors.New("stream closed before endpoint event")
			}
			return "", err
		}
		if event != "endpoint" {
			continue
		}
		ref, err := url.Parse(strings.TrimSpace(string(data)))
		if err != nil {
			return "", fmt.Errorf("bad endpoint %q: %w", data, err)
		}
		return base.ResolveReference(ref).String(), nil
	}
}

// ListTools returns every tool the server advertises.
func (c *SSECaller) ListTools(ctx context.Context) ([]ToolInfo, error) {
	return listTools(ctx, c)
}

// CallTool invokes tools/call.
func (c *SSECaller) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	return callTool(ctx, c, name, args)
}

// Close drops the event stream and wakes pending calls. It is safe to call
// more than once.
func (c *SSECaller) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.client.CloseIdleConnections()
	return nil
}

func (c *SSECaller) setHeaders(ctx context.Context, h http.Header) {
	for k, v := range c.headers {
		h.Set(k, v)
	}
	injectTraceHeaders(ctx, h)
}

func (c *SSECaller) post(ctx context.Context, body rpcRequest) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(ctx, req.Header)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("mcp rpc status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *SSECaller) notify(ctx context.Context, method string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.post(ctx, rpcRequest{JSONRPC: "2.0", Method: method})
}

func (c *SSECaller) call(ctx context.Context, method string, params any, result any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	id := c.id.Add(1)
	ch := make(chan rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer c.removePending(id)

	if err := c.post(ctx, rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}); err != nil {
		return err
	}
	select {
	case resp := <-ch:
		return decodeResult(resp, result)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		if c.closed.Load() {
			return ErrClosed
		}
		return c.streamErr
	}
}

func (c *SSECaller) readLoop(reader *bufio.Reader, body io.Closer) {
	defer func() { _ = body.Close() }()
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("event stream closed")
			}
			c.streamErr = fmt.Errorf("tool server %s: %w", c.name, err)
			close(c.done)
			return
		}
		switch event {
		case "", "message":
		case "endpoint":
			continue
		default:
			c.logger.Debug("tool server event ignored", zap.String("server", c.name), zap.String("event", event))
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.ID == 0 {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- resp:
			default:
			}
		}
	}
}

func (c *SSECaller) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}
