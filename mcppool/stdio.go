package mcppool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// StdioCaller runs a tool server as a child process and speaks
// Content-Length framed JSON-RPC over its stdin and stdout.
type StdioCaller struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *zap.Logger

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcResponse
	nextID    uint64
	writeMu   sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	exitErr   error
	exitMu    sync.Mutex
}

// NewStdioCaller starts the server process and performs the handshake. The
// process lives until Close; ctx only bounds the handshake.
func NewStdioCaller(ctx context.Context, d Descriptor, opts Options) (*StdioCaller, error) {
	cmd := exec.Command(d.Command, d.Args...)
	cmd.Dir = d.Dir
	if env := d.environ(); len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", d.Command, err)
	}
	c := &StdioCaller{
		name:    d.Name,
		cmd:     cmd,
		stdin:   stdin,
		logger:  opts.logger(),
		pending: make(map[uint64]chan rpcResponse),
		closed:  make(chan struct{}),
	}
	go c.readLoop(stdout)
	go c.drainStderr(stderr)

	initCtx, cancel := context.WithTimeout(ctx, opts.initTimeout())
	defer cancel()
	if err := handshake(initCtx, c, opts); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// ListTools returns every tool the server advertises.
func (c *StdioCaller) ListTools(ctx context.Context) ([]ToolInfo, error) {
	return listTools(ctx, c)
}

// CallTool invokes tools/call.
func (c *StdioCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	return callTool(ctx, c, name, args)
}

// Close stops the process. It is safe to call more than once.
func (c *StdioCaller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.stdin.Close()
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		waitErr := c.cmd.Wait()
		var exit *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exit) {
			err = waitErr
		}
		close(c.closed)
	})
	return err
}

func (c *StdioCaller) notify(_ context.Context, method string) error {
	return c.write(rpcRequest{JSONRPC: "2.0", Method: method})
}

func (c *StdioCaller) call(ctx context.Context, method string, params any, result any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	ch := make(chan rpcResponse, 1)
	c.pendingMu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.write(rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}); err != nil {
		c.removePending(id)
		return err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return c.exitError()
		}
		return decodeResult(resp, result)
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}
}

func (c *StdioCaller) write(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.stdin, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	_, err = c.stdin.Write(data)
	return err
}

func (c *StdioCaller) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			c.failPending(err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(frame, &resp); err != nil || resp.ID == 0 {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *StdioCaller) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Debug("tool server stderr", zap.String("server", c.name), zap.String("line", scanner.Text()))
	}
}

// failPending wakes every waiter once stdout is gone.
func (c *StdioCaller) failPending(err error) {
	c.exitMu.Lock()
	if c.exitErr == nil {
		c.exitErr = fmt.Errorf("tool server %s exited: %w", c.name, err)
	}
	c.exitMu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()
}

func (c *StdioCaller) exitError() error {
	c.exitMu.Lock()
	defer c.exitMu.Unlock()
	if c.exitErr == nil {
		return ErrClosed
	}
	return c.exitErr
}

func (c *StdioCaller) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func readFrame(reader *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				continue
			}
			break
		}
		if after, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil {
				return nil, fmt.Errorf("bad content-length: %w", err)
			}
			length = n
		}
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
