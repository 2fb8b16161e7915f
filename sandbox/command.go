package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/murabcd/vibestack/envelope"
)

// localCommand tracks one process and the lines it printed.
type localCommand struct {
	id    string
	cmd   *exec.Cmd
	clock *envelope.Clock

	mu       sync.Mutex
	lines    []LogLine
	changed  chan struct{}
	exitCode int
	err      error
	done     chan struct{}
}

func newLocalCommand(id string, cmd *exec.Cmd, clock *envelope.Clock) *localCommand {
	return &localCommand{
		id:      id,
		cmd:     cmd,
		clock:   clock,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *localCommand) ID() string { return c.id }

// maxLineBytes caps one log line. Longer lines are split into several.
const maxLineBytes = 64 * 1024

// outputWaitDelay bounds how long output is still collected after the
// process exits, e.g. while a backgrounded child holds the pipes open.
const outputWaitDelay = 2 * time.Second

// start launches the process. Its output is split into log lines as it
// arrives.
func (c *localCommand) start() error {
	stdout := &lineWriter{stream: envelope.StreamStdout, emit: c.append, clock: c.clock}
	stderr := &lineWriter{stream: envelope.StreamStderr, emit: c.append, clock: c.clock}
	c.cmd.Stdout = stdout
	c.cmd.Stderr = stderr
	c.cmd.WaitDelay = outputWaitDelay
	if err := c.cmd.Start(); err != nil {
		return err
	}

	go func() {
		err := c.cmd.Wait()
		stdout.flush()
		stderr.flush()

		c.mu.Lock()
		defer c.mu.Unlock()
		var exitErr *exec.ExitError
		switch {
		case err == nil, errors.Is(err, exec.ErrWaitDelay):
			c.exitCode = c.cmd.ProcessState.ExitCode()
		case errors.As(err, &exitErr):
			c.exitCode = exitErr.ExitCode()
		default:
			c.exitCode = -1
			c.err = err
		}
		close(c.done)
		c.notifyLocked()
	}()
	return nil
}

// lineWriter turns a byte stream into log lines. exec feeds each stream
// from a single goroutine, and flush runs after Wait, so it needs no lock.
type lineWriter struct {
	stream string
	emit   func(LogLine)
	clock  *envelope.Clock
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.buf = append(w.buf, p...)
			break
		}
		w.buf = append(w.buf, p[:i+1]...)
		p = p[i+1:]
		w.line()
	}
	for len(w.buf) >= maxLineBytes {
		w.emitData(string(w.buf[:maxLineBytes]))
		w.buf = append(w.buf[:0], w.buf[maxLineBytes:]...)
	}
	return n, nil
}

// line emits the buffered complete line, in chunks when it is oversized.
func (w *lineWriter) line() {
	for len(w.buf) > maxLineBytes {
		w.emitData(string(w.buf[:maxLineBytes]))
		w.buf = w.buf[maxLineBytes:]
	}
	w.emitData(string(w.buf))
	w.buf = w.buf[:0]
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emitData(string(w.buf))
		w.buf = nil
	}
}

func (w *lineWriter) emitData(data string) {
	w.emit(LogLine{Data: data, Stream: w.stream, Timestamp: w.clock.Next()})
}

func (c *localCommand) append(line LogLine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	c.notifyLocked()
}

func (c *localCommand) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// kill terminates the whole process group.
func (c *localCommand) kill() {
	if c.cmd.Process == nil {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
}

func (c *localCommand) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var stdout, stderr strings.Builder
	for _, l := range c.lines {
		if l.Stream == envelope.StreamStderr {
			stderr.WriteString(l.Data)
		} else {
			stdout.WriteString(l.Data)
		}
	}
	return Result{ExitCode: c.exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, c.err
}

func (c *localCommand) Logs(ctx context.Context) <-chan LogLine {
	out := make(chan LogLine, 16)
	go func() {
		defer close(out)
		next := 0
		for {
			c.mu.Lock()
			pending := append([]LogLine(nil), c.lines[next:]...)
			changed := c.changed
			finished := isClosed(c.done)
			c.mu.Unlock()

			for _, l := range pending {
				select {
				case out <- l:
				case <-ctx.Done():
					return
				}
			}
			next += len(pending)
			if finished {
				return
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
