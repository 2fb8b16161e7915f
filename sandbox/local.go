package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/murabcd/vibestack/envelope"
)

// LocalProvider runs environments as directories on this machine. Each
// environment gets its own working directory under root and is stopped when
// its timeout elapses.
type LocalProvider struct {
	root       string
	baseDomain string
	clock      *envelope.Clock
	logger     *zap.Logger

	mu   sync.Mutex
	envs map[string]*LocalEnvironment
}

// LocalOption configures a LocalProvider.
type LocalOption func(*LocalProvider)

// WithBaseDomain makes Domain return https://<port>-<id>.<domain> instead of
// a localhost URL.
func WithBaseDomain(domain string) LocalOption {
	return func(p *LocalProvider) { p.baseDomain = domain }
}

// WithClock shares a timestamp clock with the rest of the process.
func WithClock(c *envelope.Clock) LocalOption {
	return func(p *LocalProvider) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) LocalOption {
	return func(p *LocalProvider) { p.logger = l }
}

// NewLocalProvider creates a provider rooted at root.
func NewLocalProvider(root string, opts ...LocalOption) *LocalProvider {
	if root == "" {
		root = filepath.Join(os.TempDir(), "vibestack")
	}
	p := &LocalProvider{
		root:  root,
		clock: envelope.NewClock(),
		envs:  make(map[string]*LocalEnvironment),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Create implements Provider.
func (p *LocalProvider) Create(_ context.Context, opts CreateOptions) (Environment, error) {
	id := "sbx_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	dir := filepath.Join(p.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}

	env := &LocalEnvironment{
		id:         id,
		dir:        dir,
		ports:      append([]int(nil), opts.Ports...),
		baseDomain: p.baseDomain,
		clock:      p.clock,
		logger:     p.logger.With(zap.String("sandbox_id", id)),
		commands:   make(map[string]*localCommand),
	}
	if opts.Timeout > 0 {
		env.timer = time.AfterFunc(opts.Timeout, func() {
			env.logger.Info("sandbox timed out")
			_ = env.Stop(context.Background())
		})
	}

	p.mu.Lock()
	p.envs[id] = env
	p.mu.Unlock()
	p.logger.Info("sandbox created", zap.String("sandbox_id", id), zap.Duration("timeout", opts.Timeout), zap.Ints("ports", opts.Ports))
	return env, nil
}

// Get implements Provider. Stopped environments are still returned.
func (p *LocalProvider) Get(_ context.Context, id string) (Environment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	env, ok := p.envs[id]
	if !ok {
		return nil, fmt.Errorf("%w: sandbox %s", ErrNotFound, id)
	}
	return env, nil
}

// LocalEnvironment is an Environment backed by a local directory.
type LocalEnvironment struct {
	id         string
	dir        string
	ports      []int
	baseDomain string
	clock      *envelope.Clock
	logger     *zap.Logger
	timer      *time.Timer

	mu       sync.Mutex
	stopped  bool
	commands map[string]*localCommand
}

func (e *LocalEnvironment) ID() string { return e.id }

// Dir returns the environment's working directory.
func (e *LocalEnvironment) Dir() string { return e.dir }

func (e *LocalEnvironment) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return StatusStopped
	}
	return StatusRunning
}

func (e *LocalEnvironment) checkRunning() error {
	if e.Status() == StatusStopped {
		return fmt.Errorf("%w: %s", ErrStopped, e.id)
	}
	return nil
}

// resolvePath maps a sandbox path into the working directory and rejects
// paths that escape it.
func (e *LocalEnvironment) resolvePath(path string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimPrefix(path, e.dir))
	resolved := filepath.Join(e.dir, clean)
	if resolved != e.dir && !strings.HasPrefix(resolved, e.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes sandbox", path)
	}
	return resolved, nil
}

func (e *LocalEnvironment) WriteFiles(ctx context.Context, files []File) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		resolved, err := e.resolvePath(f.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
		if err := os.WriteFile(resolved, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	return nil
}

func (e *LocalEnvironment) ReadFile(_ context.Context, path string) (string, error) {
	if err := e.checkRunning(); err != nil {
		return "", err
	}
	resolved, err := e.resolvePath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: file %s", ErrNotFound, path)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func (e *LocalEnvironment) Run(_ context.Context, opts RunOptions) (Command, error) {
	if opts.Command == "" {
		return nil, errors.New("run: empty command")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, fmt.Errorf("%w: %s", ErrStopped, e.id)
	}

	name, args := opts.Command, opts.Args
	if opts.Sudo {
		name, args = "sudo", append([]string{opts.Command}, opts.Args...)
	}
	// Commands outlive the request, so they are not bound to its context.
	cmd := exec.Command(name, args...)
	cmd.Dir = e.dir
	cmd.Env = filterEnvironment()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	id := "cmd_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	c := newLocalCommand(id, cmd, e.clock)
	if err := c.start(); err != nil {
		return nil, fmt.Errorf("run %s: %w", opts.Command, err)
	}
	e.commands[id] = c
	e.logger.Debug("command started", zap.String("command_id", id), zap.String("command", opts.Command), zap.Strings("args", opts.Args))
	return c, nil
}

func (e *LocalEnvironment) Command(id string) (Command, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.commands[id]
	if !ok {
		return nil, fmt.Errorf("%w: command %s", ErrNotFound, id)
	}
	return c, nil
}

func (e *LocalEnvironment) Domain(port int) (string, error) {
	found := false
	for _, p := range e.ports {
		if p == port {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("port %d is not exposed by sandbox %s", port, e.id)
	}
	if e.baseDomain == "" {
		return fmt.Sprintf("http://localhost:%d", port), nil
	}
	return fmt.Sprintf("https://%d-%s.%s", port, e.id, e.baseDomain), nil
}

// Stop kills every running command. It is idempotent.
func (e *LocalEnvironment) Stop(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
	}
	for _, c := range e.commands {
		c.kill()
	}
	e.logger.Info("sandbox stopped")
	return nil
}

// sensitiveEnvSuffixes mark variables withheld from sandboxed commands.
var sensitiveEnvSuffixes = []string{"_API_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_CREDENTIAL"}

// filterEnvironment returns the process environment without credentials.
func filterEnvironment() []string {
	var out []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(name)
		sensitive := false
		for _, suffix := range sensitiveEnvSuffixes {
			if strings.HasSuffix(upper, suffix) {
				sensitive = true
				break
			}
		}
		if !sensitive {
			out = append(out, kv)
		}
	}
	return out
}
