// Package mcppool connects to the external tool servers configured for a
// request and exposes their tools to the agent loop.
//
// Servers are dialed concurrently and independently. A server that cannot
// be reached, or whose tool list cannot be read, is logged and left out;
// it never prevents the others from connecting. A Pool belongs to one
// request and must be closed with CloseAll when the request ends.
package mcppool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/murabcd/vibestack/agentloop"
)

// DialFunc opens a connection to one server.
type DialFunc func(ctx context.Context, d Descriptor, opts Options) (Caller, error)

type server struct {
	desc   Descriptor
	caller Caller
	tools  []ToolInfo
}

// Pool holds the live connections of one request.
type Pool struct {
	logger  *zap.Logger
	servers []*server
	failed  map[string]error

	closeOnce sync.Once
	closeErr  error
}

// Connect dials every descriptor with Dial.
func Connect(ctx context.Context, descs []Descriptor, opts Options) *Pool {
	return ConnectWith(ctx, descs, opts, Dial)
}

// ConnectWith dials every descriptor concurrently using dial. It never
// fails: unreachable servers are recorded in Failed.
func ConnectWith(ctx context.Context, descs []Descriptor, opts Options, dial DialFunc) *Pool {
	logger := opts.logger()
	p := &Pool{logger: logger, failed: make(map[string]error)}

	slots := make([]*server, len(descs))
	errs := make([]error, len(descs))
	var g errgroup.Group
	if opts.MaxConcurrentConnects > 0 {
		g.SetLimit(opts.MaxConcurrentConnects)
	}
	for i, d := range descs {
		g.Go(func() error {
			slots[i], errs[i] = connectOne(ctx, d, opts, dial)
			return nil
		})
	}
	_ = g.Wait()

	for i, d := range descs {
		if errs[i] != nil {
			logger.Warn("tool server unavailable",
				zap.String("server", d.Name),
				zap.String("kind", string(d.Kind)),
				zap.Error(errs[i]))
			p.failed[d.Name] = errs[i]
			continue
		}
		logger.Debug("tool server connected",
			zap.String("server", d.Name),
			zap.Int("tools", len(slots[i].tools)))
		p.servers = append(p.servers, slots[i])
	}
	return p
}

func connectOne(ctx context.Context, d Descriptor, opts Options, dial DialFunc) (*server, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	caller, err := dial(ctx, d, opts)
	if err != nil {
		return nil, err
	}
	listCtx, cancel := context.WithTimeout(ctx, opts.initTimeout())
	defer cancel()
	tools, err := caller.ListTools(listCtx)
	if err != nil {
		_ = caller.Close()
		return nil, err
	}
	return &server{desc: d, caller: caller, tools: tools}, nil
}

// Servers returns the names of connected servers in descriptor order.
func (p *Pool) Servers() []string {
	names := make([]string, len(p.servers))
	for i, s := range p.servers {
		names[i] = s.desc.Name
	}
	return names
}

// Failed returns the connection error of every server left out.
func (p *Pool) Failed() map[string]error {
	out := make(map[string]error, len(p.failed))
	for k, v := range p.failed {
		out[k] = v
	}
	return out
}

// Tools adapts every discovered tool into an agentloop.Tool whose origin is
// the server name. Name collisions are left to the registry to resolve.
func (p *Pool) Tools() []agentloop.Tool {
	var out []agentloop.Tool
	for _, s := range p.servers {
		for _, info := range s.tools {
			if info.Name == "" {
				continue
			}
			out = append(out, &remoteTool{server: s.desc.Name, info: info, caller: s.caller})
		}
	}
	return out
}

// CloseAll closes every connection once. Close failures are logged and
// joined into the returned error; later calls return the same error.
func (p *Pool) CloseAll() error {
	p.closeOnce.Do(func() {
		var errs []error
		for _, s := range p.servers {
			if err := s.caller.Close(); err != nil {
				p.logger.Warn("closing tool server failed", zap.String("server", s.desc.Name), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", s.desc.Name, err))
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
