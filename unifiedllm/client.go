package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StreamFunc opens one model stream.
type StreamFunc func(ctx context.Context, req Request) (<-chan StreamEvent, error)

// Middleware wraps opening a stream. It may also wrap the returned channel
// to observe the events flowing through it.
type Middleware func(ctx context.Context, req Request, next StreamFunc) (<-chan StreamEvent, error)

// Client routes stream requests to registered providers through middleware.
type Client struct {
	mu         sync.RWMutex
	providers  map[string]Provider
	fallback   string
	middleware []Middleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider. The first one registered is the
// fallback unless WithDefaultProvider names another.
func WithProvider(name string, p Provider) ClientOption {
	return func(c *Client) { c.add(name, p) }
}

// WithDefaultProvider names the provider used for models the catalog does
// not route.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.fallback = name }
}

// WithMiddleware appends middleware. The first registered runs outermost.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

// NewClient creates a Client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: make(map[string]Provider)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) add(name string, p Provider) {
	c.providers[name] = p
	if c.fallback == "" {
		c.fallback = name
	}
}

// RegisterProvider adds a provider after construction.
func (c *Client) RegisterProvider(name string, p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(name, p)
}

// Providers returns the registered provider names in sorted order.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// route picks the provider for req: the explicit provider, else the one
// the catalog lists for the model when it is registered, else the fallback.
func (c *Client) route(req Request) (Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			if _, ok := c.providers[info.Provider]; ok {
				name = info.Provider
			}
		}
	}
	if name == "" {
		name = c.fallback
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "no model provider is configured"}}
	}
	p, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("model provider %q is not registered", name)}}
	}
	return p, nil
}

// Stream opens a stream on the provider routed for req.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	p, err := c.route(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = p.Name()
	}
	open := StreamFunc(p.Stream)
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw, next := c.middleware[i], open
		open = func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
			return mw(ctx, r, next)
		}
	}
	return open(ctx, req)
}

// Close closes every provider that holds resources.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for name, p := range c.providers {
		if closer, ok := p.(Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// LoggingMiddleware logs each model call when it opens and when it ends,
// with its duration and token counts.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(ctx context.Context, req Request, next StreamFunc) (<-chan StreamEvent, error) {
		start := time.Now()
		fields := func(extra ...zap.Field) []zap.Field {
			return append([]zap.Field{
				zap.String("model", req.Model),
				zap.String("provider", req.Provider),
				zap.Duration("elapsed", time.Since(start)),
			}, extra...)
		}
		in, err := next(ctx, req)
		if err != nil {
			logger.Warn("model stream failed to open", fields(zap.Error(err))...)
			return nil, err
		}
		logger.Debug("model stream opened", fields(zap.Int("messages", len(req.Messages)), zap.Int("tools", len(req.ToolDefs)))...)

		out := make(chan StreamEvent)
		go func() {
			defer close(out)
			for ev := range in {
				switch ev.Type {
				case StreamFinish:
					var u Usage
					if ev.Usage != nil {
						u = *ev.Usage
					}
					logger.Debug("model stream finished", fields(
						zap.Int("input_tokens", u.InputTokens),
						zap.Int("output_tokens", u.OutputTokens))...)
				case StreamError:
					logger.Warn("model stream failed", fields(zap.Error(ev.Error))...)
				}
				out <- ev
			}
		}()
		return out, nil
	}
}

// ClientConfig selects the providers and middleware built by NewClientFromEnv.
type ClientConfig struct {
	MaxTokens         int
	RequestsPerSecond float64
	Retry             RetryPolicy
	Logger            *zap.Logger
}

// providerKeys maps each supported provider to its API key variable.
var providerKeys = []struct{ provider, env string }{
	{"anthropic", "ANTHROPIC_API_KEY"},
	{"openai", "OPENAI_API_KEY"},
}

// NewClientFromEnv registers a GollmAdapter for each provider whose API key
// is set and wires logging, then retry, then rate limiting. Each retry
// attempt waits on the limiter.
func NewClientFromEnv(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = func(err error, attempt int, delay time.Duration) {
			logger.Warn("retrying model call", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		}
	}
	limiter := NewRateLimiter(cfg.RequestsPerSecond, 2)
	c := NewClient(WithMiddleware(LoggingMiddleware(logger), RetryMiddleware(retry), limiter.Middleware()))

	for _, pk := range providerKeys {
		key := os.Getenv(pk.env)
		if key == "" {
			continue
		}
		var opts []GollmAdapterOption
		if cfg.MaxTokens > 0 {
			opts = append(opts, WithMaxTokens(cfg.MaxTokens))
		}
		adapter, err := NewGollmAdapter(pk.provider, key, opts...)
		if err != nil {
			logger.Warn("model provider unavailable", zap.String("provider", pk.provider), zap.Error(err))
			continue
		}
		c.RegisterProvider(pk.provider, adapter)
		logger.Info("model provider registered", zap.String("provider", pk.provider))
	}
	return c
}
