package unifiedllm

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter bounds the request rate sent to a provider. It halves its rate
// when the provider reports rate limiting and recovers additively on success,
// never exceeding the configured ceiling.
type RateLimiter struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	current  float64
	floor    float64
	ceiling  float64
	recovery float64
}

// NewRateLimiter creates a limiter allowing rps requests per second with a
// burst of burst. A non-positive rps defaults to 5.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		current:  rps,
		floor:    rps * 0.1,
		ceiling:  rps,
		recovery: rps * 0.05,
	}
}

// Limit reports the current requests-per-second budget.
func (l *RateLimiter) Limit() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Wait blocks until the limiter admits one request or ctx is done.
func (l *RateLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

func (l *RateLimiter) observe(err error) {
	var rl *RateLimitError
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case err == nil:
		l.current += l.recovery
		if l.current > l.ceiling {
			l.current = l.ceiling
		}
	case errors.As(err, &rl):
		l.current *= 0.5
		if l.current < l.floor {
			l.current = l.floor
		}
	default:
		return
	}
	l.limiter.SetLimit(rate.Limit(l.current))
}

// Middleware waits on the limiter before opening each stream and adjusts
// the rate from how the stream ends.
func (l *RateLimiter) Middleware() Middleware {
	return func(ctx context.Context, req Request, next StreamFunc) (<-chan StreamEvent, error) {
		if err := l.Wait(ctx); err != nil {
			return nil, &AbortError{SDKError: SDKError{Message: "rate limiter wait aborted", Cause: err}}
		}
		in, err := next(ctx, req)
		if err != nil {
			l.observe(err)
			return nil, err
		}
		out := make(chan StreamEvent)
		go func() {
			defer close(out)
			for ev := range in {
				switch ev.Type {
				case StreamFinish:
					l.observe(nil)
				case StreamError:
					l.observe(ev.Error)
				}
				out <- ev
			}
		}()
		return out, nil
	}
}
