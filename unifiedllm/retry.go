package unifiedllm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxRetries        int           // retry attempts after the initial call
	BaseDelay         time.Duration // delay before the first retry
	MaxDelay          time.Duration // cap on any single delay
	BackoffMultiplier float64
	Jitter            bool // scale each delay by a random factor in [0.5, 1.5)
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the policy used for model calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the delay for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	delay := math.Min(float64(p.BaseDelay)*math.Pow(mult, float64(attempt)), float64(p.MaxDelay))
	if p.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

// retryDelay honours a provider Retry-After hint when it fits under MaxDelay.
// ok is false when the hint exceeds MaxDelay and the caller should give up.
func (p RetryPolicy) retryDelay(err error, attempt int) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter != nil {
		d := time.Duration(*rl.RetryAfter * float64(time.Second))
		if d > p.MaxDelay {
			return 0, false
		}
		return d, true
	}
	return p.Delay(attempt), true
}

// Retry executes fn with the configured retry policy.
// Only retryable errors are retried.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		if !IsRetryable(err) {
			return zero, err
		}
		delay, ok := policy.retryDelay(err, attempt)
		if !ok {
			return zero, err
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
		case <-timer.C:
		}

		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}

	return zero, err
}

// RetryMiddleware retries opening a stream under policy. A stream whose
// first event after StreamStart is a StreamError is retried too. Once a
// content event has been delivered the stream passes through untouched.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return func(ctx context.Context, req Request, next StreamFunc) (<-chan StreamEvent, error) {
		type opened struct {
			ch   <-chan StreamEvent
			head []StreamEvent
		}
		o, err := Retry(ctx, policy, func(ctx context.Context) (opened, error) {
			ch, err := next(ctx, req)
			if err != nil {
				return opened{}, err
			}
			var head []StreamEvent
			for ev := range ch {
				if ev.Type == StreamError && ev.Error != nil {
					for range ch {
					}
					return opened{}, ev.Error
				}
				head = append(head, ev)
				if ev.Type != StreamStart {
					break
				}
			}
			return opened{ch: ch, head: head}, nil
		})
		if err != nil {
			return nil, err
		}

		out := make(chan StreamEvent, 64)
		go func() {
			defer close(out)
			for _, ev := range o.head {
				out <- ev
			}
			for ev := range o.ch {
				out <- ev
			}
		}()
		return out, nil
	}
}
