package unifiedllm

import "context"

// Provider streams model output from one backend.
type Provider interface {
	// Name returns the provider identifier, e.g. "anthropic".
	Name() string

	// Stream returns a channel of events for one model call. The channel is
	// closed after a StreamFinish or StreamError event. Errors that occur
	// before anything was sent may be returned directly instead.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by providers that hold resources.
type Closer interface {
	Close() error
}
