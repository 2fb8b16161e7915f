// Package unifiedllm is the model client used by the step loop. It wraps the
// gollm library (github.com/teilomillet/gollm) behind a provider-agnostic
// streaming Provider interface.
//
// # Architecture
//
//   - Provider: Stream against one backend.
//   - Client: routes a Request to a provider by name or catalog entry and
//     applies Middleware (logging, retry, rate limiting) around each stream.
//   - Errors: a typed taxonomy (AuthenticationError, RateLimitError, ...) with
//     IsRetryable driving the retry middleware.
//   - Catalog: the models offered to callers, their context windows and
//     per-million-token prices.
//   - StreamAccumulator: folds StreamEvents back into a Response.
//
// # Quick Start
//
//	adapter, _ := unifiedllm.NewGollmAdapter("anthropic", os.Getenv("ANTHROPIC_API_KEY"))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("anthropic", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy())),
//	)
//
//	events, _ := client.Stream(ctx, unifiedllm.Request{
//	    Model:    "anthropic/claude-sonnet-4.5",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	for ev := range events {
//	    fmt.Print(ev.Delta)
//	}
package unifiedllm
