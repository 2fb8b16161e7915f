// Package usage accumulates per-round token counters and enriches the running
// total with best-effort pricing and context-window data.
package usage

import (
	"sync"

	"github.com/murabcd/vibestack/unifiedllm"
)

// Usage is the token accounting for one round or the sum of several.
type Usage struct {
	InputTokens       int `json:"inputTokens" msgpack:"input"`
	OutputTokens      int `json:"outputTokens" msgpack:"output"`
	ReasoningTokens   int `json:"reasoningTokens" msgpack:"reasoning"`
	CachedInputTokens int `json:"cachedInputTokens" msgpack:"cached_input"`
	TotalTokens       int `json:"totalTokens" msgpack:"total"`
}

// FromLLM converts provider-reported usage into a Usage.
func FromLLM(u unifiedllm.Usage) Usage {
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	return Usage{
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		ReasoningTokens:   unifiedllm.IntValue(u.ReasoningTokens),
		CachedInputTokens: unifiedllm.IntValue(u.CacheReadTokens),
		TotalTokens:       total,
	}
}

// Add returns the field-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:       u.InputTokens + o.InputTokens,
		OutputTokens:      u.OutputTokens + o.OutputTokens,
		ReasoningTokens:   u.ReasoningTokens + o.ReasoningTokens,
		CachedInputTokens: u.CachedInputTokens + o.CachedInputTokens,
		TotalTokens:       u.TotalTokens + o.TotalTokens,
	}
}

// IsZero reports whether no tokens were counted.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// Accountant keeps the running total for one request. It is safe for
// concurrent use.
type Accountant struct {
	mu     sync.Mutex
	total  Usage
	rounds int
}

// Accumulate adds one round and returns the new running total.
func (a *Accountant) Accumulate(round Usage) Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total = a.total.Add(round)
	a.rounds++
	return a.total
}

// Total returns the running total.
func (a *Accountant) Total() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Rounds returns how many rounds were accumulated.
func (a *Accountant) Rounds() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rounds
}
