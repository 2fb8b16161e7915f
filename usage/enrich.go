package usage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Cost is an estimate in USD.
type Cost struct {
	TotalUSD     float64 `json:"totalUSD"`
	InputUSD     float64 `json:"inputUSD"`
	OutputUSD    float64 `json:"outputUSD"`
	ReasoningUSD float64 `json:"reasoningUSD"`
	CacheReadUSD float64 `json:"cacheReadUSD"`
}

// Context is the catalog-derived enrichment attached to a finish envelope.
type Context struct {
	ModelID       string  `json:"modelId"`
	ContextWindow int     `json:"contextWindow"`
	UsedTokens    int     `json:"usedTokens"`
	UsedPercent   float64 `json:"usedPercent"`
	Cost          Cost    `json:"cost"`
}

// Estimate prices u against p. Reasoning is billed as input and cache reads
// at half the input price.
func Estimate(u Usage, p Pricing) Context {
	perMillion := func(tokens int, price float64) float64 {
		return float64(tokens) / 1_000_000 * price
	}
	cost := Cost{
		InputUSD:     perMillion(u.InputTokens, p.InputCostPerMillion),
		OutputUSD:    perMillion(u.OutputTokens, p.OutputCostPerMillion),
		ReasoningUSD: perMillion(u.ReasoningTokens, p.InputCostPerMillion),
		CacheReadUSD: perMillion(u.CachedInputTokens, p.InputCostPerMillion) * 0.5,
	}
	cost.TotalUSD = cost.InputUSD + cost.OutputUSD + cost.ReasoningUSD + cost.CacheReadUSD

	used := u.InputTokens + u.OutputTokens + u.ReasoningTokens
	ctx := Context{
		ModelID:       p.ModelID,
		ContextWindow: p.ContextWindow,
		UsedTokens:    used,
		Cost:          cost,
	}
	if p.ContextWindow > 0 {
		ctx.UsedPercent = float64(used) / float64(p.ContextWindow) * 100
	}
	return ctx
}

// Enricher attaches pricing to a total. It never fails: a slow or broken
// catalog yields a nil Context.
type Enricher struct {
	catalog Catalog
	timeout time.Duration
	logger  *zap.Logger
}

// NewEnricher creates an Enricher. A zero timeout means 2s.
func NewEnricher(catalog Catalog, timeout time.Duration, logger *zap.Logger) *Enricher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{catalog: catalog, timeout: timeout, logger: logger}
}

// Enrich looks up modelID and returns the enrichment, or nil on any failure.
func (e *Enricher) Enrich(ctx context.Context, total Usage, modelID string) *Context {
	if e == nil || e.catalog == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		p   Pricing
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := e.catalog.Lookup(ctx, modelID)
		done <- result{p, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			e.logger.Debug("usage enrichment unavailable", zap.String("model", modelID), zap.Error(r.err))
			return nil
		}
		c := Estimate(total, r.p)
		return &c
	case <-ctx.Done():
		e.logger.Debug("usage enrichment timed out", zap.String("model", modelID))
		return nil
	}
}
