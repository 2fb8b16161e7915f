package usage

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/murabcd/vibestack/unifiedllm"
)

func TestFromLLM(t *testing.T) {
	reasoning, cached := 7, 3
	u := FromLLM(unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, ReasoningTokens: &reasoning, CacheReadTokens: &cached})
	want := Usage{InputTokens: 10, OutputTokens: 5, ReasoningTokens: 7, CachedInputTokens: 3, TotalTokens: 15}
	if u != want {
		t.Errorf("FromLLM = %+v, want %+v", u, want)
	}
}

func TestAccountantIsAdditive(t *testing.T) {
	var a Accountant
	a.Accumulate(Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3})
	total := a.Accumulate(Usage{InputTokens: 10, ReasoningTokens: 4, CachedInputTokens: 1, TotalTokens: 10})
	want := Usage{InputTokens: 11, OutputTokens: 2, ReasoningTokens: 4, CachedInputTokens: 1, TotalTokens: 13}
	if total != want || a.Total() != want {
		t.Errorf("total = %+v, want %+v", total, want)
	}
	if a.Rounds() != 2 {
		t.Errorf("rounds = %d", a.Rounds())
	}
}

func TestAccountantConcurrent(t *testing.T) {
	var a Accountant
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Accumulate(Usage{InputTokens: 1})
		}()
	}
	wg.Wait()
	if a.Total().InputTokens != 50 {
		t.Errorf("input = %d", a.Total().InputTokens)
	}
}

func TestEstimate(t *testing.T) {
	p := Pricing{ModelID: "anthropic/claude-sonnet-4.5", InputCostPerMillion: 3, OutputCostPerMillion: 15, ContextWindow: 200000}
	c := Estimate(Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000, ReasoningTokens: 1_000_000, CachedInputTokens: 1_000_000}, p)
	if c.Cost.InputUSD != 3 || c.Cost.OutputUSD != 15 || c.Cost.ReasoningUSD != 3 || c.Cost.CacheReadUSD != 1.5 {
		t.Errorf("cost = %+v", c.Cost)
	}
	if c.Cost.TotalUSD != 22.5 {
		t.Errorf("total = %v", c.Cost.TotalUSD)
	}

	c = Estimate(Usage{InputTokens: 50000, OutputTokens: 50000}, p)
	if math.Abs(c.UsedPercent-50) > 1e-9 {
		t.Errorf("used percent = %v", c.UsedPercent)
	}
}

func TestStaticCatalog(t *testing.T) {
	p, err := StaticCatalog{}.Lookup(context.Background(), "anthropic:claude-haiku-4-5-20251001")
	if err != nil {
		t.Fatal(err)
	}
	if p.InputCostPerMillion != 1 || p.OutputCostPerMillion != 5 || p.ContextWindow != 200000 {
		t.Errorf("pricing = %+v", p)
	}
	if _, err := (StaticCatalog{}).Lookup(context.Background(), "nope"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("err = %v", err)
	}
}

func TestHTTPCatalogCachesForTTL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"id":"anthropic:claude-sonnet-4.5","inputCostPerMillion":3,"outputCostPerMillion":15,"contextWindow":200000}]}`))
	}))
	defer srv.Close()

	now := time.Unix(0, 0)
	c := NewHTTPCatalog(srv.URL, time.Hour, srv.Client())
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		p, err := c.Lookup(context.Background(), "anthropic/claude-sonnet-4.5")
		if err != nil {
			t.Fatal(err)
		}
		if p.OutputCostPerMillion != 15 {
			t.Errorf("pricing = %+v", p)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("expected one fetch within TTL, got %d", hits.Load())
	}

	now = now.Add(2 * time.Hour)
	if _, err := c.Lookup(context.Background(), "anthropic/claude-sonnet-4.5"); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected refetch after TTL, got %d", hits.Load())
	}
	if _, err := c.Lookup(context.Background(), "anthropic/other"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("err = %v", err)
	}
}

func TestHTTPCatalogError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewHTTPCatalog(srv.URL, 0, nil)
	if _, err := c.Lookup(context.Background(), "anthropic/claude-sonnet-4.5"); err == nil {
		t.Fatal("expected error")
	}
}

type failingCatalog struct{}

func (failingCatalog) Lookup(context.Context, string) (Pricing, error) {
	return Pricing{}, errors.New("catalog offline")
}

type slowCatalog struct{}

func (slowCatalog) Lookup(ctx context.Context, _ string) (Pricing, error) {
	<-ctx.Done()
	return Pricing{}, ctx.Err()
}

func TestEnricherDegrades(t *testing.T) {
	total := Usage{InputTokens: 10, OutputTokens: 10, TotalTokens: 20}
	if c := NewEnricher(failingCatalog{}, 0, nil).Enrich(context.Background(), total, "m"); c != nil {
		t.Errorf("expected nil context on failure, got %+v", c)
	}
	start := time.Now()
	if c := NewEnricher(slowCatalog{}, 20*time.Millisecond, nil).Enrich(context.Background(), total, "m"); c != nil {
		t.Errorf("expected nil context on timeout, got %+v", c)
	}
	if time.Since(start) > time.Second {
		t.Error("enrichment blocked past its timeout")
	}
	var nilEnricher *Enricher
	if nilEnricher.Enrich(context.Background(), total, "m") != nil {
		t.Error("nil enricher should return nil")
	}
}
