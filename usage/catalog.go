package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/murabcd/vibestack/unifiedllm"
)

// ErrUnknownModel is returned by a Catalog that has no entry for a model.
var ErrUnknownModel = errors.New("usage: model not in catalog")

// Pricing is the catalog entry for one model. Costs are USD per million tokens.
type Pricing struct {
	ModelID              string  `json:"id"`
	InputCostPerMillion  float64 `json:"inputCostPerMillion"`
	OutputCostPerMillion float64 `json:"outputCostPerMillion"`
	ContextWindow        int     `json:"contextWindow"`
}

// Catalog resolves pricing for a model id.
type Catalog interface {
	Lookup(ctx context.Context, modelID string) (Pricing, error)
}

// normalizeModelID accepts both "anthropic/x" and "anthropic:x".
func normalizeModelID(id string) string {
	return strings.Replace(id, ":", "/", 1)
}

// StaticCatalog serves pricing from the built-in model catalog.
type StaticCatalog struct{}

// Lookup implements Catalog.
func (StaticCatalog) Lookup(_ context.Context, modelID string) (Pricing, error) {
	info := unifiedllm.GetModelInfo(modelID)
	if info == nil {
		return Pricing{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return Pricing{
		ModelID:              info.ID,
		InputCostPerMillion:  info.InputCostPerMillion,
		OutputCostPerMillion: info.OutputCostPerMillion,
		ContextWindow:        info.ContextWindow,
	}, nil
}

// HTTPCatalog fetches {"models":[Pricing...]} from a URL and caches the whole
// document for TTL. Concurrent refreshes collapse into one request.
type HTTPCatalog struct {
	url    string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	entries   map[string]Pricing
	fetchedAt time.Time
}

// NewHTTPCatalog creates an HTTPCatalog. A zero ttl means 24h.
func NewHTTPCatalog(url string, ttl time.Duration, client *http.Client) *HTTPCatalog {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCatalog{url: url, ttl: ttl, client: client, now: time.Now}
}

// Lookup implements Catalog.
func (c *HTTPCatalog) Lookup(ctx context.Context, modelID string) (Pricing, error) {
	entries, err := c.load(ctx)
	if err != nil {
		return Pricing{}, err
	}
	p, ok := entries[normalizeModelID(modelID)]
	if !ok {
		return Pricing{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return p, nil
}

func (c *HTTPCatalog) load(ctx context.Context) (map[string]Pricing, error) {
	c.mu.RLock()
	if c.entries != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		entries := c.entries
		c.mu.RUnlock()
		return entries, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("catalog", func() (any, error) {
		entries, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries = entries
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]Pricing), nil
}

func (c *HTTPCatalog) fetch(ctx context.Context) (map[string]Pricing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch: status %d", resp.StatusCode)
	}

	var doc struct {
		Models []Pricing `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("catalog decode: %w", err)
	}
	entries := make(map[string]Pricing, len(doc.Models))
	for _, p := range doc.Models {
		if p.ModelID == "" {
			continue
		}
		entries[normalizeModelID(p.ModelID)] = p
	}
	return entries, nil
}
