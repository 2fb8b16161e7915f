// Package config loads the vibestack.yaml service configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/murabcd/vibestack/mcppool"
	"github.com/murabcd/vibestack/unifiedllm"
)

// Config is the full service configuration. Zero values are filled in from
// Default by Load.
type Config struct {
	Listen   string        `yaml:"listen"`
	LogLevel string        `yaml:"log_level"`
	Model    ModelConfig   `yaml:"model"`
	Loop     LoopConfig    `yaml:"loop"`
	Sandbox  SandboxConfig `yaml:"sandbox"`
	Catalog  CatalogConfig `yaml:"catalog"`
	Store    StoreConfig   `yaml:"store"`
	// ToolServers are connected for every chat request.
	ToolServers []mcppool.Descriptor `yaml:"tool_servers"`
}

// ModelConfig configures the model client.
type ModelConfig struct {
	Default           string      `yaml:"default"`
	MaxTokens         int         `yaml:"max_tokens"`
	RequestsPerSecond float64     `yaml:"requests_per_second"`
	Retry             RetryConfig `yaml:"retry"`
}

// RetryConfig configures retries of failed model calls.
type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
}

// LoopConfig bounds one chat request.
type LoopConfig struct {
	MaxRounds        int `yaml:"max_rounds"`
	MaxParallelTools int `yaml:"max_parallel_tools"`
}

// SandboxConfig configures the execution environments.
type SandboxConfig struct {
	Root           string   `yaml:"root"`
	DefaultTimeout Duration `yaml:"default_timeout"`
	MinTimeout     Duration `yaml:"min_timeout"`
	MaxTimeout     Duration `yaml:"max_timeout"`
	MaxPorts       int      `yaml:"max_ports"`
	BaseDomain     string   `yaml:"base_domain"`
}

// CatalogConfig configures the pricing catalog used for usage enrichment.
// An empty URL means only the built-in prices are used.
type CatalogConfig struct {
	URL     string   `yaml:"url"`
	TTL     Duration `yaml:"ttl"`
	Timeout Duration `yaml:"timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Kind     string `yaml:"kind"`
	RedisURL string `yaml:"redis_url"`
	Prefix   string `yaml:"prefix"`
}

// Store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration { return Duration{Duration: d} }

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns a configuration that runs locally with no external
// services.
func Default() Config {
	return Config{
		Listen:   ":8080",
		LogLevel: "info",
		Model: ModelConfig{
			Default:           unifiedllm.DefaultModel,
			MaxTokens:         8192,
			RequestsPerSecond: 2,
			Retry:             RetryConfig{MaxRetries: 2, BaseDelay: D(time.Second)},
		},
		Loop: LoopConfig{MaxRounds: 20, MaxParallelTools: 4},
		Sandbox: SandboxConfig{
			Root:           "/tmp/vibestack/sandboxes",
			DefaultTimeout: D(30 * time.Minute),
			MinTimeout:     D(10 * time.Minute),
			MaxTimeout:     D(60 * time.Minute),
			MaxPorts:       2,
			BaseDomain:     "localhost",
		},
		Catalog: CatalogConfig{TTL: D(24 * time.Hour), Timeout: D(2 * time.Second)},
		Store:   StoreConfig{Kind: StoreMemory},
	}
}

// Validate rejects inconsistent values.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if unifiedllm.GetModelInfo(c.Model.Default) == nil {
		errs = append(errs, fmt.Errorf("model.default: unknown model %q", c.Model.Default))
	}
	if c.Model.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("model.requests_per_second must not be negative"))
	}
	if c.Model.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("model.retry.max_retries must not be negative"))
	}
	if c.Loop.MaxRounds < 1 {
		errs = append(errs, errors.New("loop.max_rounds must be at least 1"))
	}
	if c.Loop.MaxParallelTools < 1 {
		errs = append(errs, errors.New("loop.max_parallel_tools must be at least 1"))
	}
	s := c.Sandbox
	if s.Root == "" {
		errs = append(errs, errors.New("sandbox.root is required"))
	}
	if s.MinTimeout.Duration <= 0 || s.MinTimeout.Duration > s.MaxTimeout.Duration {
		errs = append(errs, fmt.Errorf("sandbox timeouts: min %s must be positive and not above max %s", s.MinTimeout, s.MaxTimeout))
	} else if s.DefaultTimeout.Duration < s.MinTimeout.Duration || s.DefaultTimeout.Duration > s.MaxTimeout.Duration {
		errs = append(errs, fmt.Errorf("sandbox.default_timeout %s is outside [%s, %s]", s.DefaultTimeout, s.MinTimeout, s.MaxTimeout))
	}
	if s.MaxPorts < 0 {
		errs = append(errs, errors.New("sandbox.max_ports must not be negative"))
	}
	switch c.Store.Kind {
	case StoreMemory:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.kind: unknown kind %q", c.Store.Kind))
	}
	seen := make(map[string]bool, len(c.ToolServers))
	for i, d := range c.ToolServers {
		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tool_servers[%d]: %w", i, err))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("tool_servers[%d]: duplicate name %q", i, d.Name))
		}
		seen[d.Name] = true
	}
	return errors.Join(errs...)
}

// RetryPolicy converts the retry section into the model client policy.
func (c ModelConfig) RetryPolicy() unifiedllm.RetryPolicy {
	p := unifiedllm.DefaultRetryPolicy()
	p.MaxRetries = c.Retry.MaxRetries
	if c.Retry.BaseDelay.Duration > 0 {
		p.BaseDelay = c.Retry.BaseDelay.Duration
	}
	return p
}
