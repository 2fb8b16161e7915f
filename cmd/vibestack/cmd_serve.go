package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/murabcd/vibestack/agentloop"
	"github.com/murabcd/vibestack/config"
	"github.com/murabcd/vibestack/envelope"
	"github.com/murabcd/vibestack/mcppool"
	"github.com/murabcd/vibestack/sandbox"
	"github.com/murabcd/vibestack/server"
	"github.com/murabcd/vibestack/store"
	"github.com/murabcd/vibestack/unifiedllm"
	"github.com/murabcd/vibestack/usage"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

const shutdownTimeout = 15 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing store failed", zap.Error(err))
		}
	}()

	client := unifiedllm.NewClientFromEnv(unifiedllm.ClientConfig{
		MaxTokens:         cfg.Model.MaxTokens,
		RequestsPerSecond: cfg.Model.RequestsPerSecond,
		Retry:             cfg.Model.RetryPolicy(),
		Logger:            logger,
	})
	defer func() { _ = client.Close() }()
	if len(client.Providers()) == 0 {
		logger.Warn("no model provider configured; set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}

	loop := agentloop.NewLoop(client, usage.NewEnricher(catalog(cfg.Catalog), cfg.Catalog.Timeout.Duration, logger), agentloop.Config{
		MaxRounds:           cfg.Loop.MaxRounds,
		MaxParallelTools:    cfg.Loop.MaxParallelTools,
		LoopDetectionWindow: agentloop.DefaultConfig().LoopDetectionWindow,
	}, logger)

	clock := envelope.NewClock()
	sandboxes := sandbox.NewLocalProvider(cfg.Sandbox.Root,
		sandbox.WithBaseDomain(cfg.Sandbox.BaseDomain),
		sandbox.WithClock(clock),
		sandbox.WithLogger(logger))

	handler := server.New(server.Options{
		Loop:         loop,
		Sandboxes:    sandboxes,
		Store:        st,
		Clock:        clock,
		Logger:       logger,
		DefaultModel: cfg.Model.Default,
		SandboxLimits: agentloop.SandboxLimits{
			DefaultTimeout: cfg.Sandbox.DefaultTimeout.Duration,
			MinTimeout:     cfg.Sandbox.MinTimeout.Duration,
			MaxTimeout:     cfg.Sandbox.MaxTimeout.Duration,
			MaxPorts:       cfg.Sandbox.MaxPorts,
		},
		ToolServers: cfg.ToolServers,
		PoolOptions: mcppool.Options{Logger: logger},
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("vibestack started",
			zap.String("listen", cfg.Listen),
			zap.String("default_model", cfg.Model.Default),
			zap.String("store", cfg.Store.Kind),
			zap.Int("tool_servers", len(cfg.ToolServers)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Kind {
	case config.StoreRedis:
		st, err := store.NewRedisStore(store.RedisConfig{URL: cfg.RedisURL, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return st, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// catalog uses the remote catalog when one is configured. A failed fetch
// leaves usage unenriched rather than falling back to built-in prices.
func catalog(cfg config.CatalogConfig) usage.Catalog {
	if cfg.URL == "" {
		return usage.StaticCatalog{}
	}
	return usage.NewHTTPCatalog(cfg.URL, cfg.TTL.Duration, &http.Client{Timeout: cfg.Timeout.Duration})
}
