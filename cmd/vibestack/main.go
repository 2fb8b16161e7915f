// Command vibestack runs the build assistant service and its tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/murabcd/vibestack/config"
	"github.com/murabcd/vibestack/logging"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "vibestack",
	Short:         "Streaming build assistant backed by isolated sandboxes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("VIBESTACK_CONFIG"), "config file path (defaults are used when empty)")
}

// loadConfig reads the config file, or returns the defaults when no path
// is given.
func loadConfig() (config.Config, error) {
	if cfgPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *zap.Logger {
	return logging.New(cfg.LogLevel, os.Stderr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
