// Command shugo runs the Shugo governance server and its operator tooling.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/shugo"
	"github.com/ashita-ai/shugo/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "shugo",
	Short: "Shugo - governance for AI agents",
	Long: `Shugo records what AI agents do, decides what they may run, and keeps
spend, risk and rollout under control.`,
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		// .env is optional; production won't have one.
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, retentionCmd, workspaceCmd, skillCmd, principalCmd, tokenCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("SHUGO_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// openStore loads config and opens the configured backend with the schema
// applied.
func openStore(ctx context.Context, logger *slog.Logger) (shugo.Store, func(), config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, config.Config{}, err
	}
	cfg.AutoMigrate = true
	store, closeFn, err := shugo.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, config.Config{}, err
	}
	return store, closeFn, cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
