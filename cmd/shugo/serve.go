package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/shugo"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, MCP endpoint and retention sweep",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger()
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		opts := []shugo.Option{shugo.WithVersion(version), shugo.WithLogger(logger)}
		if servePort != 0 {
			opts = append(opts, shugo.WithPort(servePort))
		}
		app, err := shugo.New(opts...)
		if err != nil {
			return err
		}
		return app.Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger()
		_, closeFn, cfg, err := openStore(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer closeFn()
		logger.Info("schema applied", "backend", cfg.Backend)
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides SHUGO_PORT)")
}
