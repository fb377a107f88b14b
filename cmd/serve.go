package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarry-ai/quarry/internal/app"
	"github.com/quarry-ai/quarry/internal/config"
	"github.com/quarry-ai/quarry/internal/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Runs migrations, wires the service components, and serves the
chat and document APIs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{JSON: jsonLogs()})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting quarry", "version", AppVersion, "addr", cfg.ListenAddr)

	a, cleanup, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer cleanup()

	return a.Server.Run(ctx, cfg.ListenAddr)
}

// jsonLogs enables JSON log output when QUARRY_LOG_JSON is set.
func jsonLogs() bool {
	return os.Getenv("QUARRY_LOG_JSON") != ""
}
