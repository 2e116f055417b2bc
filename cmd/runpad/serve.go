package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runpad/runpad/internal/config"
	"github.com/runpad/runpad/internal/policy"
	"github.com/runpad/runpad/internal/run"
	"github.com/runpad/runpad/internal/sandbox"
	"github.com/runpad/runpad/internal/server"
	"github.com/runpad/runpad/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runpad web server",
	Long: `Start the runpad HTTP server with REST API and WebSocket event streams.

The web UI is available at the root URL. API endpoints are under /api.

Examples:
  runpad serve
  runpad serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()

	// Open storage
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	svc, err := buildRunService(cfg, store, log)
	if err != nil {
		return err
	}

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	// Create and start server
	srv := server.New(cfg, store, svc, log)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		srv.Shutdown(context.Background())
	}()

	return srv.Start(port)
}

// buildRunService assembles the execution pipeline: policy resolver,
// docker runtime, registry, broker, supervisor.
func buildRunService(cfg *config.Config, store *sqlite.SQLiteStore, log *zap.Logger) (*run.Service, error) {
	resolver := policy.NewResolver()
	if cfg.Policy.File != "" {
		if err := resolver.LoadFile(cfg.Policy.File); err != nil {
			return nil, fmt.Errorf("loading policy overrides: %w", err)
		}
	}

	rt := sandbox.NewDockerRuntime()
	if cfg.Sandbox.Binary != "" {
		rt.Binary = cfg.Sandbox.Binary
	}

	limits := sandbox.Limits{
		Memory:    cfg.Sandbox.Memory,
		CPUs:      cfg.Sandbox.CPUs,
		PidsLimit: cfg.Sandbox.PidsLimit,
		User:      cfg.Sandbox.User,
	}

	registry := run.NewRegistry()
	broker := run.NewBroker()
	supervisor := run.NewSupervisor(rt, registry, broker, limits, log)
	return run.NewService(store, resolver, registry, broker, supervisor, log), nil
}
