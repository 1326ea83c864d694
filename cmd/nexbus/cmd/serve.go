package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/nexbus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a bus factory with its inspection HTTP server",
	Long: `Creates a factory with one bus instance built from the bus section of the
configuration and serves /api/instances, /api/metrics and /metrics until
interrupted.`,
	RunE: runServe,
}

const serverShutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := nexbus.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slogger := newLogger(os.Stderr, *cfg)
	log := nexbus.NewSlogServiceLogger(slogger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory := nexbus.NewFactory(nexbus.FactoryOptions{
		ID:                 cfg.Server.FactoryNamespace,
		Namespace:          cfg.Server.FactoryNamespace,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		Logger:             log,
		Dependencies: nexbus.BusDependencies{
			Hooks: nexbus.LoggingHooks(log),
		},
	})
	bus, err := factory.CreateInstance(ctx, cfg.Bus)
	if err != nil {
		return fmt.Errorf("failed to create bus instance: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           factory.HTTPHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slogger.Info("Inspection server listening", "address", server.Addr, "instance_id", bus.InstanceID())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slogger.Info("Received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			_ = factory.Destroy(context.Background())
			return fmt.Errorf("inspection server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	return errors.Join(server.Shutdown(shutdownCtx), factory.Destroy(shutdownCtx))
}
