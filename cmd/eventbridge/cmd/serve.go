package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eventbridge-systems/eventbridge/internal/bus"
	"github.com/eventbridge-systems/eventbridge/internal/config"
	"github.com/eventbridge-systems/eventbridge/internal/dispatch"
	"github.com/eventbridge-systems/eventbridge/internal/fanout"
	"github.com/eventbridge-systems/eventbridge/internal/logging"
	"github.com/eventbridge-systems/eventbridge/internal/middleware"
	"github.com/eventbridge-systems/eventbridge/internal/models"
	"github.com/eventbridge-systems/eventbridge/internal/registry"
	"github.com/eventbridge-systems/eventbridge/internal/server"
	"github.com/eventbridge-systems/eventbridge/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("eventbridge"))
	logging.SetDefault(logger)

	slog.Info("Starting event bridge",
		slog.Int("port", cfg.Server.Port),
		slog.String("bus_backend", cfg.Bus.Backend),
		slog.String("registry_backend", cfg.Registry.Backend),
		slog.String("dlq_backend", cfg.DLQ.Backend),
	)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Event log backend
	var adapter bus.Adapter
	switch cfg.Bus.Backend {
	case "redis":
		adapter, err = bus.NewRedisAdapter(bus.RedisConfig{
			URL:            cfg.Bus.Redis.URL,
			StreamKey:      cfg.Bus.Redis.StreamKey,
			TrimMaxEntries: cfg.Bus.Redis.TrimMaxEntries,
			TrimInterval:   cfg.Bus.Redis.TrimInterval,
			PollInterval:   cfg.Bus.Redis.PollInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	default:
		adapter = bus.NewMemoryAdapter(cfg.Bus.Memory.Capacity)
	}
	defer adapter.Close()

	// Subscription store
	var store registry.Store
	switch cfg.Registry.Backend {
	case "postgres":
		store, err = registry.NewPostgresStore(runCtx, cfg.Registry.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
	default:
		store = registry.NewMemoryStore()
	}
	defer store.Close()

	reg := registry.New(store, cfg.Registry.SnapshotTTL, models.RetryPolicy{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BaseDelay:   cfg.Dispatch.BaseDelay,
		MaxDelay:    cfg.Dispatch.MaxDelay,
	})

	// Dead letter store
	var dlq dispatch.DeadLetterStore
	switch cfg.DLQ.Backend {
	case "jetstream":
		dlq, err = dispatch.NewJetStreamDeadLetterStore(runCtx, cfg.DLQ.NatsURL)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS for dead letters: %w", err)
		}
	default:
		dlq = dispatch.NewMemoryDeadLetterStore()
	}
	defer dlq.Close()

	dispatcher := dispatch.New(dlq, dispatch.Config{
		Timeout:    cfg.Dispatch.Timeout,
		QueueDepth: cfg.Dispatch.QueueDepth,
	})

	hub := fanout.NewHub(fanout.Config{
		RefillRate: cfg.Fanout.RefillRate,
		Burst:      cfg.Fanout.Burst,
		QueueDepth: cfg.Fanout.QueueDepth,
	})

	bridge := service.New(adapter, reg, dispatcher, hub, dlq, service.Config{
		MaxPayloadBytes: cfg.Events.MaxPayloadBytes,
		ListHardCap:     cfg.Events.ListHardCap,
	})

	if err := bridge.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	defer bridge.Stop()

	handler := server.NewHandler(bridge, logger, cfg.Fanout.Keepalive,
		int64(cfg.Events.MaxPayloadBytes)+4096)
	router := server.NewRouter(handler, middleware.CORSConfig{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: 0, // SSE connections outlive any write deadline
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-runCtx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped")
	return nil
}
