// Package main provides the CLI entry point for the relay daemon.
//
// relayd maintains the websocket connections between the support dashboard's
// backend and the chat relay, normalizes inbound frames, tracks notification
// state, and exposes the operator HTTP surface plus Prometheus metrics.
//
// # Basic Usage
//
// Start the daemon:
//
//	relayd serve --config relay.yaml
//
// # Environment Variables
//
// Values in the config file may reference environment variables, e.g.
// ${RELAY_API_TOKEN} for the backend API token.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/assistdesk/relay/internal/api"
	"github.com/assistdesk/relay/internal/config"
	"github.com/assistdesk/relay/internal/events"
	"github.com/assistdesk/relay/internal/notifications"
	"github.com/assistdesk/relay/internal/reconcile"
	"github.com/assistdesk/relay/internal/relay"
	"github.com/assistdesk/relay/internal/takeover"
	"github.com/assistdesk/relay/pkg/models"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "relayd",
		Short:        "relayd - websocket relay for the support dashboard",
		Long:         "relayd keeps the dashboard's chat relay sockets alive, normalizes inbound\nmessages, and tracks notification and takeover state.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay daemon",
		Long: `Start the relay daemon with the configured endpoints.

The daemon will:
1. Load configuration from the specified file
2. Open the snapshot database and restore notification/history state
3. Open one websocket per configured endpoint
4. Start the HTTP server for the operator API, health checks, and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  relayd serve

  # Start with custom config
  relayd serve --config /etc/assistdesk/relay.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := logLevel(cfg.Logging.Level)
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting relayd",
		"version", version,
		"commit", commit,
		"config", configPath,
		"endpoints", len(cfg.Endpoints),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Snapshot persistence. Without a configured path state lives in memory
	// and is lost on restart.
	var persister notifications.Persister
	var sqlitePersister *notifications.SQLitePersister
	if cfg.Storage.SQLitePath != "" {
		sqlitePersister, err = notifications.NewSQLitePersister(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("open snapshot database: %w", err)
		}
		persister = sqlitePersister
		logger.Info("snapshot database open", "path", cfg.Storage.SQLitePath)
	} else {
		persister = notifications.NewMemoryPersister()
		logger.Warn("no sqlite_path configured, state will not survive restarts")
	}

	bus := events.NewBus(logger)
	store := notifications.NewStore(cfg.Storage.Scope, persister, bus, logger)
	history := notifications.NewHistory(cfg.Storage.Scope, persister, logger)

	// Every inbound message lands in the transcript; customer messages also
	// raise a notification so the inbox reflects unanswered traffic.
	bus.Subscribe(events.TopicMessageReceived, func(detail any) {
		msg, ok := detail.(models.InboundMessage)
		if !ok {
			return
		}
		history.Append(msg)
		if msg.Origin == models.OriginCustomer {
			store.Append(models.NotificationRecord{
				ID:             msg.ID,
				EventType:      "message",
				Message:        msg.Text,
				Timestamp:      msg.Timestamp,
				CustomerNumber: msg.Conversation.CustomerNumber,
			})
		}
	})

	var backend *api.Client
	if cfg.API.BaseURL != "" {
		backend = api.NewClient(cfg.API.BaseURL, cfg.API.Token)
	}

	// Without a backend the coordinator runs in local-only mode; the send
	// gate applies either way.
	var coordinatorBackend takeover.Backend
	if backend != nil {
		coordinatorBackend = backend
	}
	coordinator := takeover.NewCoordinator(coordinatorBackend, bus, logger)

	manager := relay.NewManager(relay.NewWebsocketDialer(), bus, logger)
	defer manager.Close()

	for _, ep := range cfg.Endpoints {
		key, err := ep.Key()
		if err != nil {
			return err
		}
		if err := manager.Subscribe(key, ep.URL, ep.Backoff.Policy()); err != nil {
			return fmt.Errorf("subscribe %s: %w", key.String(), err)
		}
	}

	var reconciler *reconcile.Reconciler
	if cfg.Reconcile.Enabled {
		if backend == nil {
			return errors.New("reconcile requires api.base_url")
		}
		reconciler = reconcile.NewReconciler(backend, store, cfg.API.UserEmail, logger)
		if err := reconciler.Start(cfg.Reconcile.Schedule); err != nil {
			return err
		}
		defer reconciler.Stop()
	}

	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: buildMux(&daemon{
			manager:     manager,
			store:       store,
			history:     history,
			coordinator: coordinator,
			backend:     backend,
			logger:      logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	manager.Close()
	if sqlitePersister != nil {
		if err := sqlitePersister.Close(); err != nil {
			logger.Warn("snapshot database close failed", "error", err)
		}
	}

	logger.Info("relayd stopped gracefully")
	return nil
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
