// tcpsocketd serves the TCP connection manager over a WebSocket bridge.
// Usage: tcpsocketd --config configs/tcpsocketd.example.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tcpsocket/internal/bridge"
	"github.com/rickgao/tcpsocket/internal/config"
	"github.com/rickgao/tcpsocket/internal/connection"
	"github.com/rickgao/tcpsocket/internal/dispatcher"
	"github.com/rickgao/tcpsocket/internal/health"
	"github.com/rickgao/tcpsocket/internal/metrics"
	"github.com/rickgao/tcpsocket/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults when empty)")
	flag.Parse()

	// Load configuration
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadAndValidate(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	// Set up structured logging
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting tcpsocketd",
		"version", version.Version,
		"commit", version.Commit,
		"platform", version.Platform(),
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	m := metrics.New()

	d, err := dispatcher.New(dispatcherConfig(cfg), m, logger)
	if err != nil {
		logger.Error("failed to create dispatcher", "error", err)
		os.Exit(1)
	}
	m.WatchSnapshot(func() metrics.Snapshot {
		s := d.Stats()
		return metrics.Snapshot{
			OpenConnections: s.Open,
			BoundSinks:      s.Bindings.Bound,
			Delivered:       s.Bindings.Delivered,
			Dropped:         s.Bindings.Dropped,
			RunningWorkers:  s.RunningWorkers,
		}
	})

	br := bridge.NewServer(d, bridge.Config{
		QueueSize:    cfg.Bridge.QueueSize,
		WriteTimeout: cfg.Bridge.WriteTimeout,
		PingInterval: cfg.Bridge.PingInterval,
	}, m, logger)

	bridgeMux := http.NewServeMux()
	bridgeMux.Handle(cfg.Bridge.Path, br)
	bridgeServer := &http.Server{
		Addr:              cfg.Bridge.Listen,
		Handler:           bridgeMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	opsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           createOpsHandler(cfg, d, m, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting bridge server", "listen", cfg.Bridge.Listen, "path", cfg.Bridge.Path)
		if err := bridgeServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("bridge server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting ops server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := opsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// Wait for shutdown
		<-gctx.Done()

		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := bridgeServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("bridge server shutdown", "error", err)
		}
		if err := br.Shutdown(shutdownCtx); err != nil {
			logger.Warn("bridge sessions shutdown", "error", err)
		}
		if err := d.Shutdown(shutdownCtx); err != nil {
			logger.Warn("dispatcher shutdown", "error", err)
		}
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ops server shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("tcpsocketd failed", "error", err)
		os.Exit(1)
	}

	logger.Info("tcpsocketd stopped")
}

func dispatcherConfig(cfg *config.ServerConfig) dispatcher.Config {
	return dispatcher.Config{
		Connection: connection.Config{
			PollInterval: cfg.Connections.PollInterval,
			BufferSize:   cfg.Connections.BufferSize,
			WriteTimeout: cfg.Connections.WriteTimeout,
			Mode:         connection.ReadMode(cfg.Connections.ReadMode),
		},
		ConnectTimeout: cfg.Connections.ConnectTimeout,
		Workers:        cfg.Connections.Workers,
	}
}

// createOpsHandler serves metrics, health and debug endpoints.
func createOpsHandler(cfg *config.ServerConfig, d *dispatcher.Dispatcher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(cfg.Metrics.Path, m.Handler())

	checks := health.NewHandler(health.Options{
		Registry:  m.Registry(),
		Namespace: metrics.Namespace,
		Readiness: map[string]health.Probe{
			"dispatcher": d.Ready,
		},
	})
	mux.Handle("/live", checks)
	mux.Handle("/ready", checks)

	mux.HandleFunc("/debug/connections", func(w http.ResponseWriter, r *http.Request) {
		conns := d.Conns()

		// Limit to first 100 for debugging
		limit := 100
		showing := conns
		if len(showing) > limit {
			showing = showing[:limit]
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"instance_id": cfg.Instance.ID,
			"count":       len(conns),
			"showing":     len(showing),
			"connections": showing,
		}); err != nil {
			logger.Debug("encode debug response", "error", err)
		}
	})

	return mux
}
