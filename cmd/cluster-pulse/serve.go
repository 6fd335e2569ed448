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
	"github.com/spf13/viper"
	"k8s.io/utils/clock"

	"github.com/dlbewley/cluster-pulse/internal/cluster"
	"github.com/dlbewley/cluster-pulse/internal/config"
	"github.com/dlbewley/cluster-pulse/internal/refresh"
	"github.com/dlbewley/cluster-pulse/internal/server"
	"github.com/dlbewley/cluster-pulse/internal/snapshot"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper, load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the live cluster snapshot over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String(config.KeyPort, "8090", "HTTP listen port")
	cmd.Flags().Duration(config.KeyRefreshInterval, 0, "re-run the current cluster on this interval (0 disables)")
	bindFlags(v, cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := newLogger(os.Stdout, cfg.LogLevel)
	be := buildBackend(cfg, logger)

	controller := refresh.New(be.aggregator(cfg, logger), logger)
	defer controller.Close()

	hub := snapshot.NewHub(snapshot.NewMemoryStore(), nil, logger.With("component", "hub"))
	unsubscribe := controller.Subscribe(hub)
	defer unsubscribe()

	srv := server.New(server.Deps{
		Store:      hub.Store(),
		Controller: controller,
		Catalogue:  cluster.NewCatalogue(cfg.Clusters, be.discover),
		Watcher:    hub,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if identity, ok := be.initialIdentity(cfg); ok {
		if _, err := controller.SetIdentity(identity); err != nil {
			return fmt.Errorf("select initial cluster: %w", err)
		}
	}
	if cfg.RefreshInterval > 0 {
		go runRefreshLoop(ctx, controller, clock.RealClock{}, cfg.RefreshInterval, logger)
	}

	addr := ":" + cfg.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting cluster-pulse",
		"addr", addr,
		"backend", be.mode,
		"cluster", cfg.Cluster,
		"fetchTimeout", cfg.FetchTimeout.String(),
		"fetchAttempts", cfg.FetchAttempts,
		"refreshInterval", cfg.RefreshInterval.String(),
		"logLevel", cfg.LogLevel.String(),
		"version", version,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("cluster-pulse server failed", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

type refresher interface {
	Refresh() (uint64, error)
}

// runRefreshLoop re-runs the current cluster every interval until ctx ends.
func runRefreshLoop(ctx context.Context, r refresher, clk clock.WithTicker, interval time.Duration, logger *slog.Logger) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			token, err := r.Refresh()
			switch {
			case errors.Is(err, refresh.ErrNoIdentity):
				logger.Debug("periodic refresh skipped, no cluster selected")
			case errors.Is(err, refresh.ErrClosed):
				return
			case err != nil:
				logger.Warn("periodic refresh failed", "error", err)
			default:
				logger.Debug("periodic refresh started", "token", token)
			}
		}
	}
}
