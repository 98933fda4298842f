// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/toletglobe/credcore/internal/auth/postgres"
	"github.com/toletglobe/credcore/internal/janitor"
	"github.com/toletglobe/credcore/internal/observability"
	"github.com/toletglobe/credcore/internal/store"
)

const (
	readinessTimeout = 2 * time.Second
	shutdownTimeout  = 10 * time.Second
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the token janitor and the metrics/health endpoint",
		Long: `Connect to PostgreSQL, wire the credential lifecycle, periodically purge
expired verification and reset tokens, and serve /metrics and /healthz probes
until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	url, err := c.databaseURL()
	if err != nil {
		return err
	}

	pool, err := store.Connect(ctx, url, store.ConnectOptions{
		MaxConns: c.cfg.Database.MaxConns,
		Attempts: c.cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	var (
		obs   *observability.Server
		errCh <-chan error
		reg   prometheus.Registerer = prometheus.NewRegistry()
	)
	if addr := c.cfg.Observability.Addr; addr != "" {
		obs = observability.NewServer(addr, store.Readiness(pool, readinessTimeout), c.logger)
		reg = obs.Registry()
	}

	svc, err := buildLifecycle(c.cfg, postgres.NewAccountRepository(pool), reg, c.logger)
	if err != nil {
		return err
	}

	worker, err := janitor.New(janitor.Config{
		Interval: c.cfg.Janitor.Interval,
		Timeout:  c.cfg.Janitor.Timeout,
	}, svc, janitor.NewMetrics(reg), c.logger)
	if err != nil {
		return err
	}

	if obs != nil {
		if errCh, err = obs.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if stopErr := obs.Stop(shutdownCtx); stopErr != nil {
				c.logger.Warn("failed to stop observability server", "error", stopErr)
			}
		}()
	}

	worker.Start(ctx)
	defer worker.Stop()

	c.logger.InfoContext(ctx, "credcore running",
		"janitor_interval", c.cfg.Janitor.Interval.String(),
		"metrics_addr", c.cfg.Observability.Addr)

	select {
	case <-ctx.Done():
		c.logger.Info("shutting down")
		return nil
	case serveErr, ok := <-errCh:
		if !ok {
			return nil
		}
		return oops.Code("OBSERVABILITY_FAILED").Wrap(serveErr)
	}
}
