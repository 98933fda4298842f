// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

// Package janitor periodically clears expired verification and reset tokens.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/toletglobe/credcore/pkg/errutil"
)

// Defaults.
const (
	DefaultInterval = time.Hour
	DefaultTimeout  = time.Minute
)

// Purger clears expired token slots and reports how many it cleared.
// auth.Service satisfies it.
type Purger interface {
	PurgeExpiredTokens(ctx context.Context) (int64, error)
}

// Config controls the purge cadence.
type Config struct {
	// Interval between purge cycles.
	Interval time.Duration
	// Timeout bounds a single cycle.
	Timeout time.Duration
}

// Metrics holds the janitor's collectors.
type Metrics struct {
	Runs   *prometheus.CounterVec
	Purged prometheus.Counter
}

// NewMetrics creates the janitor collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credcore_janitor_runs_total",
				Help: "Total number of token purge cycles by outcome",
			},
			[]string{"outcome"},
		),
		Purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credcore_janitor_tokens_purged_total",
			Help: "Total number of expired token slots cleared",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Runs, m.Purged)
	}
	return m
}

// Worker runs Purger on a ticker.
type Worker struct {
	cfg     Config
	purger  Purger
	metrics *Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Worker. Non-positive durations take the defaults.
func New(cfg Config, purger Purger, metrics *Metrics, logger *slog.Logger) (*Worker, error) {
	if purger == nil {
		return nil, oops.Code("JANITOR_INVALID_CONFIG").Errorf("purger is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, purger: purger, metrics: metrics, logger: logger}, nil
}

// RunOnce executes a single purge cycle.
func (w *Worker) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	n, err := w.purger.PurgeExpiredTokens(ctx)
	if err != nil {
		w.metrics.Runs.WithLabelValues("error").Inc()
		return 0, oops.With("operation", "purge expired tokens").Wrap(err)
	}
	w.metrics.Runs.WithLabelValues("success").Inc()
	w.metrics.Purged.Add(float64(n))
	if n > 0 {
		w.logger.InfoContext(ctx, "purged expired tokens", "count", n)
	}
	return n, nil
}

// Start runs a cycle immediately and then every Interval until ctx ends or
// Stop is called. Starting a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop cancels the loop and waits for an in-flight cycle to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

func (w *Worker) cycle(ctx context.Context) {
	if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
		errutil.LogErrorContext(ctx, w.logger, "token purge cycle failed", err)
	}
}
