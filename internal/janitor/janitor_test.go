// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/toletglobe/credcore/pkg/errutil"
)

type countingPurger struct {
	calls atomic.Int64
	n     int64
	err   error
}

func (p *countingPurger) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	p.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("cycle has no deadline")
	}
	return p.n, p.err
}

func TestNew_RequiresPurger(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil)
	errutil.AssertErrorCode(t, err, "JANITOR_INVALID_CONFIG")
}

func TestNew_Defaults(t *testing.T) {
	w, err := New(Config{}, &countingPurger{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, w.cfg.Interval)
	assert.Equal(t, DefaultTimeout, w.cfg.Timeout)
}

func TestWorker_RunOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	w, err := New(Config{}, &countingPurger{n: 3}, metrics, nil)
	require.NoError(t, err)

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.InDelta(t, 3, testutil.ToFloat64(metrics.Purged), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Runs.WithLabelValues("success")), 0)
}

func TestWorker_RunOnceError(t *testing.T) {
	metrics := NewMetrics(nil)
	w, err := New(Config{}, &countingPurger{err: errors.New("db down")}, metrics, nil)
	require.NoError(t, err)

	_, err = w.RunOnce(context.Background())
	require.Error(t, err)
	errutil.AssertErrorContext(t, err, "operation", "purge expired tokens")
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Runs.WithLabelValues("error")), 0)
}

func TestWorker_StartStopDoesNotLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	purger := &countingPurger{}
	w, err := New(Config{Interval: 5 * time.Millisecond}, purger, nil, nil)
	require.NoError(t, err)

	w.Start(context.Background())
	w.Start(context.Background())
	assert.Eventually(t, func() bool { return purger.calls.Load() >= 3 }, 2*time.Second, time.Millisecond)
	w.Stop()
	w.Stop()

	calls := purger.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, purger.calls.Load(), "no cycles after Stop")
}

func TestWorker_StopsWhenContextEnds(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, err := New(Config{Interval: time.Hour}, &countingPurger{}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	cancel()
	w.Stop()
}
