// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package auth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation outcomes recorded in credcore_auth_operations_total.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
)

// Metrics holds the lifecycle's Prometheus collectors.
type Metrics struct {
	Operations       *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	HashDuration     prometheus.Histogram
}

// NewMetrics creates the lifecycle collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credcore_auth_operations_total",
				Help: "Total number of lifecycle operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		DeliveryFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credcore_auth_email_delivery_failures_total",
				Help: "Total number of failed token email deliveries by purpose",
			},
			[]string{"purpose"},
		),
		HashDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "credcore_auth_password_hash_duration_seconds",
				Help:    "Time spent hashing or verifying passwords",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.Operations)
		reg.MustRegister(m.DeliveryFailures)
		reg.MustRegister(m.HashDuration)
	}

	return m
}

func (m *Metrics) record(operation string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
		if isInfrastructure(err) {
			outcome = OutcomeError
		}
	}
	m.Operations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) deliveryFailed(purpose TokenPurpose) {
	m.DeliveryFailures.WithLabelValues(string(purpose)).Inc()
}

func (m *Metrics) observeHash(start time.Time) {
	m.HashDuration.Observe(time.Since(start).Seconds())
}
