// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Package-level metrics so registries can record without holding a handle
// to the observability server. The validation counter carries the internal
// distinction between not-found, expired and logged-out that the API
// deliberately collapses into a single invalid outcome.
var (
	sessionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authd_sessions_created_total",
		Help: "Total number of sessions issued",
	}, []string{"backend"})

	sessionValidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authd_session_validations_total",
		Help: "Total number of session validations by result",
	}, []string{"backend", "result"})

	sessionsInvalidated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authd_sessions_invalidated_total",
		Help: "Total number of sessions invalidated by cause",
	}, []string{"backend", "cause"})

	sessionsSwept = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authd_sessions_swept_total",
		Help: "Total number of expired sessions removed by the sweep",
	}, []string{"backend"})
)

// RegisterMetrics registers the session counters with a Prometheus registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(sessionsCreated)
	reg.MustRegister(sessionValidations)
	reg.MustRegister(sessionsInvalidated)
	reg.MustRegister(sessionsSwept)
}

// Validation results recorded on the validations counter.
const (
	ResultValid     = "valid"
	ResultNotFound  = "not_found"
	ResultExpired   = "expired"
	ResultLoggedOut = "logged_out"
)

// Invalidation causes recorded on the invalidations counter.
const (
	CauseLogout  = "logout"
	CauseRevoked = "revoked"
	CauseEvicted = "evicted"
)

// RecordCreated increments the issuance counter.
func RecordCreated(backend string) {
	sessionsCreated.WithLabelValues(backend).Inc()
}

// RecordValidation increments the validation counter for a result.
func RecordValidation(backend, result string) {
	sessionValidations.WithLabelValues(backend, result).Inc()
}

// RecordInvalidated increments the invalidation counter for a cause.
func RecordInvalidated(backend, cause string) {
	sessionsInvalidated.WithLabelValues(backend, cause).Inc()
}

// RecordSwept adds the number of records removed by an expiry sweep.
func RecordSwept(backend string, n int) {
	if n > 0 {
		sessionsSwept.WithLabelValues(backend).Add(float64(n))
	}
}
