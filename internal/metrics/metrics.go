// Package metrics defines the Prometheus metrics exported by the undelete
// proxy. Provisioning failures in particular are meant to be alerted on:
// near-limit names and full clusters are operational conditions, not
// something the filter retries its way out of.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TrashCopiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "undelete_trash_copies_total",
			Help: "Trash copy attempts by outcome",
		},
		[]string{"outcome"},
	)

	ProvisioningFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "undelete_provisioning_failures_total",
			Help: "Trash account/container provisioning failures by reason",
		},
		[]string{"reason"},
	)

	BlockedDeletesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "undelete_blocked_deletes_total",
			Help: "DELETE requests refused because the trash copy failed",
		},
	)

	PassthroughTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "undelete_passthrough_total",
			Help: "Object DELETE requests passed through without a trash copy",
		},
		[]string{"reason"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "undelete_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// Trash copy outcomes.
const (
	OutcomeCopied       = "copied"
	OutcomeMissing      = "source_missing"
	OutcomeFailedOpen   = "failed_open"
	OutcomeFailedClosed = "failed_closed"
)

// Passthrough reasons.
const (
	ReasonDisabled       = "disabled"
	ReasonTrashContainer = "trash_container"
)
