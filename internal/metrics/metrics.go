// Package metrics declares the process-wide Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ParseTotal counts parse attempts by parser and outcome (hit, miss).
var ParseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sochitieu",
	Subsystem: "parser",
	Name:      "parse_total",
	Help:      "Messages run through the parser registry, by winning parser and outcome.",
}, []string{"parser", "outcome"})

// AppendTotal counts ledger appends by result (written, skipped, error).
var AppendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sochitieu",
	Subsystem: "ledger",
	Name:      "append_total",
	Help:      "Ledger append attempts, by result.",
}, []string{"result"})

// SweepDuration observes how long one ingest sweep takes.
var SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "sochitieu",
	Subsystem: "ingest",
	Name:      "sweep_duration_seconds",
	Help:      "Duration of one source sweep, fetch through commit.",
	Buckets:   prometheus.DefBuckets,
})

// HTTPRequests counts API requests by route and status class.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sochitieu",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "API requests, by route and status class.",
}, []string{"route", "status"})
