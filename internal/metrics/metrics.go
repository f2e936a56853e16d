// Package metrics holds the Prometheus collectors of the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catsync_runs_total",
		Help: "Finished sync runs",
	}, []string{"source", "mode", "status"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catsync_run_duration_seconds",
		Help:    "Wall time of sync runs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"source", "mode"})

	Items = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catsync_items_total",
		Help: "Snapshot items by outcome",
	}, []string{"source", "outcome"})

	AbortedBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catsync_aborted_batches_total",
		Help: "Batches rolled back after a persistence error",
	}, []string{"source"})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "catsync_active_runs",
		Help: "Runs currently executing",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catsync_http_requests_total",
		Help: "API requests",
	}, []string{"route", "method", "status"})
)

// RunOutcome is what a finished run reports to ObserveRun.
type RunOutcome struct {
	Source    string
	Mode      string
	Status    string
	Duration  time.Duration
	Created   int
	Updated   int
	Unchanged int
	Failed    int
	Aborted   int
}

func ObserveRun(o RunOutcome) {
	RunsTotal.WithLabelValues(o.Source, o.Mode, o.Status).Inc()
	RunDuration.WithLabelValues(o.Source, o.Mode).Observe(o.Duration.Seconds())
	Items.WithLabelValues(o.Source, "created").Add(float64(o.Created))
	Items.WithLabelValues(o.Source, "updated").Add(float64(o.Updated))
	Items.WithLabelValues(o.Source, "unchanged").Add(float64(o.Unchanged))
	Items.WithLabelValues(o.Source, "failed").Add(float64(o.Failed))
	if o.Aborted > 0 {
		AbortedBatches.WithLabelValues(o.Source).Add(float64(o.Aborted))
	}
}
