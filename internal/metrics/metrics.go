// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "studio"

var (
	// DiffsComputed counts diff trees built. Labels: source (api, compare, view, cli).
	DiffsComputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "diff",
		Name:      "computed_total",
		Help:      "Total document diffs computed",
	}, []string{"source"})

	DiffDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "diff",
		Name:      "duration_seconds",
		Help:      "Time spent computing a diff tree",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// Resolutions counts history comparisons by outcome (ok, error, stale, not_loaded).
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "history",
		Name:      "resolutions_total",
		Help:      "Total comparison resolutions by outcome",
	}, []string{"outcome"})

	// SnapshotCache counts cache lookups. Labels: result (hit, miss, error).
	SnapshotCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot_cache",
		Name:      "lookups_total",
		Help:      "Snapshot cache lookups by result",
	}, []string{"result"})

	// ArchiveReads counts archive tier reads. Labels: result (hit, miss, error).
	ArchiveReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot_archive",
		Name:      "reads_total",
		Help:      "Snapshot archive reads by result",
	}, []string{"result"})

	OpenViews = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "history",
		Name:      "open_views",
		Help:      "History views currently held by the API",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
