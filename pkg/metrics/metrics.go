package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "doublezero_scd_build_info",
			Help: "Build information of the SCD merge tool",
		},
		[]string{"version", "commit", "date"},
	)

	MergeRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doublezero_scd_merge_runs_total",
		Help: "Total merge runs by outcome.",
	}, []string{"table", "result"})

	MergeRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doublezero_scd_merge_rows_total",
		Help: "Total classified source rows by class.",
	}, []string{"table", "class"})

	MergeDroppedRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doublezero_scd_merge_dropped_rows_total",
		Help: "Total in-batch duplicate rows superseded by a later row for the same key.",
	}, []string{"table"})

	MergeMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doublezero_scd_merge_mutations_total",
		Help: "Total rows written by operation.",
	}, []string{"table", "op"})

	MergeConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doublezero_scd_merge_write_conflicts_total",
		Help: "Total merge attempts aborted by a write conflict.",
	}, []string{"table"})

	MergeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "doublezero_scd_merge_duration_seconds",
		Help:    "Duration of merge runs.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"table"})
)
