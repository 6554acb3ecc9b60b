package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CalculationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_commission_calculations_total",
			Help: "Total number of commission calculations by outcome",
		},
		[]string{"outcome"}, // "completed", "partial", "skipped", "fatal"
	)

	CalculationStageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_commission_stage_failures_total",
			Help: "Total number of failed calculation stages",
		},
		[]string{"stage"},
	)

	CalculationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "affiliate_commission_calculation_duration_seconds",
			Help:    "Duration of commission calculations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
	)

	CommissionsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_commissions_created_total",
			Help: "Total number of commission records created",
		},
		[]string{"type", "status"},
	)

	CommissionsPaidTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affiliate_commissions_paid_total",
			Help: "Total number of commissions transitioned to PAID",
		},
	)

	ThresholdTripsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affiliate_reconsumption_threshold_trips_total",
			Help: "Total number of participants locked after reaching their reconsumption threshold",
		},
	)

	TierTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_tier_transitions_total",
			Help: "Total number of package tier transitions",
		},
		[]string{"reason"}, // "upgrade", "restore"
	)

	BranchVolumeUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_branch_volume_updates_total",
			Help: "Total number of atomic branch volume adjustments",
		},
		[]string{"direction"}, // "add", "subtract"
	)

	CatalogCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_catalog_cache_lookups_total",
			Help: "Total number of package catalog lookups by cache result",
		},
		[]string{"result"}, // "hit", "miss"
	)

	PipelineQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "affiliate_pipeline_queue_depth",
			Help: "Number of confirmed orders waiting for commission calculation",
		},
	)
)
