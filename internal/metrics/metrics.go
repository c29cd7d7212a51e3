package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus counters for the experiment router.
type Metrics struct {
	// Global counters
	AssignmentsTotal   prometheus.Counter
	AssignmentsNoMatch prometheus.Counter
	ObservationsTotal  prometheus.Counter
	ExperimentsCreated prometheus.Counter
	ExperimentsStopped prometheus.Counter
	ExperimentsDone    prometheus.Counter
	StorageErrors      prometheus.Counter
	WALErrors          prometheus.Counter

	// Per-experiment/variant labeled metrics
	AssignmentsByVariant  *prometheus.CounterVec
	ObservationsByVariant *prometheus.CounterVec
	AssignmentCacheHits   prometheus.Counter
}

// New creates and registers all metrics.
func New() *Metrics {
	return &Metrics{
		AssignmentsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "abr_assignments_total",
			Help: "Total number of variant assignment requests",
		}),
		AssignmentsNoMatch: promauto.NewCounter(prometheus.CounterOpts{
			Name: "abr_assignments_not_applicable",
			Help: "Assignment requests where routing was not applicable (unknown, expired or inactive experiment)",
		}),
		ObservationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "abr_observations_total",
			Help: "Total number of recorded observations",
		}),
		ExperimentsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "abr_experiments_created",
			Help: "Number of experiments created",
		}),
		ExperimentsStopped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "abr_experiments_stopped",
			Help: "Number of experiments stopped (explicit or lazy expiry)",
		}),
		ExperimentsDone: promauto.NewCounter(prometheus.CounterOpts{
			Name: "abr_experiments_completed",
			Help: "Number of experiments completed via variant promotion",
		}),
		StorageErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "abr_storage_errors",
			Help: "Number of experiment store persistence failures",
		}),
		WALErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "abr_wal_errors",
			Help: "Number of observation WAL write errors",
		}),

		AssignmentsByVariant: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abr_assignments_by_variant",
				Help: "Variant assignments per experiment and variant",
			},
			[]string{"experiment_id", "variant_id"},
		),
		ObservationsByVariant: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abr_observations_by_variant",
				Help: "Recorded observations per experiment and variant",
			},
			[]string{"experiment_id", "variant_id"},
		),
		AssignmentCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "abr_assignment_cache_hits",
			Help: "Sticky assignments served from the LRU memo",
		}),
	}
}
