package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockKeys reports the number of keys currently held or awaited.
	LockKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spawn_lock_keys",
		Help: "Current number of keys present in the lock table",
	})
	// LockWaits counts acquisitions that had to wait for another holder.
	LockWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spawn_lock_waits_total",
		Help: "Total number of contended lock acquisitions",
	})
	// Transitions counts processed transition halves by direction.
	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spawn_transitions_total",
		Help: "Total number of processed membership transition halves",
	}, []string{"direction"})
	// TransitionFailures counts transition halves that were abandoned.
	TransitionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spawn_transition_failures_total",
		Help: "Total number of failed membership transition halves",
	}, []string{"direction"})
	// TransitionDuration observes the time spent inside a locked section.
	TransitionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spawn_transition_duration_seconds",
		Help:    "Duration of membership transition halves",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})
	// PairsCreated counts spawned pairs.
	PairsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spawn_pairs_created_total",
		Help: "Total number of spawned pairs created",
	})
	// PairsDeleted counts pairs torn down after emptying or group deletion.
	PairsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spawn_pairs_deleted_total",
		Help: "Total number of spawned pairs deleted",
	})
	// PairsPruned counts stale pair records removed by the renumbering pass.
	PairsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spawn_pairs_pruned_total",
		Help: "Total number of stale pair records removed",
	})
	// Renames counts rename calls issued to the provider.
	Renames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spawn_renames_total",
		Help: "Total number of resource renames",
	})
	// CapacityRejections counts joins refused by the platform limits.
	CapacityRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spawn_capacity_rejections_total",
		Help: "Total number of joins rejected for capacity",
	})
	// IngestEvents counts decoded inbound events by source.
	IngestEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spawn_ingest_events_total",
		Help: "Total number of ingested platform events",
	}, []string{"source"})
	// IngestErrors counts inbound messages that could not be decoded.
	IngestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spawn_ingest_errors_total",
		Help: "Total number of undecodable platform events",
	}, []string{"source"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Register registers every spawn collector on reg. It panics on duplicate
// registration.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		LockKeys, LockWaits,
		Transitions, TransitionFailures, TransitionDuration,
		PairsCreated, PairsDeleted, PairsPruned, Renames, CapacityRejections,
		IngestEvents, IngestErrors,
	)
}
