package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephemera_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephemera_paste_consumed_total",
		Help: "no. of successful consuming reads",
	})
	PasteUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephemera_paste_unavailable_total",
			Help: "no. of reads that found nothing to serve",
		},
		[]string{"reason"},
	)
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephemera_id_collisions_total",
		Help: "no. of generated handles that were already taken",
	})
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephemera_storage_errors_total",
			Help: "no. of failed storage operations",
		},
		[]string{"op"},
	)
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephemera_dek_cache_hits_total",
		Help: "no. of unwrapped data key cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephemera_dek_cache_misses_total",
		Help: "no. of unwrapped data key cache misses",
	})
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephemera_encryption_operations_total",
			Help: "no. of seal/open operations",
		},
		[]string{"operation"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ephemera_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephemera_sweep_cycles_total",
		Help: "no. of retention sweep cycles",
	})
	SweptRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephemera_swept_pastes_total",
		Help: "no. of retired pastes physically removed",
	})
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephemera_events_published_total",
			Help: "no. of lifecycle events handed to the broker",
		},
		[]string{"type", "result"},
	)
)

const (
	ReasonNotFound = "not_found"
	ReasonRetired  = "retired"
)
