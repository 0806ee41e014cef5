package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Label constants.

	// Shard error variant: `not_leader`, `store_mismatch`, `epoch_stale`,
	// `server_busy`, `stale_command`, `entry_too_large`,
	// `key_out_of_range`, or `other`.
	ShardErrorVariantLabel = "variant"

	// Backoff category, as returned by backoff.Category.String().
	BackoffCategoryLabel = "category"

	// Invalidation event kind, as returned by event.Kind.String().
	EventKindLabel = "kind"

	// Directory lookup outcome: `hit` or `miss`.
	DirectoryEventTypeLabel = "event_type"
)

const (
	kvNamespace = "kvclient"
)

var (
	ShardErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: kvNamespace,
		Subsystem: "handler",
		Name:      "shard_error_count",
		Help:      "The total number of shard-level errors classified, by variant.",
	}, []string{
		ShardErrorVariantLabel,
	})

	RequestFailureCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: kvNamespace,
		Subsystem: "handler",
		Name:      "request_failure_count",
		Help:      "The total number of transport-level request failures classified.",
	})

	BackoffCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: kvNamespace,
		Subsystem: "backoff",
		Name:      "count",
		Help:      "The total number of backoff sleeps applied, by category.",
	}, []string{
		BackoffCategoryLabel,
	})

	CacheInvalidateEventCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: kvNamespace,
		Subsystem: "directory",
		Name:      "cache_invalidate_event_count",
		Help:      "The total number of cache invalidation events emitted, by kind.",
	}, []string{
		EventKindLabel,
	})

	DirectoryLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: kvNamespace,
		Subsystem: "directory",
		Name:      "lookups",
		Help:      "The total number of shard directory lookups, by outcome.",
	}, []string{
		DirectoryEventTypeLabel,
	})
)
