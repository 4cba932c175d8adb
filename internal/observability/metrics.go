package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreOps counts graph backend operations by backend and operation.
	StoreOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedgraph_store_ops_total",
		Help: "Total number of graph backend operations",
	}, []string{"backend", "op"})

	// StoreErrors counts graph backend errors by backend and operation.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedgraph_store_errors_total",
		Help: "Total number of graph backend errors",
	}, []string{"backend", "op"})

	// StoreOpLatency records backend operation latency.
	StoreOpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedgraph_store_op_latency_seconds",
		Help:    "Graph backend operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})

	// IndexWriteFailures counts fan-out or tombstone writes that did not complete.
	IndexWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedgraph_index_write_failures_total",
		Help: "Index writes that failed and were left for a later retry",
	}, []string{"index"})

	// PostsPublished counts successful publishes.
	PostsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgraph_posts_published_total",
		Help: "Total number of posts published",
	})

	// DeletePruned counts references tombstoned by deletes.
	DeletePruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgraph_delete_pruned_total",
		Help: "Total number of index references tombstoned by deletes",
	})

	// SubscriptionsActive is the gauge of open index subscriptions.
	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedgraph_subscriptions_active",
		Help: "Number of open index subscriptions",
	})

	// ListenersActive is the gauge of attached graph listeners.
	ListenersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedgraph_listeners_active",
		Help: "Number of attached graph listeners",
	})

	// SubscriptionDuplicates counts redelivered references suppressed by dedup.
	SubscriptionDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgraph_subscription_duplicates_total",
		Help: "References redelivered to a subscription after already being emitted",
	})

	// ProfileCacheLookups counts profile cache hits and misses.
	ProfileCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedgraph_profile_cache_total",
		Help: "Profile cache lookups by result",
	}, []string{"result"})

	// ActiveStreams is the gauge of open WebSocket feed streams.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedgraph_streams_active",
		Help: "Number of open WebSocket feed streams",
	})
)

// TrackStoreOp counts an operation and returns a function that records its
// latency when called (e.g. defer).
func TrackStoreOp(backend, op string) func() {
	StoreOps.WithLabelValues(backend, op).Inc()
	start := time.Now()
	return func() {
		StoreOpLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	}
}

// ListenerDelta adjusts the listener gauge; used as a graph listener hook.
func ListenerDelta(delta int) {
	ListenersActive.Add(float64(delta))
}
