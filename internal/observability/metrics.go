// Package observability defines the Prometheus metrics for the monitoring
// pipeline. All metrics carry the steamwatch_ prefix.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerLoops tracks the number of live per-task control loops.
	SchedulerLoops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "steamwatch_scheduler_loops",
		Help: "Number of active per-task scheduler loops",
	})

	// SchedulerTicks counts tick executions by outcome.
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steamwatch_scheduler_ticks_total",
		Help: "Tick executions by outcome",
	}, []string{"outcome"}) // ok, error, skipped

	// SchedulerRecoveries counts loop recovery attempts by result.
	SchedulerRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steamwatch_scheduler_recoveries_total",
		Help: "Recovery attempts for crashed task loops",
	}, []string{"result"}) // respawned, abandoned, exhausted

	// BusPublishFailures counts failed publish attempts by stream.
	BusPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steamwatch_bus_publish_failures_total",
		Help: "Failed bus publish attempts (retried, never dropped)",
	}, []string{"stream"})

	// BusDepth tracks the pending entry count per stream.
	BusDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "steamwatch_bus_depth",
		Help: "Entries currently pending in a bus stream",
	}, []string{"stream"})

	// ProxyPool tracks pool composition by state.
	ProxyPool = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "steamwatch_proxy_pool",
		Help: "Proxy pool composition by state",
	}, []string{"state"}) // total, active, inactive, blocked, active_blocked

	// ProxyAcquires counts lease attempts by outcome.
	ProxyAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steamwatch_proxy_acquires_total",
		Help: "Proxy lease attempts by outcome",
	}, []string{"outcome"}) // ok, none_available, unlocked

	// ProxyBlocks counts rate-limit blocks applied to proxies.
	ProxyBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steamwatch_proxy_blocks_total",
		Help: "Temporal blocks applied after rate-limit signals",
	})

	// FetchOutcomes counts Fetcher results by classified kind.
	FetchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steamwatch_fetch_outcomes_total",
		Help: "Fetcher outcomes by classified kind",
	}, []string{"kind"}) // ok, rate_limited, upstream_5xx, transport, parse

	// FetchDuration tracks end-to-end fetch latency.
	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "steamwatch_fetch_duration_seconds",
		Help:    "Fetch latency through a leased proxy",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	})

	// ResultsProcessed counts check results consumed by disposition.
	ResultsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steamwatch_results_processed_total",
		Help: "Check results consumed by the processor",
	}, []string{"disposition"}) // ok, failed_check, task_gone, error

	// ItemsFound counts newly inserted found_items rows.
	ItemsFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steamwatch_items_found_total",
		Help: "Newly recorded matching listings",
	})

	// Notifications counts notifier invocations by outcome.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steamwatch_notifications_total",
		Help: "Notification deliveries by outcome",
	}, []string{"outcome"}) // sent, error

	// DeadLetters counts messages routed to the dead stream.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steamwatch_dead_letters_total",
		Help: "Messages moved to the dead-letter stream",
	}, []string{"stream", "reason"})

	// SessionsOpen tracks store sessions currently open.
	SessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "steamwatch_store_sessions_open",
		Help: "Store sessions currently open (leak indicator)",
	})

	// StoreLatency tracks store round-trip latency.
	StoreLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "steamwatch_store_latency_seconds",
		Help:    "Store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	// WorkersAlive tracks workerd processes with a fresh heartbeat.
	WorkersAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "steamwatch_workers_alive",
		Help: "Worker processes with an unexpired heartbeat",
	})
)
