package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
)

var (
	eventsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_pulse",
			Name:      "events_ingested_total",
			Help:      "Total number of events accepted into the queue.",
		},
	)

	eventsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_pulse",
			Name:      "events_rejected_total",
			Help:      "Total number of rejected ingestion attempts, partitioned by reason.",
		},
		[]string{"reason"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_pulse",
			Name:      "queue_depth",
			Help:      "Current number of events buffered in the ingest queue.",
		},
	)

	drainBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_pulse",
			Name:      "drain_batch_size",
			Help:      "Events persisted per drain batch.",
			Buckets:   []float64{1, 5, 10, 25, 50, 75, 100},
		},
	)

	droppedBatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_pulse",
			Name:      "dropped_batches_total",
			Help:      "Drain batches dropped after a failed bulk insert.",
		},
	)

	broadcastSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_pulse",
			Name:      "broadcast_sessions",
			Help:      "Currently attached broadcast sessions.",
		},
	)

	broadcastDroppedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_pulse",
			Name:      "broadcast_dropped_frames_total",
			Help:      "Frames dropped because a session outbound buffer overflowed.",
		},
	)

	aggregationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_pulse",
			Name:      "aggregation_runs_total",
			Help:      "Aggregation worker runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	aggregationRunSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_pulse",
			Name:      "aggregation_run_seconds",
			Help:      "Aggregation run latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	aiCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_pulse",
			Name:      "ai_calls_total",
			Help:      "AI completion calls, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	aiCallSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_pulse",
			Name:      "ai_call_seconds",
			Help:      "AI completion latency in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	aiTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_pulse",
			Name:      "ai_tokens_total",
			Help:      "Tokens consumed by AI completions, partitioned by direction.",
		},
		[]string{"direction"},
	)

	breakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_pulse",
			Name:      "breaker_state",
			Help:      "AI circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
	)
)

// Register attaches pulse collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsIngestedTotal,
		eventsRejectedTotal,
		queueDepth,
		drainBatchSize,
		droppedBatchesTotal,
		broadcastSessions,
		broadcastDroppedFrames,
		aggregationRunsTotal,
		aggregationRunSeconds,
		aiCallsTotal,
		aiCallSeconds,
		aiTokensTotal,
		breakerState,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIngest records an accepted event.
func ObserveIngest() {
	eventsIngestedTotal.Inc()
}

// ObserveRejection records a rejected ingestion attempt.
func ObserveRejection(reason string) {
	eventsRejectedTotal.WithLabelValues(reason).Inc()
}

// SetQueueDepth publishes the current queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// ObserveDrain records one drain batch.
func ObserveDrain(size int, dropped bool) {
	drainBatchSize.Observe(float64(size))
	if dropped {
		droppedBatchesTotal.Inc()
	}
}

// SetBroadcastSessions publishes the attached session count.
func SetBroadcastSessions(n int) {
	broadcastSessions.Set(float64(n))
}

// ObserveDroppedFrame records a frame lost to a slow subscriber.
func ObserveDroppedFrame() {
	broadcastDroppedFrames.Inc()
}

// ObserveAggregationRun records an aggregation run duration and outcome.
func ObserveAggregationRun(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	aggregationRunsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	aggregationRunSeconds.Observe(duration.Seconds())
}

// ObserveAICall records an AI completion attempt with its token usage.
func ObserveAICall(duration time.Duration, outcome string, inputTokens, outputTokens int) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	aiCallsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	aiCallSeconds.Observe(duration.Seconds())
	if inputTokens > 0 {
		aiTokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		aiTokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
}

// SetBreakerState publishes the numeric breaker state.
func SetBreakerState(state int) {
	breakerState.Set(float64(state))
}
