package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tracks reconcile ticks by outcome.
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steam_polls_total",
			Help: "Total number of offer reconcile ticks (by result).",
		},
		[]string{"result"}, // result = "success" | "failure" | "skipped"
	)

	// Measures duration of a full reconcile tick.
	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "steam_poll_duration_seconds",
			Help:    "Duration of offer reconcile ticks in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms → ~40s
		},
	)

	// Tracks lifecycle events emitted by the offer engine.
	OfferEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steam_offer_events_total",
			Help: "Total number of offer lifecycle events emitted (by type).",
		},
		[]string{"type"},
	)

	// Tracks the number of outbound Web API calls.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steam_api_requests_total",
			Help: "Total number of Steam Web API requests made (by method and status).",
		},
		[]string{"method", "status"},
	)

	// Measures duration of Web API requests.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steam_api_request_duration_seconds",
			Help:    "Duration of Steam Web API requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"method"},
	)

	// Tracks community-site requests (offer send/accept, confirmations).
	CommunityRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steam_community_requests_total",
			Help: "Total number of community site requests made (by endpoint and status).",
		},
		[]string{"endpoint", "status"},
	)

	// Tracks mobile-confirmation operations by op and result.
	ConfirmationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steam_confirmations_total",
			Help: "Total number of mobile confirmation operations (by op and result).",
		},
		[]string{"op", "result"}, // result = "ok" | "error"
	)

	// Tracks relayed events by sink, topic and result.
	RelayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steam_relay_messages_total",
			Help: "Total number of events relayed to message sinks.",
		},
		[]string{"sink", "topic", "result"}, // result = "ok" | "error"
	)

	RelayPublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steam_relay_publish_latency_seconds",
			Help:    "Time taken to publish relayed events",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	// Tracks total errors (aggregated).
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steam_agent_errors_total",
			Help: "Count of agent-level errors by component.",
		},
		[]string{"component", "reason"},
	)

	// Tracks cache hits and misses for credential lookups.
	SecretsCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steam_secrets_cache_hits_total",
			Help: "Total number of secrets cache lookups (by result).",
		},
		[]string{"result"}, // result = "hit" | "miss"
	)

	// Gauges the last successful poll time (seconds since epoch).
	LastPollTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "steam_last_poll_timestamp",
			Help: "Timestamp (unix seconds) of the last successful offer poll.",
		},
	)

	// Gauges the number of offers currently tracked in poll data.
	TrackedOffers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steam_tracked_offers",
			Help: "Number of offers currently tracked in poll data (by side).",
		},
		[]string{"side"},
	)
)

// ObserveDuration records the time taken since start and updates the given histogram.
func ObserveDuration(v interface{}, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case prometheus.Histogram:
		metric.Observe(duration)
	default:
		// silently ignore counters; they're not meant for duration tracking
	}
}

func IncPoll(result string) {
	PollsTotal.WithLabelValues(result).Inc()
}

func IncOfferEvent(eventType string) {
	OfferEventsTotal.WithLabelValues(eventType).Inc()
}

func IncAPIRequest(method, status string) {
	APIRequestsTotal.WithLabelValues(method, status).Inc()
}

func IncCommunityRequest(endpoint, status string) {
	CommunityRequestsTotal.WithLabelValues(endpoint, status).Inc()
}

func IncConfirmation(op, result string) {
	ConfirmationsTotal.WithLabelValues(op, result).Inc()
}

func IncRelayMessage(sink, topic, result string) {
	RelayMessagesTotal.WithLabelValues(sink, topic, result).Inc()
}

func IncCacheHit(result string) {
	SecretsCacheHits.WithLabelValues(result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

func SetLastPoll(t time.Time) {
	LastPollTimestamp.Set(float64(t.Unix()))
}

func SetTrackedOffers(side string, n int) {
	TrackedOffers.WithLabelValues(side).Set(float64(n))
}
