package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formwarden_events_ingested_total",
			Help: "Total number of notification events ingested, by result.",
		},
		[]string{"result"}, // accepted, duplicate, invalid
	)

	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formwarden_record_state_transitions_total",
			Help: "Total number of delivery record state transitions, by target state.",
		},
		[]string{"state"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formwarden_deliveries_total",
			Help: "Total number of delivery attempts by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formwarden_delivery_latency_seconds",
			Help:    "Latency of successful channel sends.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	ThrottleDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formwarden_throttle_decisions_total",
			Help: "Total throttle gate decisions by channel and verdict.",
		},
		[]string{"channel", "decision"}, // admitted, rejected
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formwarden_retries_total",
			Help: "Total number of scheduled delivery retries by reason.",
		},
		[]string{"reason"}, // timeout, network, http_5xx, ...
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formwarden_dead_letters_total",
			Help: "Total number of records that went terminal without delivery, by reason.",
		},
		[]string{"reason"}, // channel_rejected, retry_budget_exhausted, render_failed
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formwarden_batch_size",
			Help:    "Number of items in closed delivery batches.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
		[]string{"channel"},
	)

	OpenBatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "formwarden_open_batches",
			Help: "Batches currently accumulating in an open window.",
		},
	)
)

// MustRegister registers every collector on the given registry.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsIngestedTotal,
		StateTransitionsTotal,
		DeliveriesTotal,
		DeliveryLatency,
		ThrottleDecisionsTotal,
		RetriesTotal,
		DeadLettersTotal,
		BatchSize,
		OpenBatches,
	)
}

// RecordEventIngested increments the ingest counter for one result class.
func RecordEventIngested(result string) {
	EventsIngestedTotal.WithLabelValues(result).Inc()
}

// RecordStateTransition increments the transition counter for the target state.
func RecordStateTransition(state string) {
	StateTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordDelivery records one send attempt outcome, with latency on success.
func RecordDelivery(channel, outcome string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(channel, outcome).Inc()
	if outcome == "success" {
		DeliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
	}
}

// RecordThrottleDecision records one gate verdict.
func RecordThrottleDecision(channel string, admitted bool) {
	decision := "admitted"
	if !admitted {
		decision = "rejected"
	}
	ThrottleDecisionsTotal.WithLabelValues(channel, decision).Inc()
}

// RecordRetry increments the retry counter for one failure reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDeadLetter increments the dead letter counter for one reason.
func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

// RecordBatchClosed observes the size of one closed batch.
func RecordBatchClosed(channel string, size int) {
	BatchSize.WithLabelValues(channel).Observe(float64(size))
}
