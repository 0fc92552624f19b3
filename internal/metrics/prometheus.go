package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Mutation metrics
	EntriesAppended  *prometheus.CounterVec
	EntriesReplayed  *prometheus.CounterVec
	MutationErrors   *prometheus.CounterVec
	MutationDuration *prometheus.HistogramVec
	MutationRetries  prometheus.Counter

	// Query metrics
	BalanceCacheHits   prometheus.Counter
	BalanceCacheMisses prometheus.Counter

	// Outbox metrics
	OutboxClaimed      prometheus.Counter
	OutboxDelivered    prometheus.Counter
	OutboxRetried      prometheus.Counter
	OutboxDeadLettered prometheus.Counter
	OutboxLeaseLost    prometheus.Counter
	OutboxDeliveryTime prometheus.Histogram
	OutboxRequeued     prometheus.Counter
}

// NewMetrics creates and registers metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EntriesAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_entries_appended_total",
				Help: "Total number of ledger entries written",
			},
			[]string{"reason_code"},
		),

		EntriesReplayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_entries_replayed_total",
				Help: "Total number of appends answered from an existing entry",
			},
			[]string{"source"},
		),

		MutationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_mutation_errors_total",
				Help: "Total number of failed mutations by error kind",
			},
			[]string{"kind", "code"},
		),

		MutationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_mutation_duration_seconds",
				Help:    "Duration of mutation transactions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		MutationRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_mutation_retries_total",
			Help: "Total number of transient mutation retries",
		}),

		BalanceCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_balance_cache_hits_total",
			Help: "Total number of balance cache hits",
		}),

		BalanceCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_balance_cache_misses_total",
			Help: "Total number of balance cache misses",
		}),

		OutboxClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_records_claimed_total",
			Help: "Total number of outbox records claimed",
		}),

		OutboxDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_records_delivered_total",
			Help: "Total number of outbox records delivered",
		}),

		OutboxRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_records_retried_total",
			Help: "Total number of failed deliveries scheduled for retry",
		}),

		OutboxDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_records_dead_lettered_total",
			Help: "Total number of outbox records moved to dead letter",
		}),

		OutboxLeaseLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_lease_lost_total",
			Help: "Total number of state writes dropped because the lease moved",
		}),

		OutboxDeliveryTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_delivery_duration_seconds",
			Help:    "Duration of sink deliveries",
			Buckets: prometheus.DefBuckets,
		}),

		OutboxRequeued: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_records_requeued_total",
			Help: "Total number of dead letters requeued",
		}),
	}
}

func (m *Metrics) RecordAppend(reasonCode string, replayed bool, source string) {
	if m == nil {
		return
	}
	if replayed {
		m.EntriesReplayed.WithLabelValues(source).Inc()
		return
	}
	m.EntriesAppended.WithLabelValues(reasonCode).Inc()
}

func (m *Metrics) RecordMutationError(kind, code string) {
	if m == nil {
		return
	}
	m.MutationErrors.WithLabelValues(kind, code).Inc()
}

func (m *Metrics) ObserveMutation(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.MutationDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.MutationRetries.Inc()
}

func (m *Metrics) RecordCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.BalanceCacheHits.Inc()
	} else {
		m.BalanceCacheMisses.Inc()
	}
}

func (m *Metrics) RecordClaimed(n int) {
	if m == nil {
		return
	}
	m.OutboxClaimed.Add(float64(n))
}

// RecordDelivery counts one delivery attempt by its resulting state.
func (m *Metrics) RecordDelivery(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.OutboxDeliveryTime.Observe(d.Seconds())
	switch status {
	case "delivered":
		m.OutboxDelivered.Inc()
	case "pending":
		m.OutboxRetried.Inc()
	case "dead_letter":
		m.OutboxDeadLettered.Inc()
	}
}

func (m *Metrics) RecordLeaseLost() {
	if m == nil {
		return
	}
	m.OutboxLeaseLost.Inc()
}

func (m *Metrics) RecordRequeue() {
	if m == nil {
		return
	}
	m.OutboxRequeued.Inc()
}
