// Package metrics holds the Prometheus collectors of the event core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	snapshotConflicts  *prometheus.CounterVec
	outboxRows         *prometheus.CounterVec
	relayPublished     *prometheus.CounterVec
	relayFailures      *prometheus.CounterVec
	listenerRecords    *prometheus.CounterVec
	duplicateSentinels *prometheus.CounterVec
	consumerDuration   *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		snapshotConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_snapshot_conflicts_total",
			Help: "Optimistic concurrency conflicts while applying events to snapshots",
		}, []string{"aggregate_type"}),
		outboxRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_outbox_rows_written_total",
			Help: "Rows written to outbox tables",
		}, []string{"table", "tombstone"}),
		relayPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_relay_messages_published_total",
			Help: "Outbox rows published to Kafka and removed",
		}, []string{"table"}),
		relayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_relay_failures_total",
			Help: "Failed relay batches",
		}, []string{"table"}),
		listenerRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_listener_records_total",
			Help: "Records classified by business transaction aware listeners",
		}, []string{"processor", "classification"}),
		duplicateSentinels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_listener_duplicate_sentinels_total",
			Help: "Duplicate business transaction started or finished records that were skipped",
		}, []string{"processor", "kind"}),
		consumerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventcore_consumer_message_duration_seconds",
			Help:    "Time to process one consumed message including the local commit",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
	}
	reg.MustRegister(
		m.snapshotConflicts,
		m.outboxRows,
		m.relayPublished,
		m.relayFailures,
		m.listenerRecords,
		m.duplicateSentinels,
		m.consumerDuration,
	)
	return m
}

// Handler serves the default gatherer unless a registry is given.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SnapshotConflict(aggregateType string) {
	if m == nil {
		return
	}
	m.snapshotConflicts.WithLabelValues(aggregateType).Inc()
}

func (m *Metrics) OutboxRowsWritten(table string, tombstone bool, n int) {
	if m == nil || n == 0 {
		return
	}
	label := "false"
	if tombstone {
		label = "true"
	}
	m.outboxRows.WithLabelValues(table, label).Add(float64(n))
}

func (m *Metrics) RelayPublished(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.relayPublished.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) RelayFailed(table string) {
	if m == nil {
		return
	}
	m.relayFailures.WithLabelValues(table).Inc()
}

func (m *Metrics) ListenerRecord(processor, classification string) {
	if m == nil {
		return
	}
	m.listenerRecords.WithLabelValues(processor, classification).Inc()
}

func (m *Metrics) DuplicateSentinel(processor, kind string) {
	if m == nil {
		return
	}
	m.duplicateSentinels.WithLabelValues(processor, kind).Inc()
}

func (m *Metrics) ConsumerObserve(topic string, d time.Duration) {
	if m == nil {
		return
	}
	m.consumerDuration.WithLabelValues(topic).Observe(d.Seconds())
}
