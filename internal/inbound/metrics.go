package inbound

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the pipeline's Prometheus instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	EnqueuedTotal    *prometheus.CounterVec
	CyclesTotal      *prometheus.CounterVec
	MessagesTotal    *prometheus.CounterVec
	HandlerDuration  *prometheus.HistogramVec
	BusyTotal        prometheus.Counter
	StoreErrorsTotal prometheus.Counter
	ArchivePurged    prometheus.Counter
	ArchiveExported  *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
}

// NewMetrics registers the instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EnqueuedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hl7_inbound_enqueued_total",
				Help: "Total number of messages accepted into the queue",
			},
			[]string{"source"},
		),
		CyclesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hl7_inbound_cycles_total",
				Help: "Total number of processing cycles by outcome",
			},
			[]string{"outcome"},
		),
		MessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hl7_inbound_messages_total",
				Help: "Total number of processed messages by terminal state and error kind",
			},
			[]string{"result", "kind", "message_type"},
		),
		HandlerDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hl7_inbound_handler_duration_seconds",
				Help:    "Duration of handler invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"message_type"},
		),
		BusyTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "hl7_inbound_processor_busy_total",
				Help: "Total number of triggers rejected because a cycle was already running",
			},
		),
		StoreErrorsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "hl7_inbound_store_errors_total",
				Help: "Total number of store failures surfaced to callers",
			},
		),
		ArchivePurged: f.NewCounter(
			prometheus.CounterOpts{
				Name: "hl7_inbound_archive_purged_total",
				Help: "Total number of archive entries removed by retention",
			},
		),
		ArchiveExported: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hl7_inbound_archive_exported_total",
				Help: "Total number of archive entries exported to blob storage",
			},
			[]string{"status"},
		),
		QueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hl7_inbound_store_entries",
				Help: "Current number of entries per store",
			},
			[]string{"store"},
		),
	}
}

func (m *Metrics) enqueued(source string) {
	if m == nil {
		return
	}
	m.EnqueuedTotal.WithLabelValues(labelValue(source)).Inc()
}

func (m *Metrics) cycle(outcome string) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) message(result string, kind ErrorKind, messageType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(result, string(kind), labelValue(messageType)).Inc()
}

func (m *Metrics) handlerSeconds(messageType string, seconds float64) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(labelValue(messageType)).Observe(seconds)
}

// labelValue keeps MSH-9 from a non-UTF-8 feed usable as a label.
func labelValue(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

func (m *Metrics) busy() {
	if m == nil {
		return
	}
	m.BusyTotal.Inc()
}

func (m *Metrics) storeError() {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.Inc()
}

func (m *Metrics) purged(n int64) {
	if m == nil {
		return
	}
	m.ArchivePurged.Add(float64(n))
}

func (m *Metrics) exported(status string) {
	if m == nil {
		return
	}
	m.ArchiveExported.WithLabelValues(status).Inc()
}

// ObserveStats publishes store counts as gauges.
func (m *Metrics) ObserveStats(s Stats) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("pending").Set(float64(s.Pending))
	m.QueueDepth.WithLabelValues("processing").Set(float64(s.Processing))
	m.QueueDepth.WithLabelValues("archive").Set(float64(s.Archived))
	m.QueueDepth.WithLabelValues("error").Set(float64(s.Errored))
}
