package call

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus metrics for the call client. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	CallsTotal  *prometheus.CounterVec
	CallsActive prometheus.Gauge

	CallDuration prometheus.Histogram

	TranscriptEntriesTotal *prometheus.CounterVec

	AudioBytesTotal *prometheus.CounterVec

	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_call"
	}

	registry := prometheus.NewRegistry()

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total calls by outcome",
		},
		[]string{"outcome"},
	)

	callsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of active calls",
		},
	)

	callDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	transcriptEntriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_entries_total",
			Help:      "Committed transcript entries by kind",
		},
		[]string{"kind"},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "PCM bytes moved by direction",
		},
		[]string{"direction"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Call failures by error kind",
		},
		[]string{"kind"},
	)

	registry.MustRegister(callsTotal, callsActive, callDuration, transcriptEntriesTotal, audioBytesTotal, errorsTotal)

	return &Metrics{
		registry:               registry,
		CallsTotal:             callsTotal,
		CallsActive:            callsActive,
		CallDuration:           callDuration,
		TranscriptEntriesTotal: transcriptEntriesTotal,
		AudioBytesTotal:        audioBytesTotal,
		ErrorsTotal:            errorsTotal,
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) callConnected() {
	if m == nil {
		return
	}
	m.CallsActive.Inc()
}

func (m *Metrics) callEnded(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(outcome).Inc()
	m.CallDuration.Observe(seconds)
}

func (m *Metrics) callFailed(kind string) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues("failed").Inc()
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) errorRecorded(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) entryCommitted(kind EntryKind) {
	if m == nil {
		return
	}
	m.TranscriptEntriesTotal.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) audioBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}
