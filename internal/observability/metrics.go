package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emmett/parlo/internal/progress"
)

const namespace = "parlo"

// Metrics groups all Prometheus instruments used by the engine.
type Metrics struct {
	ActiveRecordings    prometheus.Gauge
	SessionTransitions  *prometheus.CounterVec
	RecognizerRestarts  *prometheus.CounterVec
	RecognitionFaults   *prometheus.CounterVec
	SubmissionLatency   prometheus.Histogram
	SubmissionFailures  prometheus.Counter
	SectionsCompleted   *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	ConversationsActive prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics registers the instruments on reg. A nil reg uses a fresh
// registry so several instances can coexist in tests.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveRecordings: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_recordings",
			Help:      "Number of practice sessions currently recording.",
		}),
		SessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Practice session state transitions.",
		}, []string{"from", "to"}),
		RecognizerRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognizer_restarts_total",
			Help:      "Recognizer restarts by reason.",
		}, []string{"reason"}),
		RecognitionFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_faults_total",
			Help:      "Recognition errors by code and severity.",
		}, []string{"code", "fatal"}),
		SubmissionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_latency_ms",
			Help:      "Time to score a submission in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 1500, 2500, 5000},
		}),
		SubmissionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submission_failures_total",
			Help:      "Submissions that failed to score.",
		}),
		SectionsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sections_completed_total",
			Help:      "Curriculum sections finished, by outcome.",
		}, []string{"section", "completed"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ConversationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversations_active",
			Help:      "Role-play conversations held by the tool server.",
		}),
		gatherer: reg,
	}
}

func (m *Metrics) RecognizerRestarted(reason string) {
	m.RecognizerRestarts.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecognitionFault(code string, fatal bool) {
	m.RecognitionFaults.WithLabelValues(code, strconv.FormatBool(fatal)).Inc()
}

func (m *Metrics) SessionTransition(from, to string) {
	m.SessionTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordingActive(delta float64) {
	m.ActiveRecordings.Add(delta)
}

func (m *Metrics) SubmissionObserved(d time.Duration, err error) {
	if err != nil {
		m.SubmissionFailures.Inc()
		return
	}
	m.SubmissionLatency.Observe(float64(d.Milliseconds()))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SectionCompleted counts a finished curriculum section. It satisfies
// progress.Sink so metrics can sit alongside the persistent sinks.
func (m *Metrics) SectionCompleted(_ context.Context, event progress.Event) error {
	m.SectionsCompleted.WithLabelValues(event.Section, strconv.FormatBool(event.Completed)).Inc()
	return nil
}
