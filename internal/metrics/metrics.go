// Package metrics exposes call accounting as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chadiek/call-receptionist/internal/audio"
	"github.com/chadiek/call-receptionist/internal/call"
)

// Metrics holds the receptionist's collectors on a private registry.
// It implements call.Observer.
type Metrics struct {
	registry *prometheus.Registry

	Frames       *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	BargeIns     prometheus.Counter
	FlushLatency prometheus.Histogram
	ModelErrors  prometheus.Counter
	Synthesis    prometheus.Counter
	Recognizer   prometheus.Counter
	Transfers    *prometheus.CounterVec

	SessionsActive prometheus.Gauge
	SessionsEnded  *prometheus.CounterVec
	Appointments   *prometheus.CounterVec
}

var _ call.Observer = (*Metrics)(nil)

// New registers every collector under namespace (default "receptionist").
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "receptionist"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Audio frames by direction and outcome",
		}, []string{"direction", "outcome", "reason"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_transitions_total",
			Help:      "Call state transitions",
		}, []string{"from", "to", "trigger"}),
		BargeIns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Agent utterances interrupted by the caller",
		}),
		FlushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "barge_in_flush_seconds",
			Help:      "Time from barge-in detection to outbound flush",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1},
		}),
		ModelErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_failures_total",
			Help:      "Language model failures and timeouts",
		}),
		Synthesis: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_failures_total",
			Help:      "Failed speech synthesis attempts",
		}),
		Recognizer: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognizer_restarts_total",
			Help:      "Speech recognizer restarts",
		}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Transfer attempts by outcome",
		}, []string{"outcome"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Calls currently in progress",
		}),
		SessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Finished calls by end reason",
		}, []string{"reason"}),
		Appointments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appointment_actions_total",
			Help:      "Appointment actions by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
	m.registry.MustRegister(
		m.Frames,
		m.Transitions,
		m.BargeIns,
		m.FlushLatency,
		m.ModelErrors,
		m.Synthesis,
		m.Recognizer,
		m.Transfers,
		m.SessionsActive,
		m.SessionsEnded,
		m.Appointments,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) FrameAccepted(dir audio.Direction) {
	m.Frames.WithLabelValues(dir.String(), "accepted", "").Inc()
}

func (m *Metrics) FrameRejected(dir audio.Direction, reason string) {
	m.Frames.WithLabelValues(dir.String(), "rejected", reason).Inc()
}

// FrameDropped counts evictions; flushed frames are reported with reason "flushed".
func (m *Metrics) FrameDropped(dir audio.Direction, reason string) {
	outcome := "dropped"
	if reason == audio.ReasonFlushed {
		outcome = "flushed"
	}
	m.Frames.WithLabelValues(dir.String(), outcome, reason).Inc()
}

func (m *Metrics) Transition(from, to call.State, trigger string) {
	m.Transitions.WithLabelValues(from.String(), to.String(), trigger).Inc()
}

func (m *Metrics) BargeIn(latency time.Duration) {
	m.BargeIns.Inc()
	m.FlushLatency.Observe(latency.Seconds())
}

func (m *Metrics) TransferAttempt(outcome string) { m.Transfers.WithLabelValues(outcome).Inc() }
func (m *Metrics) SynthesisFailure()              { m.Synthesis.Inc() }
func (m *Metrics) RecognizerRestart()             { m.Recognizer.Inc() }
func (m *Metrics) ModelFailure()                  { m.ModelErrors.Inc() }
func (m *Metrics) SessionStarted()                { m.SessionsActive.Inc() }

func (m *Metrics) SessionEnded(reason string) {
	m.SessionsActive.Dec()
	m.SessionsEnded.WithLabelValues(reason).Inc()
}

// AppointmentResult matches appointment.Processor.OnResult.
func (m *Metrics) AppointmentResult(kind, outcome string) {
	m.Appointments.WithLabelValues(kind, outcome).Inc()
}
