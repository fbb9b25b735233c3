// Package metrics exposes Prometheus instrumentation for the detection pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "drivedetect"

// Metrics holds the pipeline collectors. All methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	samplesReceived  *prometheus.CounterVec
	samplesDiscarded *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	driving          prometheus.Gauge
	smoothedSpeed    prometheus.Gauge
	sessionActive    prometheus.Gauge
	providers        prometheus.Gauge
	telemetrySent    prometheus.Counter
	telemetryFailed  *prometheus.CounterVec
	telemetryLatency prometheus.Histogram
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		samplesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_received_total",
			Help:      "Location samples received per provider.",
		}, []string{"provider"}),
		samplesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_discarded_total",
			Help:      "Location samples discarded, by reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Driving state transitions, by target state.",
		}, []string{"state"}),
		driving: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "driving",
			Help:      "1 while the device is classified as driving.",
		}),
		smoothedSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "smoothed_speed_mps",
			Help:      "Current sliding-window average speed in m/s.",
		}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while the location ingest session is active.",
		}),
		providers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "providers_subscribed",
			Help:      "Number of location providers currently subscribed.",
		}),
		telemetrySent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_reports_sent_total",
			Help:      "Telemetry reports acknowledged with a 2xx response.",
		}),
		telemetryFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_reports_failed_total",
			Help:      "Telemetry reports dropped after a failure, by reason.",
		}, []string{"reason"}),
		telemetryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "telemetry_report_duration_seconds",
			Help:      "Duration of telemetry POST requests.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.samplesReceived,
		m.samplesDiscarded,
		m.transitions,
		m.driving,
		m.smoothedSpeed,
		m.sessionActive,
		m.providers,
		m.telemetrySent,
		m.telemetryFailed,
		m.telemetryLatency,
	)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SampleReceived(provider string) {
	if m == nil {
		return
	}
	m.samplesReceived.WithLabelValues(provider).Inc()
}

func (m *Metrics) SampleDiscarded(reason string) {
	if m == nil {
		return
	}
	m.samplesDiscarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) SmoothedSpeed(v float64) {
	if m == nil {
		return
	}
	m.smoothedSpeed.Set(v)
}

func (m *Metrics) Transition(driving bool) {
	if m == nil {
		return
	}
	state := "idle"
	if driving {
		state = "driving"
	}
	m.transitions.WithLabelValues(state).Inc()
	m.driving.Set(boolToFloat(driving))
}

// SessionActive records whether the ingest session is running; stopping
// also clears the driving gauge since classification state is reset
func (m *Metrics) SessionActive(active bool) {
	if m == nil {
		return
	}
	m.sessionActive.Set(boolToFloat(active))
	if !active {
		m.driving.Set(0)
		m.smoothedSpeed.Set(0)
		m.providers.Set(0)
	}
}

func (m *Metrics) ProvidersSubscribed(n int) {
	if m == nil {
		return
	}
	m.providers.Set(float64(n))
}

func (m *Metrics) TelemetrySent(d time.Duration) {
	if m == nil {
		return
	}
	m.telemetrySent.Inc()
	m.telemetryLatency.Observe(d.Seconds())
}

func (m *Metrics) TelemetryFailed(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.telemetryFailed.WithLabelValues(reason).Inc()
	m.telemetryLatency.Observe(d.Seconds())
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
