package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	ActiveSessions        prometheus.Gauge
	SessionEvents         *prometheus.CounterVec
	RelayFrames           *prometheus.CounterVec
	RelayFramesDropped    *prometheus.CounterVec
	CodecErrors           *prometheus.CounterVec
	BackendConnectLatency prometheus.Histogram
	FirstAudioLatency     prometheus.Histogram

	gatherer prometheus.Gatherer
	window   *latencyWindow
}

// NewMetrics registers the relay instruments on reg, or on the default registry when
// reg is nil.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions in the registry.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		RelayFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Frames relayed by leg and kind.",
		}, []string{"leg", "kind"}),
		RelayFramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_dropped_total",
			Help:      "Frames dropped by leg and reason.",
		}, []string{"leg", "reason"}),
		CodecErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codec_errors_total",
			Help:      "Audio frames that failed transcoding by direction.",
		}, []string{"direction"}),
		BackendConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_connect_ms",
			Help:      "Latency of backend dial plus config handshake in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 400, 800, 1600, 3200},
		}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_backend_audio_ms",
			Help:      "Latency from backend ready to first backend audio frame in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		gatherer: gatherer,
		window:   newLatencyWindow(DefaultLatencyWindow),
	}
}

func (m *Metrics) ObserveBackendConnect(d time.Duration) {
	ms := float64(d.Milliseconds())
	m.BackendConnectLatency.Observe(ms)
	m.window.observeConnect(ms)
}

func (m *Metrics) ObserveFirstAudio(d time.Duration) {
	ms := float64(d.Milliseconds())
	m.FirstAudioLatency.Observe(ms)
	m.window.observeFirstAudio(ms)
}

// ObserveDialFailure counts a failed backend dial under its failure class.
func (m *Metrics) ObserveDialFailure(class string) {
	m.window.observeDialFailure(class)
}

func (m *Metrics) LatencySnapshot() LatencySnapshot {
	return m.window.snapshot()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
