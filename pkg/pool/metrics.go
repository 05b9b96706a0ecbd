package pool

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of a container pool.
type Metrics struct {
	containers      *prometheus.GaugeVec
	acquireTotal    *prometheus.CounterVec
	startsTotal     *prometheus.CounterVec
	stopsTotal      *prometheus.CounterVec
	startDuration   *prometheus.HistogramVec
	allocatedCPU    prometheus.Gauge
	allocatedMemory prometheus.Gauge
	launchTokens    *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		containers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pool_containers",
				Help: "Number of live containers by class and state",
			},
			[]string{"class", "state"},
		),

		acquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pool_acquire_total",
				Help: "Container acquisitions by result (scope, reuse, start, exhausted, error)",
			},
			[]string{"result"},
		),

		startsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pool_container_starts_total",
				Help: "Total number of containers started by class",
			},
			[]string{"class"},
		),

		stopsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pool_container_stops_total",
				Help: "Total number of containers stopped by reason",
			},
			[]string{"reason"},
		),

		startDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pool_container_start_duration_seconds",
				Help:    "Time taken to start a container",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"class"},
		),

		allocatedCPU: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pool_allocated_cpu",
				Help: "CPUs reserved by live containers",
			},
		),

		allocatedMemory: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pool_allocated_memory_gb",
				Help: "Memory in GB reserved by live containers",
			},
		),

		launchTokens: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pool_launch_tokens_available",
				Help: "Container launches available before the rate limit applies",
			},
			[]string{"class"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.containers,
		m.acquireTotal,
		m.startsTotal,
		m.stopsTotal,
		m.startDuration,
		m.allocatedCPU,
		m.allocatedMemory,
		m.launchTokens,
	)

	return m
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) recordAcquire(result string) {
	m.acquireTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) recordStart(class string, seconds float64) {
	m.startsTotal.WithLabelValues(class).Inc()
	m.startDuration.WithLabelValues(class).Observe(seconds)
}

func (m *Metrics) recordStop(reason string) {
	m.stopsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) updateUsage(s Stats) {
	for _, class := range []string{ClassStandard, ClassDocker} {
		c := s.ByClass[class]
		m.containers.WithLabelValues(class, "idle").Set(float64(c.Idle))
		m.containers.WithLabelValues(class, "busy").Set(float64(c.Busy))
		m.containers.WithLabelValues(class, "starting").Set(float64(c.Starting))
		if c.LaunchLimited {
			m.launchTokens.WithLabelValues(class).Set(c.LaunchTokens)
		}
	}
	m.allocatedCPU.Set(s.CPU)
	m.allocatedMemory.Set(s.MemGB)
}
