package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics exposes per-command RPC counters and latencies. getinfo's
// "aggregate counters" (spec §4.9) are read back out of these via
// TotalCalls/TotalErrors rather than a separate bookkeeping path.
type Metrics struct {
	calls    *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	registry *prometheus.Registry
}

// NewMetrics builds a Metrics bound to a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lightningd",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Total RPC calls received, by method.",
		}, []string{"method"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lightningd",
			Subsystem: "rpc",
			Name:      "errors_total",
			Help:      "Total RPC calls that returned an error, by method.",
		}, []string{"method"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lightningd",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "RPC call handler latency, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		registry: reg,
	}

	reg.MustRegister(m.calls, m.errors, m.latency)
	return m
}

// Registry returns the prometheus registry backing these metrics, for
// wiring into an HTTP /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveCall increments the call counter for method and returns a
// closure that records the handler's latency when invoked.
func (m *Metrics) ObserveCall(method string) func() {
	m.calls.WithLabelValues(method).Inc()
	start := time.Now()
	return func() {
		m.latency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}

// ObserveError increments the error counter for method.
func (m *Metrics) ObserveError(method string) {
	m.errors.WithLabelValues(method).Inc()
}

// TotalCalls sums the call counter across every method, for getinfo's
// aggregate counters.
func (m *Metrics) TotalCalls() (float64, error) {
	return sumCounterVec(m.calls)
}

// TotalErrors sums the error counter across every method.
func (m *Metrics) TotalErrors() (float64, error) {
	return sumCounterVec(m.errors)
}

func sumCounterVec(vec *prometheus.CounterVec) (float64, error) {
	metricCh := make(chan prometheus.Metric)
	go func() {
		vec.Collect(metricCh)
		close(metricCh)
	}()

	var total float64
	for m := range metricCh {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			return 0, err
		}
		total += pb.GetCounter().GetValue()
	}
	return total, nil
}
