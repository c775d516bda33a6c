package processor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics publishes per-tick processing cycle observations and processor lag.
type Metrics struct {
	cyclesTotal   *prometheus.CounterVec
	eventsHandled *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	lag           *prometheus.GaugeVec
}

// NewMetrics registers the processor collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tidemark",
			Subsystem: "processor",
			Name:      "cycles_total",
			Help:      "Processing cycles per processor and outcome.",
		}, []string{"processor", "outcome"}),
		eventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tidemark",
			Subsystem: "processor",
			Name:      "events_handled_total",
			Help:      "Events handled per processor.",
		}, []string{"processor"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tidemark",
			Subsystem: "processor",
			Name:      "cycle_duration_seconds",
			Help:      "Processing cycle duration per processor.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"processor"}),
		lag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tidemark",
			Subsystem: "processor",
			Name:      "lag",
			Help:      "Distance between the log head and the processor position.",
		}, []string{"processor"}),
	}
	if reg != nil {
		reg.MustRegister(m.cyclesTotal, m.eventsHandled, m.cycleDuration, m.lag)
	}
	return m
}

// ObserveCycle records one scheduler tick that reached the process step.
func (m *Metrics) ObserveCycle(processorID string, handled int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case handled == 0:
		outcome = "empty"
	}
	m.cyclesTotal.WithLabelValues(processorID, outcome).Inc()
	m.cycleDuration.WithLabelValues(processorID).Observe(duration.Seconds())
	if handled > 0 {
		m.eventsHandled.WithLabelValues(processorID).Add(float64(handled))
	}
}

// SetLag publishes the current lag for a processor.
func (m *Metrics) SetLag(processorID string, lag int64) {
	if m == nil {
		return
	}
	m.lag.WithLabelValues(processorID).Set(float64(lag))
}
