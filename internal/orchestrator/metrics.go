package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Poll outcomes recorded by Metrics.
const (
	outcomeProcessing = "processing"
	outcomeCompleted  = "completed"
	outcomeError      = "error"
	outcomeTransient  = "transient"
	outcomeTimeout    = "timeout"
	outcomeSkipped    = "skipped"
)

// Metrics are the sweep's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	polls       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	charges     *prometheus.CounterVec
	timeouts    prometheus.Counter
	sweep       prometheus.Histogram
	inFlight    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on registerer, or on the
// default registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genforge_unit_polls_total",
				Help: "Provider polls by outcome.",
			},
			[]string{"provider", "outcome"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genforge_unit_transitions_total",
				Help: "Unit state transitions made by the poller.",
			},
			[]string{"to"},
		),
		charges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genforge_unit_charges_total",
				Help: "Charge attempts after completion.",
			},
			[]string{"result"}, // charged | deferred
		),
		timeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "genforge_unit_timeouts_total",
				Help: "Units failed for exceeding their deadline.",
			},
		),
		sweep: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "genforge_sweep_duration_seconds",
				Help:    "Duration of one polling sweep.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "genforge_units_in_flight",
				Help: "Units in processing at the start of the last sweep.",
			},
		),
	}

	registerer.MustRegister(m.polls, m.transitions, m.charges, m.timeouts, m.sweep, m.inFlight)
	return m
}

func (m *Metrics) observePoll(provider, outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) observeTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) observeCharge(charged bool) {
	if m == nil {
		return
	}
	result := "charged"
	if !charged {
		result = "deferred"
	}
	m.charges.WithLabelValues(result).Inc()
}

func (m *Metrics) observeTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

func (m *Metrics) observeSweep(d time.Duration, inFlight int) {
	if m == nil {
		return
	}
	m.sweep.Observe(d.Seconds())
	m.inFlight.Set(float64(inFlight))
}
