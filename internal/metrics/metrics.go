// Package metrics provides the Prometheus collectors of the rebalancer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "liquidity_rebalancer"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Orchestrator
	TicksTotal      *prometheus.CounterVec
	TickDuration    *prometheus.HistogramVec
	DeficitTokens   *prometheus.GaugeVec
	SurplusTokens   *prometheus.GaugeVec
	RebalancesTotal *prometheus.CounterVec

	// Aggregator
	QuotesTotal   *prometheus.CounterVec
	QuoteDuration *prometheus.HistogramVec

	// Jobs
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// Health
	HealthStatus *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TicksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "ticks_total",
			Help:      "Rebalance ticks by wallet and outcome",
		}, []string{"wallet", "outcome"}),
		TickDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one rebalance tick",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"wallet"}),
		DeficitTokens: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "deficit_tokens",
			Help:      "Tokens below their minimum in the last tick",
		}, []string{"wallet"}),
		SurplusTokens: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "surplus_tokens",
			Help:      "Tokens above their maximum in the last tick",
		}, []string{"wallet"}),
		RebalancesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "rebalances_total",
			Help:      "Rebalance records by strategy and status transition",
		}, []string{"strategy", "status"}),

		QuotesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "quotes_total",
			Help:      "Strategy quote batches by outcome",
		}, []string{"strategy", "outcome"}),
		QuoteDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "quote_duration_seconds",
			Help:      "Latency of strategy quote requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),

		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Job attempts by name and outcome",
		}, []string{"job", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job processing time",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		}, []string{"job"}),

		HealthStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "1 for the current rebalancing health verdict, 0 otherwise",
		}, []string{"verdict"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveTick(wallet, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(wallet, outcome).Inc()
	m.TickDuration.WithLabelValues(wallet).Observe(d.Seconds())
}

func (m *Metrics) SetBalanceStates(wallet string, deficits, surplus int) {
	if m == nil {
		return
	}
	m.DeficitTokens.WithLabelValues(wallet).Set(float64(deficits))
	m.SurplusTokens.WithLabelValues(wallet).Set(float64(surplus))
}

func (m *Metrics) IncRebalance(strategy, status string) {
	if m == nil {
		return
	}
	m.RebalancesTotal.WithLabelValues(strategy, status).Inc()
}

func (m *Metrics) ObserveQuote(strategy, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.QuotesTotal.WithLabelValues(strategy, outcome).Inc()
	m.QuoteDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (m *Metrics) ObserveJob(job, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(job, outcome).Inc()
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// SetHealth flags verdict as the current one.
func (m *Metrics) SetHealth(verdict string, all []string) {
	if m == nil {
		return
	}
	for _, v := range all {
		val := 0.0
		if v == verdict {
			val = 1
		}
		m.HealthStatus.WithLabelValues(v).Set(val)
	}
}
