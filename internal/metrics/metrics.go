// Package metrics exposes the Prometheus instrumentation for the
// orchestration core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the service records into.
type Registry struct {
	reg *prometheus.Registry

	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	CircuitState     *prometheus.GaugeVec
	BudgetSpentUSD   *prometheus.GaugeVec
	RateLimitWaits   *prometheus.CounterVec
	CacheOps         *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	JobRuns          *prometheus.CounterVec
	GapsFound        *prometheus.CounterVec
	UniverseSymbols  *prometheus.GaugeVec
	FXMatrixAge      prometheus.Gauge
}

// New builds a registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Registry{
		reg: reg,
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_provider_requests_total",
			Help: "Provider calls by outcome.",
		}, []string{"provider", "endpoint", "status"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotewire_provider_latency_seconds",
			Help:    "Provider call latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"provider"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quotewire_circuit_state",
			Help: "Circuit position per provider: 0 closed, 1 half-open, 2 open.",
		}, []string{"provider"}),
		BudgetSpentUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quotewire_budget_spent_usd",
			Help: "Accumulated spend per provider and period.",
		}, []string{"provider", "period"}),
		RateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_rate_limit_waits_total",
			Help: "Requests deferred by the local rate limiter.",
		}, []string{"provider"}),
		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_cache_ops_total",
			Help: "Cache operations by result.",
		}, []string{"op", "result"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotewire_job_duration_seconds",
			Help:    "Scheduled job run time.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"job"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_job_runs_total",
			Help: "Scheduled job executions by outcome.",
		}, []string{"job", "status"}),
		GapsFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_gaps_found_total",
			Help: "Data gaps detected per timeframe.",
		}, []string{"timeframe"}),
		UniverseSymbols: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quotewire_universe_symbols",
			Help: "Universe size by market kind and active flag.",
		}, []string{"kind", "active"}),
		FXMatrixAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotewire_fx_matrix_age_seconds",
			Help: "Age of the newest stored FX fetch.",
		}),
	}

	reg.MustRegister(
		m.ProviderRequests, m.ProviderLatency, m.CircuitState,
		m.BudgetSpentUSD, m.RateLimitWaits, m.CacheOps,
		m.JobDuration, m.JobRuns, m.GapsFound,
		m.UniverseSymbols, m.FXMatrixAge,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveRequest records one provider call outcome.
func (m *Registry) ObserveRequest(provider, endpoint string, latency time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ProviderRequests.WithLabelValues(provider, endpoint, status).Inc()
	if err == nil {
		m.ProviderLatency.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

// SetCircuitState maps a breaker position onto the gauge.
func (m *Registry) SetCircuitState(provider, state string) {
	var v float64
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	m.CircuitState.WithLabelValues(provider).Set(v)
}

// ObserveJob records one scheduled job run.
func (m *Registry) ObserveJob(job string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}
