// Package metrics exposes balance capture and pattern detection counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"github.com/vadiminshakov/balancewatch/internal/services/monitor"
)

const namespace = "balancewatch"

// Collectors implements the metric sinks of the monitor, the detector and the guarded sources.
type Collectors struct {
	registry *prometheus.Registry

	captures     *prometheus.CounterVec
	deltas       prometheus.Counter
	patterns     *prometheus.CounterVec
	ruleFailures *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	cycles       *prometheus.CounterVec
	lastCycle    prometheus.Gauge
}

// New registers the collectors on a private registry together with the Go and process collectors.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_captures_total",
			Help:      "Balance snapshot captures by outcome.",
		}, []string{"currency", "outcome"}),
		deltas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_deltas_total",
			Help:      "Significant balance deltas detected.",
		}),
		patterns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patterns_detected_total",
			Help:      "Classified balance movements by pattern.",
		}, []string{"pattern"}),
		ruleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pattern_rule_failures_total",
			Help:      "Pattern rule invocations that failed or panicked.",
		}, []string{"rule"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_breaker_state",
			Help:      "Circuit breaker state per platform: 0 closed, 1 half-open, 2 open.",
		}, []string{"platform"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_cycles_total",
			Help:      "Monitoring cycles by result.",
		}, []string{"result"}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_last_cycle_timestamp_seconds",
			Help:      "Unix time of the last finished monitoring cycle.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.captures, c.deltas, c.patterns, c.ruleFailures, c.breakerState, c.cycles, c.lastCycle,
	)

	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveCapture implements monitor.Metrics. The wallet id is left out to keep label cardinality bounded.
func (c *Collectors) ObserveCapture(_, currency string, kind monitor.FailureKind) {
	outcome := "success"
	if kind != "" {
		outcome = string(kind)
	}
	c.captures.WithLabelValues(currency, outcome).Inc()
}

// ObserveDeltas implements monitor.Metrics.
func (c *Collectors) ObserveDeltas(n int) {
	c.deltas.Add(float64(n))
}

// ObservePatterns implements patterns.Metrics.
func (c *Collectors) ObservePatterns(kind domain.PatternKind, n int) {
	c.patterns.WithLabelValues(string(kind)).Add(float64(n))
}

// ObserveRuleFailure implements patterns.Metrics.
func (c *Collectors) ObserveRuleFailure(rule string) {
	c.ruleFailures.WithLabelValues(rule).Inc()
}

// ObserveBreaker implements balances.BreakerObserver.
func (c *Collectors) ObserveBreaker(platform string, state gobreaker.State) {
	c.breakerState.WithLabelValues(platform).Set(float64(state))
}

// ObserveCycle records the end of a monitoring cycle at unix time ts.
func (c *Collectors) ObserveCycle(err error, ts float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.cycles.WithLabelValues(result).Inc()
	c.lastCycle.Set(ts)
}
