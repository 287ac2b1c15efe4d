package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/revisor/internal/models"
)

const namespace = "revisor"

// Metrics holds the prometheus collectors fed by the aggregator
type Metrics struct {
	registry *prometheus.Registry

	items            *prometheus.CounterVec
	validationFailed *prometheus.CounterVec
	tokens           *prometheus.CounterVec
	cost             *prometheus.CounterVec
	runs             *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	lastRunTime      *prometheus.GaugeVec
	lastRunProcessed *prometheus.GaugeVec
}

// NewMetrics registers the collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_items_total",
			Help:      "Work items that reached a terminal status.",
		}, []string{"pipeline", "status"}),
		validationFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Generated responses that failed structural validation.",
		}, []string{"pipeline"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_tokens_total",
			Help:      "Tokens consumed by generation calls.",
		}, []string{"pipeline", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_estimated_cost_total",
			Help:      "Estimated generation cost in USD.",
		}, []string{"pipeline"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Scheduler invocations by outcome.",
		}, []string{"pipeline", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of scheduler invocations.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"pipeline"}),
		lastRunTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}, []string{"pipeline"}),
		lastRunProcessed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_processed",
			Help:      "Items processed by the last run.",
		}, []string{"pipeline"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.items,
		m.validationFailed,
		m.tokens,
		m.cost,
		m.runs,
		m.runDuration,
		m.lastRunTime,
		m.lastRunProcessed,
	)
	return m
}

// Registry exposes the registry for tests and custom handlers
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeItem(item *models.WorkItem, validationFailed bool) {
	m.items.WithLabelValues(item.Pipeline, string(item.Status)).Inc()
	if validationFailed {
		m.validationFailed.WithLabelValues(item.Pipeline).Inc()
	}
	if result := item.Payload.Result; result != nil {
		m.tokens.WithLabelValues(item.Pipeline, "input").Add(float64(result.InputTokens))
		m.tokens.WithLabelValues(item.Pipeline, "output").Add(float64(result.OutputTokens))
		m.cost.WithLabelValues(item.Pipeline).Add(result.EstimatedCost)
	}
}

func (m *Metrics) observeRun(report *models.RunReport) {
	m.runs.WithLabelValues(report.Pipeline, string(report.Status)).Inc()
	m.runDuration.WithLabelValues(report.Pipeline).Observe(report.Duration().Seconds())
	m.lastRunTime.WithLabelValues(report.Pipeline).Set(float64(report.FinishedAt.Unix()))
	m.lastRunProcessed.WithLabelValues(report.Pipeline).Set(float64(report.Processed))
}
