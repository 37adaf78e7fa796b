// Package metrics instruments the pipeline: Prometheus collectors for
// scrape runs, validation, and alert delivery, plus a best-effort HTTP
// sink for run summaries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sawpanic/boombust/internal/domain"
)

// Registry holds all Prometheus metrics for the scraper pipeline.
type Registry struct {
	reg prometheus.Registerer

	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	RetriesTotal   *prometheus.CounterVec
	FallbacksTotal *prometheus.CounterVec
	RejectsTotal   *prometheus.CounterVec

	Confidence   *prometheus.GaugeVec
	AnomalyScore *prometheus.GaugeVec

	AlertsFired   *prometheus.CounterVec
	AlertDispatch *prometheus.CounterVec
}

// NewRegistry builds and registers all collectors. Passing nil uses the
// process-wide default registerer; tests pass their own.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Registry{
		reg: reg,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boombust_runs_total",
				Help: "Scraper runs by source, metric and outcome",
			},
			[]string{"source", "metric", "status"},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "boombust_run_duration_seconds",
				Help:    "End-to-end scraper run duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"source", "metric"},
		),

		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boombust_retries_total",
				Help: "Fetch retries performed across all runs",
			},
			[]string{"source", "metric"},
		),

		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boombust_fallbacks_total",
				Help: "Runs that served data from a fallback path",
			},
			[]string{"source", "metric", "path"},
		),

		RejectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boombust_validation_rejects_total",
				Help: "Readings rejected by the validation pipeline",
			},
			[]string{"source", "metric"},
		),

		Confidence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "boombust_confidence",
				Help: "Confidence of the most recently persisted point (0.0 to 1.0)",
			},
			[]string{"source", "metric"},
		),

		AnomalyScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "boombust_anomaly_score",
				Help: "Anomaly score of the most recently persisted point (0.0 to 1.0)",
			},
			[]string{"source", "metric"},
		),

		AlertsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boombust_alerts_fired_total",
				Help: "Alert firings by config and severity, duplicates included",
			},
			[]string{"config_id", "severity"},
		),

		AlertDispatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boombust_alert_dispatch_total",
				Help: "Alert channel deliveries by outcome",
			},
			[]string{"channel", "status"},
		),
	}

	reg.MustRegister(
		r.RunsTotal,
		r.RunDuration,
		r.RetriesTotal,
		r.FallbacksTotal,
		r.RejectsTotal,
		r.Confidence,
		r.AnomalyScore,
		r.AlertsFired,
		r.AlertDispatch,
	)

	return r
}

// ObserveRun records everything a finished ScraperResult tells us.
func (r *Registry) ObserveRun(result *domain.ScraperResult) {
	source := string(result.DataSource)
	metric := result.MetricName

	status := "failure"
	switch {
	case result.Skipped:
		status = "skipped"
	case result.Success:
		status = "success"
	}
	r.RunsTotal.WithLabelValues(source, metric, status).Inc()
	r.RunDuration.WithLabelValues(source, metric).Observe(result.ExecutionDuration.Seconds())

	if result.RetryCount > 0 {
		r.RetriesTotal.WithLabelValues(source, metric).Add(float64(result.RetryCount))
	}
	if result.Point != nil {
		r.Confidence.WithLabelValues(source, metric).Set(result.Point.Confidence)
		r.AnomalyScore.WithLabelValues(source, metric).Set(result.Point.AnomalyScore)
	}
}

// ObserveFallback records which degraded path produced a run's data.
func (r *Registry) ObserveFallback(source domain.DataSource, metric, path string) {
	r.FallbacksTotal.WithLabelValues(string(source), metric, path).Inc()
}

// ObserveReject counts a validation rejection.
func (r *Registry) ObserveReject(source domain.DataSource, metric string) {
	r.RejectsTotal.WithLabelValues(string(source), metric).Inc()
}

// ObserveAlert counts one firing.
func (r *Registry) ObserveAlert(configID string, severity domain.Severity) {
	r.AlertsFired.WithLabelValues(configID, string(severity)).Inc()
}

// ObserveDispatch counts one channel delivery attempt outcome.
func (r *Registry) ObserveDispatch(channel domain.Channel, ok bool) {
	status := "failure"
	if ok {
		status = "success"
	}
	r.AlertDispatch.WithLabelValues(string(channel), status).Inc()
}

// Handler exposes the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
