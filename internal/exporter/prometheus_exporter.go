package exporter

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bitlabstudio/pypispy-agent/internal/agent"
)

// PrometheusExporter records collection activity as Prometheus metrics.
type PrometheusExporter struct {
	registry        *prometheus.Registry
	results         *prometheus.CounterVec
	listingDuration *prometheus.HistogramVec
	listingFailures *prometheus.CounterVec
	lastRun         prometheus.Gauge
	lastRunDuration prometheus.Gauge
	lastRunFailed   prometheus.Gauge
	configured      prometheus.Gauge
}

// NewPrometheusExporter initializes metrics collectors.
func NewPrometheusExporter(serverName string, environments int) *PrometheusExporter {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"server_name": serverName}

	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pypispy_environment_results_total",
		Help:        "Environments processed, by final state",
		ConstLabels: constLabels,
	}, []string{"environment", "state"})

	listingDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "pypispy_listing_duration_seconds",
		Help:        "Time spent running the package-listing command",
		ConstLabels: constLabels,
		Buckets:     []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"environment"})

	listingFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pypispy_listing_failures_total",
		Help:        "Package-listing commands that failed",
		ConstLabels: constLabels,
	}, []string{"environment"})

	lastRun := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "pypispy_last_run_timestamp_seconds",
		Help:        "Unix time the last collection run finished",
		ConstLabels: constLabels,
	})
	lastRunDuration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "pypispy_last_run_duration_seconds",
		Help:        "Wall time of the last collection run",
		ConstLabels: constLabels,
	})
	lastRunFailed := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "pypispy_last_run_failed_environments",
		Help:        "Environments that failed in the last collection run",
		ConstLabels: constLabels,
	})
	configured := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "pypispy_environments_configured",
		Help:        "Environments in the agent configuration",
		ConstLabels: constLabels,
	})

	reg.MustRegister(results, listingDuration, listingFailures, lastRun, lastRunDuration, lastRunFailed, configured)
	configured.Set(float64(environments))

	return &PrometheusExporter{
		registry:        reg,
		results:         results,
		listingDuration: listingDuration,
		listingFailures: listingFailures,
		lastRun:         lastRun,
		lastRunDuration: lastRunDuration,
		lastRunFailed:   lastRunFailed,
		configured:      configured,
	}
}

// Registry exposes the underlying registry.
func (p *PrometheusExporter) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns the HTTP handler for /metrics.
func (p *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the current metrics to path in the text exposition
// format, replacing the file atomically.
func (p *PrometheusExporter) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, p.registry)
}

// ObserveListing implements agent.Recorder.
func (p *PrometheusExporter) ObserveListing(environment string, elapsed time.Duration, err error) {
	p.listingDuration.WithLabelValues(environment).Observe(elapsed.Seconds())
	if err != nil {
		p.listingFailures.WithLabelValues(environment).Inc()
	}
}

// ObserveResult implements agent.Recorder.
func (p *PrometheusExporter) ObserveResult(result agent.Result) {
	p.results.WithLabelValues(result.Environment, string(result.State)).Inc()
}

// ObserveRun implements agent.Recorder.
func (p *PrometheusExporter) ObserveRun(summary agent.Summary) {
	p.lastRun.Set(float64(summary.FinishedAt.Unix()))
	p.lastRunDuration.Set(summary.Duration().Seconds())
	p.lastRunFailed.Set(float64(summary.Failed()))
}
