package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relsyncd"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	checkDuration    prom.Histogram
	sourceChecks     *prom.CounterVec
	downloadDuration prom.Histogram
	downloadOutcomes *prom.CounterVec
	taskResults      *prom.CounterVec
	uploadResults    *prom.CounterVec
	uploadRetries    prom.Counter
	webhookEvents    *prom.CounterVec
}

// NewPrometheusRecorder constructs the metrics and registers them with reg.
// A nil reg gets a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}

	pr := &PrometheusRecorder{
		checkDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Duration of release checks across the whole catalog",
			Buckets:   prom.DefBuckets,
		}),
		sourceChecks: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "source_checks_total",
			Help:      "Per-source check results",
		}, []string{"result"}),
		downloadDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Duration of staged download runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		downloadOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "download_outcomes_total",
			Help:      "Staged download runs by outcome",
		}, []string{"outcome"}),
		taskResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_results_total",
			Help:      "Task interpreter entry outcomes",
		}, []string{"outcome"}),
		uploadResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "upload_results_total",
			Help:      "Uploaded items by success/failure",
		}, []string{"result"}),
		uploadRetries: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "upload_retries_total",
			Help:      "Upload attempts retried after a transient server response",
		}),
		webhookEvents: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by handling result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		pr.checkDuration,
		pr.sourceChecks,
		pr.downloadDuration,
		pr.downloadOutcomes,
		pr.taskResults,
		pr.uploadResults,
		pr.uploadRetries,
		pr.webhookEvents,
	)
	return pr
}

func (p *PrometheusRecorder) ObserveCheckDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.checkDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncSourceCheck(result CheckResult) {
	if p == nil {
		return
	}
	p.sourceChecks.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) ObserveDownloadDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.downloadDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncDownloadOutcome(outcome string) {
	if p == nil {
		return
	}
	p.downloadOutcomes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncTaskResult(outcome string) {
	if p == nil {
		return
	}
	p.taskResults.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncUploadResult(success bool) {
	if p == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.uploadResults.WithLabelValues(res).Inc()
}

func (p *PrometheusRecorder) IncUploadRetry() {
	if p == nil {
		return
	}
	p.uploadRetries.Inc()
}

func (p *PrometheusRecorder) IncWebhookEvent(result string) {
	if p == nil {
		return
	}
	p.webhookEvents.WithLabelValues(result).Inc()
}

// HTTPHandler returns an http.Handler that serves the metrics of reg
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
