// Package metrics records submission, queue and execution measurements.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission outcomes used as the outcome label.
const (
	OutcomeAccepted      = "accepted"
	OutcomeDuplicate     = "duplicate"
	OutcomeInvalidModel  = "invalid_model"
	OutcomeQueueFull     = "queue_full"
	OutcomeConflict      = "conflict"
	OutcomeInvalid       = "invalid"
	OutcomeInternalError = "error"
)

// Sink is the metrics collaborator used by the jobs service and the webhook
// notifier. Implementations must be safe for concurrent use.
type Sink interface {
	JobSubmitted(outcome string)
	QueueDepth(n int)
	JobStarted()
	// JobFinished records a terminal transition. wasInFlight is true when the
	// job had been claimed, so the active gauge must drop.
	JobFinished(status string, wasInFlight bool, elapsed time.Duration)
	WebhookDelivered(ok bool)
}

// Prometheus implements Sink with client_golang collectors.
type Prometheus struct {
	registry   *prometheus.Registry
	requests   *prometheus.CounterVec
	queueSize  prometheus.Gauge
	active     prometheus.Gauge
	duration   *prometheus.HistogramVec
	deliveries *prometheus.CounterVec
}

// NewPrometheus registers the collectors on a fresh registry together with the
// Go runtime and process collectors.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_requests_total",
			Help: "Total inference job submissions by outcome",
		}, []string{"outcome"}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inference_queue_size",
			Help: "Current inference queue depth",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_inference_jobs",
			Help: "Number of jobs currently claimed by a worker",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inference_duration_seconds",
			Help:    "Time from submission to terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by result",
		}, []string{"result"}),
	}
	p.registry.MustRegister(
		p.requests, p.queueSize, p.active, p.duration, p.deliveries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry exposes the underlying registry for tests and custom exporters.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) JobSubmitted(outcome string) {
	p.requests.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) QueueDepth(n int) {
	p.queueSize.Set(float64(n))
}

func (p *Prometheus) JobStarted() {
	p.active.Inc()
}

func (p *Prometheus) JobFinished(status string, wasInFlight bool, elapsed time.Duration) {
	if wasInFlight {
		p.active.Dec()
	}
	p.duration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (p *Prometheus) WebhookDelivered(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	p.deliveries.WithLabelValues(result).Inc()
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) JobSubmitted(string) {}
func (Nop) QueueDepth(int) {}
func (Nop) JobStarted() {}
func (Nop) JobFinished(string, bool, time.Duration) {}
func (Nop) WebhookDelivered(bool) {}

var (
	_ Sink = (*Prometheus)(nil)
	_ Sink = Nop{}
)
