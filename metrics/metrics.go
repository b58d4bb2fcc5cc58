package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rq "request_queue"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics exports queue state to Prometheus. It implements rq.Observer.
type Metrics struct {
	gatherer prometheus.Gatherer

	ActiveTasks prometheus.Gauge
	QueuedTasks prometheus.Gauge

	TasksStarted  prometheus.Counter
	TasksFinished *prometheus.CounterVec

	WaitTime    prometheus.Histogram
	ProcessTime prometheus.Histogram
}

var _ rq.Observer = (*Metrics)(nil)

// New registers the queue metrics with reg under the given namespace.
func New(reg *prometheus.Registry, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		ActiveTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_active_tasks",
			Help:      "Number of tasks currently executing (0 or 1)",
		}),
		QueuedTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending_tasks",
			Help:      "Number of tasks waiting for the active slot",
		}),
		TasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_tasks_started_total",
			Help:      "Total number of tasks dispatched",
		}),
		TasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_tasks_finished_total",
			Help:      "Total number of settled tasks by outcome",
		}, []string{"outcome"}),
		WaitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time tasks spend pending before dispatch",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		ProcessTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_process_seconds",
			Help:      "Time spent executing tasks",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
}

// ObserveStatus sets the active and queued gauges from a queue snapshot.
func (m *Metrics) ObserveStatus(s rq.Status) {
	m.ActiveTasks.Set(float64(s.ActiveCount))
	m.QueuedTasks.Set(float64(s.QueuedCount))
}

// TaskStarted counts a dispatched task and records how long it waited in the queue.
func (m *Metrics) TaskStarted(wait time.Duration) {
	m.TasksStarted.Inc()
	m.WaitTime.Observe(wait.Seconds())
}

// TaskFinished counts a settled task by outcome and records its run time.
func (m *Metrics) TaskFinished(elapsed time.Duration, err error) {
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}
	m.TasksFinished.WithLabelValues(outcome).Inc()
	m.ProcessTime.Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
