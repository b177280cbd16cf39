package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "outbound"

// Metrics groups the pipeline collectors. A nil *Metrics is valid and
// records nothing, so components can be built without a registry in tests.
type Metrics struct {
	QueueEnqueued  *prometheus.CounterVec
	QueueOutcomes  *prometheus.CounterVec
	QueueClaimed   prometheus.Counter
	QueueSwept     prometheus.Counter
	QueueInFlight  prometheus.Gauge
	QueueSendTime  prometheus.Histogram
	Executions     *prometheus.CounterVec
	ExecutionSent  *prometheus.CounterVec
	ExecutionFails *prometheus.CounterVec
	ExecutionTime  *prometheus.HistogramVec
	SchedulerJobs  *prometheus.CounterVec
	BreakerState   *prometheus.GaugeVec
	Retries        *prometheus.CounterVec
	Escalations    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		QueueEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Messages accepted into the outbound queue",
		}, []string{"priority"}),
		QueueOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "outcomes_total",
			Help:      "Queue dispatch outcomes",
		}, []string{"outcome"}),
		QueueClaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claimed_total",
			Help:      "Messages claimed for processing",
		}),
		QueueSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "swept_total",
			Help:      "Finished messages removed by the retention sweep",
		}),
		QueueInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "batches_in_flight",
			Help:      "Queue batches currently being dispatched",
		}),
		QueueSendTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "send_duration_seconds",
			Help:      "Time spent sending a single queued message",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Campaign and scheduled message executions by final status",
		}, []string{"kind", "status"}),
		ExecutionSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "messages_sent_total",
			Help:      "Messages accepted by the channel during executions",
		}, []string{"kind"}),
		ExecutionFails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "messages_failed_total",
			Help:      "Messages that failed during executions",
		}, []string{"kind"}),
		ExecutionTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of a full execution",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),
		SchedulerJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduler job runs by job and result",
		}, []string{"job", "result"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"dependency"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "retries_total",
			Help:      "Retry attempts made by the resilience layer",
		}, []string{"operation"}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "escalations_total",
			Help:      "Failures escalated to a human agent",
		}, []string{"kind"}),
	}
}

func (m *Metrics) Enqueued(priority string) {
	if m == nil {
		return
	}
	m.QueueEnqueued.WithLabelValues(priority).Inc()
}

func (m *Metrics) QueueOutcome(outcome string) {
	if m == nil {
		return
	}
	m.QueueOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Claimed(n int) {
	if m == nil {
		return
	}
	m.QueueClaimed.Add(float64(n))
}

func (m *Metrics) Swept(n int64) {
	if m == nil {
		return
	}
	m.QueueSwept.Add(float64(n))
}

func (m *Metrics) BatchStarted() {
	if m == nil {
		return
	}
	m.QueueInFlight.Inc()
}

func (m *Metrics) BatchFinished() {
	if m == nil {
		return
	}
	m.QueueInFlight.Dec()
}

// SendTimer returns a func that observes the elapsed send time when called.
func (m *Metrics) SendTimer() func() {
	if m == nil {
		return func() {}
	}
	t := prometheus.NewTimer(m.QueueSendTime)
	return func() { t.ObserveDuration() }
}

func (m *Metrics) Execution(kind, status string, sent, failed int, seconds float64) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(kind, status).Inc()
	m.ExecutionSent.WithLabelValues(kind).Add(float64(sent))
	m.ExecutionFails.WithLabelValues(kind).Add(float64(failed))
	m.ExecutionTime.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) SchedulerJob(job, result string) {
	if m == nil {
		return
	}
	m.SchedulerJobs.WithLabelValues(job, result).Inc()
}

func (m *Metrics) SetBreakerState(dependency string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(dependency).Set(float64(state))
}

func (m *Metrics) Retry(operation string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(operation).Inc()
}

func (m *Metrics) Escalated(kind string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(kind).Inc()
}
