package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ActiveTasks    prometheus.Gauge
	MessagesSent   prometheus.Counter
	MessagesFailed prometheus.Counter
	LoginAttempts  *prometheus.CounterVec
	TaskRestarts   *prometheus.CounterVec
	TaskFailures   *prometheus.CounterVec
	SnapshotSaves  *prometheus.CounterVec
	HealthRestarts prometheus.Counter
	WSMessages     *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_active",
			Help:      "Number of registered tasks currently flagged running.",
		}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages the messaging client reported as delivered.",
		}),
		MessagesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Send attempts the messaging client reported as failed.",
		}),
		LoginAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		TaskRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_restarts_total",
			Help:      "Task restarts by reason.",
		}, []string{"reason"}),
		TaskFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_failures_total",
			Help:      "Tasks left non-running by failure kind.",
		}, []string{"kind"}),
		SnapshotSaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_saves_total",
			Help:      "Snapshot writes by result.",
		}, []string{"result"}),
		HealthRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_restarts_total",
			Help:      "Restarts forced by the stall sweep.",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetActiveTasks(n int) {
	if m == nil {
		return
	}
	m.ActiveTasks.Set(float64(n))
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

func (m *Metrics) MessageFailed() {
	if m == nil {
		return
	}
	m.MessagesFailed.Inc()
}

func (m *Metrics) LoginAttempt(result string) {
	if m == nil {
		return
	}
	m.LoginAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) TaskRestarted(reason string) {
	if m == nil {
		return
	}
	m.TaskRestarts.WithLabelValues(reason).Inc()
}

func (m *Metrics) TaskFailed(kind string) {
	if m == nil {
		return
	}
	m.TaskFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) SnapshotSaved(result string) {
	if m == nil {
		return
	}
	m.SnapshotSaves.WithLabelValues(result).Inc()
}

func (m *Metrics) HealthRestart() {
	if m == nil {
		return
	}
	m.HealthRestarts.Inc()
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// Handler serves this instance's registry. A nil receiver serves the
// process default registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
