// Package metrics exposes Prometheus counters for the host services.
//
// A nil *Metrics, or one built with Enabled=false, is valid and records
// nothing, so services never need to check whether metrics are configured.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config selects whether metrics are collected and their namespace.
type Config struct {
	Enabled   bool
	Namespace string
}

// Component labels for handler failures.
const (
	ComponentBus       = "bus"
	ComponentState     = "state"
	ComponentScheduler = "scheduler"
)

// Metrics holds every collector registered by the host.
type Metrics struct {
	registry *prometheus.Registry

	eventsEmitted   *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	stateSets       prometheus.Counter
	tasksScheduled  *prometheus.CounterVec
	taskRuns        *prometheus.CounterVec
	tasksActive     prometheus.Gauge
	pluginsLoaded   prometheus.Gauge
	pluginOps       *prometheus.CounterVec
}

// New builds the collectors on a private registry.
func New(cfg Config) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}
	ns := cfg.Namespace
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "events_emitted_total",
			Help: "Events published on the bus",
		}, []string{"type"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "handler_failures_total",
			Help: "Handler or job invocations that returned an error or panicked",
		}, []string{"component"}),
		stateSets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "state_sets_total",
			Help: "State store writes",
		}),
		tasksScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tasks_scheduled_total",
			Help: "Tasks created by the scheduler",
		}, []string{"kind"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "task_runs_total",
			Help: "Scheduled job executions",
		}, []string{"kind"}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "tasks_active",
			Help: "Tasks currently tracked by the scheduler",
		}),
		pluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "plugins_loaded",
			Help: "Plugins currently registered",
		}),
		pluginOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "plugin_operations_total",
			Help: "Plugin load/unload attempts by result",
		}, []string{"op", "result"}),
	}
	reg.MustRegister(
		m.eventsEmitted, m.handlerFailures, m.stateSets,
		m.tasksScheduled, m.taskRuns, m.tasksActive,
		m.pluginsLoaded, m.pluginOps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) enabled() bool { return m != nil && m.registry != nil }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventEmitted(eventType string) {
	if m.enabled() {
		m.eventsEmitted.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) HandlerFailed(component string, n int) {
	if m.enabled() && n > 0 {
		m.handlerFailures.WithLabelValues(component).Add(float64(n))
	}
}

func (m *Metrics) StateSet() {
	if m.enabled() {
		m.stateSets.Inc()
	}
}

func (m *Metrics) TaskScheduled(kind string) {
	if m.enabled() {
		m.tasksScheduled.WithLabelValues(kind).Inc()
		m.tasksActive.Inc()
	}
}

func (m *Metrics) TaskRan(kind string) {
	if m.enabled() {
		m.taskRuns.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) TaskFinished() {
	if m.enabled() {
		m.tasksActive.Dec()
	}
}

func (m *Metrics) PluginOp(op string, err error) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.pluginOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) SetPluginsLoaded(n int) {
	if m.enabled() {
		m.pluginsLoaded.Set(float64(n))
	}
}
