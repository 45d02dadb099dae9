// Package prometheus exposes engine metrics on a dedicated registry.
package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/machina-io/machina/pkg/runtime"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer wraps DefaultRegistry with the service label
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "machina"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds all engine metric vectors.
type Metrics struct {
	TransitionsTotal   *prometheus.CounterVec
	InstancesCreated   *prometheus.CounterVec
	InstancesDisposed  *prometheus.CounterVec
	InstanceErrors     *prometheus.CounterVec
	CascadeFailures    *prometheus.CounterVec
	BrokerUnavailable  *prometheus.CounterVec
	ActiveInstances    *prometheus.GaugeVec
	DeferredQueueDepth *prometheus.GaugeVec
	IgnoredEvents      *prometheus.GaugeVec
}

// GetMetrics returns the process-wide metric set, initializing it once.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		factory := promauto.With(DefaultRegisterer)
		metrics = &Metrics{
			TransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "machina_transitions_total",
				Help: "State transitions executed, by component and machine",
			}, []string{"component", "machine"}),
			InstancesCreated: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "machina_instances_created_total",
				Help: "Instances created, by component and machine",
			}, []string{"component", "machine"}),
			InstancesDisposed: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "machina_instances_disposed_total",
				Help: "Instances disposed, by component and machine",
			}, []string{"component", "machine"}),
			InstanceErrors: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "machina_instance_errors_total",
				Help: "Instances moved to error status, by component",
			}, []string{"component"}),
			CascadeFailures: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "machina_cascade_failures_total",
				Help: "Cross-component cascade failures, by component",
			}, []string{"component"}),
			BrokerUnavailable: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "machina_broker_unavailable_total",
				Help: "Publishes buffered because the broker was unreachable",
			}, []string{"component"}),
			ActiveInstances: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "machina_active_instances",
				Help: "Resident instances, by component",
			}, []string{"component"}),
			DeferredQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "machina_deferred_queue_depth",
				Help: "Deferred event queue depth, by component",
			}, []string{"component"}),
			IgnoredEvents: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "machina_ignored_events",
				Help: "Silently ignored events (unknown event or guard miss), by component",
			}, []string{"component"}),
		}
	})
	return metrics
}

// Observe attaches a lifecycle listener feeding the metric set from a
// runtime's emissions.
func Observe(rt *runtime.Runtime) {
	m := GetMetrics()
	component := rt.ComponentName()

	rt.AddListener(func(ev runtime.LifecycleEvent) {
		machine, _ := ev.Data["machineName"].(string)
		switch ev.Type {
		case runtime.EventStateChange:
			m.TransitionsTotal.WithLabelValues(component, machine).Inc()
		case runtime.EventInstanceCreated:
			m.InstancesCreated.WithLabelValues(component, machine).Inc()
			m.ActiveInstances.WithLabelValues(component).Inc()
		case runtime.EventInstanceDisposed:
			m.InstancesDisposed.WithLabelValues(component, machine).Inc()
			m.ActiveInstances.WithLabelValues(component).Dec()
		case runtime.EventInstanceError:
			m.InstanceErrors.WithLabelValues(component).Inc()
		case runtime.EventCascadeFailed:
			m.CascadeFailures.WithLabelValues(component).Inc()
		case runtime.EventBrokerUnavailable:
			m.BrokerUnavailable.WithLabelValues(component).Inc()
		}
		m.DeferredQueueDepth.WithLabelValues(component).Set(float64(rt.QueueDepth()))
		m.IgnoredEvents.WithLabelValues(component).Set(float64(rt.IgnoredEvents()))
	})
}
