// Package metrics provides Prometheus instrumentation for the ODM.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder records database operation metrics. The queryset and document
// layers report through this interface so tests can plug a no-op.
type Recorder interface {
	// ObserveOperation records one terminal operation against a collection
	// with its outcome ("ok" or "error") and duration.
	ObserveOperation(collection, operation, status string, duration time.Duration)

	// ObserveDereference records one dereference batch and the number of
	// ids it resolved.
	ObserveDereference(collection string, ids int)
}

// Registry manages Prometheus metrics registration and exposure for the ODM.
// It registers the operation collectors plus Go runtime metrics by default.
type Registry struct {
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	dereferenceTotal  *prometheus.CounterVec
	dereferencedIDs   *prometheus.CounterVec
}

// NewRegistry creates a metrics registry with the ODM collectors and the
// standard Go runtime collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odm_operations_total",
			Help: "Total number of terminal ODM operations by collection, operation and status",
		}, []string{"collection", "operation", "status"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odm_operation_duration_seconds",
			Help:    "Duration of terminal ODM operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"collection", "operation"}),
		dereferenceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odm_dereference_batches_total",
			Help: "Total number of reference dereference batches issued",
		}, []string{"collection"}),
		dereferencedIDs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odm_dereferenced_ids_total",
			Help: "Total number of ids resolved by dereference batches",
		}, []string{"collection"}),
	}

	reg.MustRegister(r.operationsTotal, r.operationDuration, r.dereferenceTotal, r.dereferencedIDs)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return r
}

// ObserveOperation implements Recorder.
func (r *Registry) ObserveOperation(collection, operation, status string, duration time.Duration) {
	r.operationsTotal.WithLabelValues(collection, operation, status).Inc()
	r.operationDuration.WithLabelValues(collection, operation).Observe(duration.Seconds())
}

// ObserveDereference implements Recorder.
func (r *Registry) ObserveDereference(collection string, ids int) {
	r.dereferenceTotal.WithLabelValues(collection).Inc()
	r.dereferencedIDs.WithLabelValues(collection).Add(float64(ids))
}

// Register registers a custom Prometheus collector alongside the ODM metrics.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// MustRegister registers custom Prometheus collectors and panics on error.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.registry.MustRegister(cs...)
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer returns the underlying prometheus.Gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Nop returns a Recorder that drops every observation.
func Nop() Recorder { return nopRecorder{} }

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string, string, time.Duration) {}
func (nopRecorder) ObserveDereference(string, int)                         {}
