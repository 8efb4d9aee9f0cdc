// Package metrics exports client operations to Prometheus.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qvcloud/mqrpc"
)

// Config controls the registry built by NewPrometheusObserver.
type Config struct {
	// ServiceName is attached to every series as the service label.
	ServiceName string
	// EnableDefaultCollectors registers the Go and process collectors.
	EnableDefaultCollectors bool
}

// PrometheusObserver is an mqrpc.Observer backed by its own registry.
type PrometheusObserver struct {
	// Registry holds the observer's series and, optionally, the runtime collectors.
	Registry *prometheus.Registry

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bytes      *prometheus.HistogramVec
}

var _ mqrpc.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the mqrpc_operations_total,
// mqrpc_operation_duration_seconds and mqrpc_message_bytes series.
func NewPrometheusObserver(cfg Config) *PrometheusObserver {
	registry := prometheus.NewRegistry()

	var reg prometheus.Registerer = registry
	if cfg.ServiceName != "" {
		reg = prometheus.WrapRegistererWith(prometheus.Labels{"service": cfg.ServiceName}, registry)
	}

	o := &PrometheusObserver{
		Registry: registry,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqrpc_operations_total",
			Help: "Client operations by transport, operation and outcome.",
		}, []string{"transport", "operation", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mqrpc_operation_duration_seconds",
			Help:    "Duration of client operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"transport", "operation"}),
		bytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mqrpc_message_bytes",
			Help:    "Size of published and fetched request bodies.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"transport", "operation"}),
	}

	reg.MustRegister(o.operations, o.duration, o.bytes)
	if cfg.EnableDefaultCollectors {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return o
}

// ObserveOperation records one completed operation.
func (o *PrometheusObserver) ObserveOperation(op mqrpc.OperationContext) {
	o.operations.WithLabelValues(op.Component, op.Operation, status(op.Error)).Inc()
	o.duration.WithLabelValues(op.Component, op.Operation).Observe(op.Duration.Seconds())
	if op.Size > 0 {
		o.bytes.WithLabelValues(op.Component, op.Operation).Observe(float64(op.Size))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (o *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(o.Registry, promhttp.HandlerOpts{})
}

func status(err error) string {
	var fault *mqrpc.TransportFault
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &fault):
		return "fault"
	default:
		return "error"
	}
}
