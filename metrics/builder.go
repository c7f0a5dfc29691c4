package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ThreeDotsLabs/ordermill/message"
)

func NewPrometheusMetricsBuilder(prometheusRegistry *prometheus.Registry, namespace string, subsystem string) PrometheusMetricsBuilder {
	return PrometheusMetricsBuilder{
		Namespace:          namespace,
		Subsystem:          subsystem,
		PrometheusRegistry: prometheusRegistry,
	}
}

// PrometheusMetricsBuilder provides methods to instrument the command bus,
// the router's handlers and the relay's publisher.
type PrometheusMetricsBuilder struct {
	PrometheusRegistry *prometheus.Registry

	Namespace string
	Subsystem string
}

// AddPrometheusRouterMetrics registers the handler metrics middleware on
// the router.
func (b PrometheusMetricsBuilder) AddPrometheusRouterMetrics(r *message.Router) error {
	middleware, err := b.NewRouterMiddleware()
	if err != nil {
		return err
	}

	r.AddMiddleware(middleware.Middleware)

	return nil
}

func (b PrometheusMetricsBuilder) register(c prometheus.Collector) (prometheus.Collector, error) {
	err := b.PrometheusRegistry.Register(c)
	if err == nil {
		return c, nil
	}

	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		return are.ExistingCollector, nil
	}

	return nil, err
}

func (b PrometheusMetricsBuilder) registerCounterVec(c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	col, err := b.register(c)
	if err != nil {
		return nil, err
	}
	return col.(*prometheus.CounterVec), nil
}

func (b PrometheusMetricsBuilder) registerHistogramVec(h *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	col, err := b.register(h)
	if err != nil {
		return nil, err
	}
	return col.(*prometheus.HistogramVec), nil
}
