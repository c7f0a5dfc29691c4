package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ThreeDotsLabs/ordermill/message"
)

var handlerLabelKeys = []string{
	labelKeyHandlerName,
}

// HandlerPrometheusMetricsMiddleware counts and times every router handler
// execution.
type HandlerPrometheusMetricsMiddleware struct {
	handlerSuccessesTotal       *prometheus.CounterVec
	handlerFailuresTotal        *prometheus.CounterVec
	handlerExecutionTimeSeconds *prometheus.HistogramVec
}

func (m HandlerPrometheusMetricsMiddleware) Middleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) (msgs []*message.Message, err error) {
		now := time.Now()
		labels := labelsFromCtx(msg.Context(), handlerLabelKeys...)

		defer func() {
			m.handlerExecutionTimeSeconds.With(labels).Observe(time.Since(now).Seconds())
			if err != nil {
				m.handlerFailuresTotal.With(labels).Inc()
				return
			}
			m.handlerSuccessesTotal.With(labels).Inc()
		}()

		return h(msg)
	}
}

func (b PrometheusMetricsBuilder) NewRouterMiddleware() (HandlerPrometheusMetricsMiddleware, error) {
	var err error
	m := HandlerPrometheusMetricsMiddleware{}

	m.handlerSuccessesTotal, err = b.registerCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: b.Namespace,
			Subsystem: b.Subsystem,
			Name:      "handler_successes_total",
			Help:      "The total number of times a handler succeeded",
		},
		handlerLabelKeys,
	))
	if err != nil {
		return m, errors.Wrap(err, "could not register handler successes metric")
	}

	m.handlerFailuresTotal, err = b.registerCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: b.Namespace,
			Subsystem: b.Subsystem,
			Name:      "handler_failures_total",
			Help:      "The total number of times a handler failed",
		},
		handlerLabelKeys,
	))
	if err != nil {
		return m, errors.Wrap(err, "could not register handler failures metric")
	}

	m.handlerExecutionTimeSeconds, err = b.registerHistogramVec(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: b.Namespace,
			Subsystem: b.Subsystem,
			Name:      "handler_execution_time_seconds",
			Help:      "The time elapsed executing the handler function in seconds",
		},
		handlerLabelKeys,
	))
	if err != nil {
		return m, errors.Wrap(err, "could not register handler execution time metric")
	}

	return m, nil
}
