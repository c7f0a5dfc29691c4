package metrics

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ThreeDotsLabs/ordermill/cqrs"
)

// CommandBusPrometheusMetricsMiddleware counts and times every command
// sent through the bus. The counter carries an outcome label (ok,
// rejected, conflict, error) derived by the error classifier, so domain
// rejections do not pollute the error rate.
type CommandBusPrometheusMetricsMiddleware struct {
	commandsTotal              *prometheus.CounterVec
	commandHandlingTimeSeconds *prometheus.HistogramVec
	classify                   cqrs.ErrorClassifier
}

func (m CommandBusPrometheusMetricsMiddleware) Middleware(next cqrs.CommandHandlerFunc) cqrs.CommandHandlerFunc {
	return func(ctx context.Context, cmd interface{}) (err error) {
		now := time.Now()
		commandName := cqrs.MessageName(cmd)

		defer func() {
			m.commandHandlingTimeSeconds.With(prometheus.Labels{
				labelKeyCommandName: commandName,
			}).Observe(time.Since(now).Seconds())

			m.commandsTotal.With(prometheus.Labels{
				labelKeyCommandName: commandName,
				labelKeyOutcome:     m.classify(err),
			}).Inc()
		}()

		return next(ctx, cmd)
	}
}

// NewCommandBusMiddleware builds the command bus metrics middleware.
// A nil classifier falls back to cqrs.DefaultErrorClassifier.
func (b PrometheusMetricsBuilder) NewCommandBusMiddleware(classify cqrs.ErrorClassifier) (CommandBusPrometheusMetricsMiddleware, error) {
	if classify == nil {
		classify = cqrs.DefaultErrorClassifier
	}

	var err error
	m := CommandBusPrometheusMetricsMiddleware{classify: classify}

	m.commandsTotal, err = b.registerCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: b.Namespace,
			Subsystem: b.Subsystem,
			Name:      "commands_total",
			Help:      "The total number of commands sent through the bus, by outcome",
		},
		[]string{labelKeyCommandName, labelKeyOutcome},
	))
	if err != nil {
		return m, errors.Wrap(err, "could not register commands total metric")
	}

	m.commandHandlingTimeSeconds, err = b.registerHistogramVec(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: b.Namespace,
			Subsystem: b.Subsystem,
			Name:      "command_handling_time_seconds",
			Help:      "The time elapsed handling a command in seconds",
		},
		[]string{labelKeyCommandName},
	))
	if err != nil {
		return m, errors.Wrap(err, "could not register command handling time metric")
	}

	return m, nil
}
