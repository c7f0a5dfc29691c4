package metrics_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeDotsLabs/ordermill/cqrs"
	"github.com/ThreeDotsLabs/ordermill/eventstore"
	"github.com/ThreeDotsLabs/ordermill/message"
	"github.com/ThreeDotsLabs/ordermill/metrics"
)

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := registry.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	next:
		for _, metric := range family.GetMetric() {
			got := map[string]string{}
			for _, pair := range metric.GetLabel() {
				got[pair.GetName()] = pair.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}
			return metric.GetCounter().GetValue()
		}
	}

	return 0
}

func TestRouterMiddleware_counts_successes_and_failures(t *testing.T) {
	registry := prometheus.NewRegistry()
	builder := metrics.NewPrometheusMetricsBuilder(registry, "ordermill", "test")

	middleware, err := builder.NewRouterMiddleware()
	require.NoError(t, err)

	succeeding := middleware.Middleware(func(msg *message.Message) ([]*message.Message, error) {
		return nil, nil
	})
	failing := middleware.Middleware(func(msg *message.Message) ([]*message.Message, error) {
		return nil, errors.New("handler failed")
	})

	msg := message.NewMessage("1", nil)
	_, err = succeeding(msg)
	require.NoError(t, err)
	_, err = succeeding(msg)
	require.NoError(t, err)
	_, err = failing(msg)
	require.Error(t, err)

	assert.Equal(t, 2.0, counterValue(t, registry, "ordermill_test_handler_successes_total", nil))
	assert.Equal(t, 1.0, counterValue(t, registry, "ordermill_test_handler_failures_total", nil))
}

func TestRouterMiddleware_tolerates_double_registration(t *testing.T) {
	registry := prometheus.NewRegistry()
	builder := metrics.NewPrometheusMetricsBuilder(registry, "ordermill", "test")

	first, err := builder.NewRouterMiddleware()
	require.NoError(t, err)
	second, err := builder.NewRouterMiddleware()
	require.NoError(t, err)

	handler := func(msg *message.Message) ([]*message.Message, error) { return nil, nil }
	msg := message.NewMessage("1", nil)

	_, err = first.Middleware(handler)(msg)
	require.NoError(t, err)
	_, err = second.Middleware(handler)(msg)
	require.NoError(t, err)

	assert.Equal(t, 2.0, counterValue(t, registry, "ordermill_test_handler_successes_total", nil),
		"both middlewares must share the same collector")
}

func TestCommandBusMiddleware_labels_outcomes(t *testing.T) {
	registry := prometheus.NewRegistry()
	builder := metrics.NewPrometheusMetricsBuilder(registry, "ordermill", "test")

	middleware, err := builder.NewCommandBusMiddleware(nil)
	require.NoError(t, err)

	type placeOrder struct{}

	results := []error{
		nil,
		errors.Wrap(eventstore.ConflictError{AggregateID: "order-1"}, "cannot append events"),
		cqrs.InvalidCommandError{CommandName: "placeOrder", Err: errors.New("empty id")},
		errors.New("storage down"),
	}
	i := 0
	send := middleware.Middleware(func(ctx context.Context, cmd interface{}) error {
		err := results[i]
		i++
		return err
	})

	for range results {
		_ = send(context.Background(), placeOrder{})
	}

	commandName := "metrics_test.placeOrder"
	for outcome, want := range map[string]float64{
		cqrs.OutcomeOK:       1,
		cqrs.OutcomeConflict: 1,
		cqrs.OutcomeRejected: 1,
		cqrs.OutcomeError:    1,
	} {
		assert.Equal(t, want, counterValue(t, registry, "ordermill_test_commands_total", map[string]string{
			"command_name": commandName,
			"outcome":      outcome,
		}), "outcome %s", outcome)
	}
}

type stubPublisher struct {
	published int
	err       error
}

func (p *stubPublisher) Publish(topic string, messages ...*message.Message) error {
	if p.err != nil {
		return p.err
	}
	p.published += len(messages)
	return nil
}

func (p *stubPublisher) Close() error { return nil }

func TestDecoratePublisher_counts_per_topic(t *testing.T) {
	registry := prometheus.NewRegistry()
	builder := metrics.NewPrometheusMetricsBuilder(registry, "ordermill", "test")

	pub := &stubPublisher{}
	decorated, err := builder.DecoratePublisher(pub)
	require.NoError(t, err)

	require.NoError(t, decorated.Publish("orders.events", message.NewMessage("1", nil)))
	require.NoError(t, decorated.Publish("orders.events", message.NewMessage("2", nil)))

	pub.err = errors.New("broker down")
	require.Error(t, decorated.Publish("orders.events", message.NewMessage("3", nil)))

	topic := map[string]string{"topic": "orders.events"}
	assert.Equal(t, 2.0, counterValue(t, registry, "ordermill_test_publisher_success_total", topic))
	assert.Equal(t, 1.0, counterValue(t, registry, "ordermill_test_publisher_fail_total", topic))
	assert.Equal(t, 2, pub.published)
}
