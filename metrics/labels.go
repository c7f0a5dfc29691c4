package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ThreeDotsLabs/ordermill/message"
)

const (
	labelKeyHandlerName = "handler_name"
	labelKeyCommandName = "command_name"
	labelKeyOutcome     = "outcome"
	labelKeyTopic       = "topic"
)

var labelGetters = map[string]func(context.Context) string{
	labelKeyHandlerName: message.HandlerNameFromCtx,
}

func labelsFromCtx(ctx context.Context, labels ...string) prometheus.Labels {
	ctxLabels := map[string]string{}

	for _, l := range labels {
		ctxLabels[l] = ""

		getter, ok := labelGetters[l]
		if !ok {
			continue
		}

		v := getter(ctx)
		if v != "" {
			ctxLabels[l] = v
		}
	}

	return ctxLabels
}
