package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// injectTrace copies the active trace context into message headers.
func injectTrace(ctx context.Context, headers amqp.Table) amqp.Table {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	out := make(amqp.Table, len(headers)+len(carrier))
	for k, v := range headers {
		out[k] = v
	}
	for k, v := range carrier {
		out[k] = v
	}
	return out
}

func extractTrace(ctx context.Context, headers amqp.Table) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	carrier := make(propagation.MapCarrier, len(headers))
	for k, raw := range headers {
		switch v := raw.(type) {
		case string:
			carrier[k] = v
		case []byte:
			carrier[k] = string(v)
		case nil:
		default:
			carrier[k] = fmt.Sprint(v)
		}
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
