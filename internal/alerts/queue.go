package alerts

import (
	"context"

	"cosplans/internal/mq"
	"cosplans/internal/types"
)

type jsonPublisher interface {
	PublishJSON(ctx context.Context, queue string, v any, opts mq.QueueOptions) error
}

// QueueSink forwards incident events to the broker for the worker's dispatcher.
type QueueSink struct {
	publisher jsonPublisher
	opts      mq.QueueOptions
}

func NewQueueSink(publisher jsonPublisher, opts mq.QueueOptions) *QueueSink {
	return &QueueSink{publisher: publisher, opts: opts}
}

func (s *QueueSink) Publish(ctx context.Context, event types.IncidentEvent) error {
	return s.publisher.PublishJSON(ctx, mq.IncidentEventsQueue, event, s.opts)
}
