package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AfshinJalili/withdrawal-ranges/libs/kafka"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/rangetable"
)

const (
	EventTypeRangeChanged = "range.changed"
	eventVersion          = 1
	DefaultTopic          = "ranges.changed"
)

type RangeChangedEvent struct {
	kafka.Envelope
	Table   string `json:"table"`
	Action  string `json:"action"`
	RangeID int64  `json:"range_id,omitempty"`
	Count   int    `json:"count"`
}

func (e RangeChangedEvent) EventEnvelope() kafka.Envelope {
	return e.Envelope
}

type correlationKey struct{}

// WithCorrelationID attaches the id copied into events published while
// handling ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Publisher announces committed range table changes on a Kafka topic.
type Publisher struct {
	producer kafka.Publisher
	topic    string
	source   string
	logger   *slog.Logger
}

func NewPublisher(producer kafka.Publisher, topic, source string, logger *slog.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		producer: producer,
		topic:    topic,
		source:   source,
		logger:   logger,
	}
}

func (p *Publisher) RangeChanged(ctx context.Context, change rangetable.Change) error {
	env, err := kafka.NewEnvelope(EventTypeRangeChanged, eventVersion, p.source, correlationID(ctx))
	if err != nil {
		return err
	}
	event := RangeChangedEvent{
		Envelope: env,
		Table:    change.Table,
		Action:   change.Action,
		RangeID:  change.RangeID,
		Count:    change.Count,
	}

	partition, offset, err := p.producer.PublishJSON(ctx, p.topic, change.Table, event)
	if err != nil {
		return fmt.Errorf("publish %s: %w", EventTypeRangeChanged, err)
	}
	p.logger.Debug("range change published",
		"table", change.Table,
		"action", change.Action,
		"event_id", env.EventID,
		"partition", partition,
		"offset", offset,
	)
	return nil
}
