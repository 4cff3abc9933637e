package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type ConsumerOptions struct {
	// DLQTopic receives messages the handler gave up on. Empty disables it.
	DLQTopic     string
	DLQPublisher Publisher
	MaxAttempts  int
	Backoff      time.Duration
}

type Consumer struct {
	group  sarama.ConsumerGroup
	logger *slog.Logger
	opts   ConsumerOptions
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger, opts ConsumerOptions) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:  group,
		logger: logger,
		opts:   opts,
	}, nil
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := newConsumerGroupHandler(handler, c.logger, c.opts)

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
	backoff      time.Duration
}

func newConsumerGroupHandler(handler MessageHandler, logger *slog.Logger, opts ConsumerOptions) *consumerGroupHandler {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &consumerGroupHandler{
		handler:      handler,
		logger:       logger,
		dlqPublisher: opts.DLQPublisher,
		dlqTopic:     opts.DLQTopic,
		maxAttempts:  attempts,
		backoff:      backoff,
	}
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := session.Context()
		attempts, err := h.handle(ctx, msg)
		if err == nil {
			session.MarkMessage(msg, "")
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		h.logger.Error("kafka message handler error",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempts", attempts,
			"error", err,
		)
		if !h.publishDLQ(ctx, msg, err, attempts) {
			continue
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerGroupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) (int, error) {
	var err error
	attempt := 0
	for attempt < h.maxAttempts {
		attempt++
		err = h.handler.HandleMessage(ctx, msg)
		if err == nil {
			return attempt, nil
		}
		var dlqErr *DLQError
		if errors.As(err, &dlqErr) {
			return attempt, err
		}
		if attempt == h.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return attempt, err
		case <-time.After(h.backoff * time.Duration(attempt)):
		}
	}
	return attempt, err
}

// publishDLQ reports whether the message may be committed.
func (h *consumerGroupHandler) publishDLQ(ctx context.Context, msg *sarama.ConsumerMessage, err error, attempts int) bool {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		return false
	}
	reason := "max_attempts"
	var dlqErr *DLQError
	if errors.As(err, &dlqErr) && dlqErr.Reason != "" {
		reason = dlqErr.Reason
	}
	payload := BuildDLQPayload(msg, err, reason, attempts)
	if _, _, pubErr := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, string(msg.Key), payload); pubErr != nil {
		h.logger.Error("kafka dlq publish failed", "topic", h.dlqTopic, "error", pubErr)
		return false
	}
	return true
}
