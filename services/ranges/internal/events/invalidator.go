package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/AfshinJalili/withdrawal-ranges/libs/kafka"
)

type Refresher interface {
	RefreshCache(ctx context.Context) error
}

// CacheInvalidator reloads the local lookup cache of a table when another
// instance reports a change to it.
type CacheInvalidator struct {
	refreshers map[string]Refresher
	self       string
	logger     *slog.Logger
}

// NewCacheInvalidator keys refreshers by table name. Events whose source is
// self are skipped; the writing instance has already refreshed.
func NewCacheInvalidator(refreshers map[string]Refresher, self string, logger *slog.Logger) *CacheInvalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheInvalidator{
		refreshers: refreshers,
		self:       self,
		logger:     logger,
	}
}

func (h *CacheInvalidator) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event RangeChangedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode range event: %w", err), "decode")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_event")
	}
	if event.EventType != EventTypeRangeChanged {
		h.logger.Debug("ignoring event", "event_type", event.EventType)
		return nil
	}
	if h.self != "" && event.Source == h.self {
		return nil
	}

	refresher, ok := h.refreshers[event.Table]
	if !ok {
		return kafka.DLQ(fmt.Errorf("unknown range table %q", event.Table), "unknown_table")
	}
	if err := refresher.RefreshCache(ctx); err != nil {
		return fmt.Errorf("refresh %s cache: %w", event.Table, err)
	}
	h.logger.Info("range cache reloaded from peer change",
		"table", event.Table,
		"action", event.Action,
		"event_id", event.EventID,
		"source", event.Source,
	)
	return nil
}
