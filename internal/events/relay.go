package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pricewatch/amazon-price-watcher/internal/database"
)

// StreamPriceChanges is the Redis stream price-change events are delivered
// to after their transaction commits.
const StreamPriceChanges = "stream:price_changes"

// RedisClient is the stream-publishing capability the relay needs.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// Outbox is the queued-event store the relay drains.
type Outbox interface {
	GetPending(ctx context.Context, limit int) ([]*database.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
	PendingCount(ctx context.Context) (int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

// Relay drains committed price-change events from the outbox and delivers
// them to the Redis stream. Delivery failures are retried with backoff by
// the outbox, so a Redis outage never loses an event.
type Relay struct {
	redis     RedisClient
	outbox    Outbox
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

func NewRelay(outbox Outbox, redisClient RedisClient, logger *slog.Logger, config RelayConfig) *Relay {
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}

	return &Relay{
		redis:     redisClient,
		outbox:    outbox,
		logger:    logger.With("component", "relay"),
		interval:  config.PollInterval,
		batchSize: config.BatchSize,
	}
}

// Start polls the outbox until the context is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay",
		"stream", StreamPriceChanges,
		"interval", r.interval,
		"batch_size", r.batchSize)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Drain whatever is already queued before the first tick.
	if err := r.processEvents(ctx); err != nil {
		r.logger.Error("failed to process events on startup", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.processEvents(ctx); err != nil {
				r.logger.Error("failed to process events", "error", err)
			}
		}
	}
}

// processEvents delivers one batch. A single undeliverable event is marked
// failed and does not block the rest of the batch.
func (r *Relay) processEvents(ctx context.Context) error {
	events, err := r.outbox.GetPending(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to get pending events: %w", err)
	}

	if len(events) == 0 {
		return nil
	}

	r.logger.Debug("processing events", "count", len(events))

	for _, event := range events {
		if err := r.processEvent(ctx, event); err != nil {
			r.logger.Error("failed to process event",
				"event_id", event.ID,
				"asin", event.ASIN,
				"error", err)
		}
	}

	return nil
}

func (r *Relay) processEvent(ctx context.Context, event *database.OutboxEvent) error {
	if err := r.publish(ctx, event); err != nil {
		if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
			r.logger.Error("failed to mark event as failed",
				"event_id", event.ID,
				"error", markErr)
		}
		return err
	}

	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		r.logger.Error("failed to mark event as processed",
			"event_id", event.ID,
			"error", err)
		return err
	}

	r.logger.Info("price change delivered",
		"event_id", event.ID,
		"asin", event.ASIN,
		"retry_count", event.RetryCount)

	return nil
}

// publish writes one stream entry. The full payload travels in the data
// field; the price-change essentials are duplicated as flat entry fields so
// consumers can filter without parsing JSON.
func (r *Relay) publish(ctx context.Context, event *database.OutboxEvent) error {
	var payload PriceChangedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: StreamPriceChanges,
		Values: map[string]interface{}{
			"data":           string(event.Payload),
			"event_id":       payload.EventID,
			"event_type":     event.EventType,
			"asin":           payload.ASIN,
			"change":         fmt.Sprintf("%.2f", payload.Change),
			"change_percent": fmt.Sprintf("%.2f", payload.ChangePercent),
			"timestamp":      payload.Timestamp.Format(time.RFC3339),
			"source":         payload.Source,
		},
	}

	if _, err := r.redis.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}

	return nil
}

// PendingCount reports the outbox delivery backlog.
func (r *Relay) PendingCount(ctx context.Context) (int64, error) {
	return r.outbox.PendingCount(ctx)
}

// DeadLetterCount reports how many events exhausted their retries.
func (r *Relay) DeadLetterCount(ctx context.Context) (int64, error) {
	return r.outbox.DeadLetterCount(ctx)
}
