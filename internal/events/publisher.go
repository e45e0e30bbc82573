package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pricewatch/amazon-price-watcher/internal/database"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypePriceChanged is published when a reconciliation detects a
	// price movement.
	EventTypePriceChanged EventType = "PRICE_CHANGED"
)

// PriceChangedPayload is the payload for PRICE_CHANGED events. Old values
// may be null for records that were never checked before.
type PriceChangedPayload struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	ASIN          string    `json:"asin"`
	URL           string    `json:"url,omitempty"`
	OldPrice      *float64  `json:"old_price"`
	NewPrice      *float64  `json:"new_price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	ReviewCount   *int      `json:"review_count,omitempty"`
	Rating        *float64  `json:"rating,omitempty"`
	Source        string    `json:"source"`
}

// Publisher writes events through the transactional outbox so a price
// change and its event commit or roll back together.
type Publisher struct {
	outbox *database.OutboxRepository
	logger *slog.Logger
}

func NewPublisher(db *database.DB, logger *slog.Logger) *Publisher {
	return &Publisher{
		outbox: database.NewOutboxRepository(db),
		logger: logger.With("component", "event_publisher"),
	}
}

// PublishPriceChangedTx inserts a PRICE_CHANGED event into the outbox
// within the caller's transaction. The relay delivers it to the Redis
// stream after commit.
func (p *Publisher) PublishPriceChangedTx(ctx context.Context, tx pgx.Tx, payload *PriceChangedPayload) error {
	if payload.EventID == "" {
		payload.EventID = uuid.New().String()
	}
	if payload.EventType == "" {
		payload.EventType = string(EventTypePriceChanged)
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	if payload.Source == "" {
		payload.Source = "price-watcher"
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	outboxEvent := &database.OutboxEvent{
		ASIN:      payload.ASIN,
		EventType: string(EventTypePriceChanged),
		Payload:   data,
	}

	if err := p.outbox.InsertWithTx(ctx, tx, outboxEvent); err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	p.logger.Info("price change event queued",
		"event_id", payload.EventID,
		"asin", payload.ASIN,
		"change", payload.Change,
		"change_percent", payload.ChangePercent,
	)

	return nil
}
