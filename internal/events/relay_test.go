package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch/amazon-price-watcher/internal/database"
)

// MockRedisClient is a mock for Redis client
type MockRedisClient struct {
	mock.Mock
}

func (m *MockRedisClient) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	mockArgs := m.Called(ctx, args)
	cmd := redis.NewStringCmd(ctx)
	if mockArgs.Get(0) != nil {
		cmd.SetErr(mockArgs.Error(0))
	} else {
		cmd.SetVal("1234567890-0") // Mock stream ID
	}
	return cmd
}

func (m *MockRedisClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockOutbox is a mock for the outbox store
type MockOutbox struct {
	mock.Mock
}

func (m *MockOutbox) GetPending(ctx context.Context, limit int) ([]*database.OutboxEvent, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*database.OutboxEvent), args.Error(1)
}

func (m *MockOutbox) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockOutbox) MarkFailed(ctx context.Context, id uuid.UUID, err error) error {
	args := m.Called(ctx, id, err)
	return args.Error(0)
}

func (m *MockOutbox) PendingCount(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockOutbox) DeadLetterCount(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func xaddValues(args *redis.XAddArgs) map[string]interface{} {
	values, _ := args.Values.(map[string]interface{})
	return values
}

func priceChangedEvent(asin string) *database.OutboxEvent {
	oldPrice, newPrice := 100.00, 120.00
	payload, _ := json.Marshal(&PriceChangedPayload{
		EventID:       uuid.New().String(),
		EventType:     string(EventTypePriceChanged),
		Timestamp:     time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC),
		ASIN:          asin,
		OldPrice:      &oldPrice,
		NewPrice:      &newPrice,
		Change:        20.00,
		ChangePercent: 20.00,
		Source:        "price-watcher",
	})
	return &database.OutboxEvent{
		ID:        uuid.New(),
		ASIN:      asin,
		EventType: string(EventTypePriceChanged),
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

func TestRelay_ProcessEvents(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	t.Run("successfully process and publish events", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutbox)

		relay := NewRelay(mockOutbox, mockRedis, logger, RelayConfig{BatchSize: 10})

		events := []*database.OutboxEvent{priceChangedEvent("B001TEST"), priceChangedEvent("B002TEST")}

		mockOutbox.On("GetPending", ctx, 10).Return(events, nil)

		for _, event := range events {
			event := event
			mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
				return args.Stream == StreamPriceChanges &&
					xaddValues(args)["event_type"] == event.EventType &&
					xaddValues(args)["asin"] == event.ASIN
			})).Return(nil)

			mockOutbox.On("MarkProcessed", ctx, event.ID).Return(nil)
		}

		err := relay.processEvents(ctx)
		require.NoError(t, err)

		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("handle Redis publish failure", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutbox)

		relay := NewRelay(mockOutbox, mockRedis, logger, RelayConfig{BatchSize: 10})

		event := priceChangedEvent("B001TEST")

		mockOutbox.On("GetPending", ctx, 10).Return([]*database.OutboxEvent{event}, nil)

		redisErr := errors.New("redis connection failed")
		mockRedis.On("XAdd", ctx, mock.Anything).Return(redisErr)

		mockOutbox.On("MarkFailed", ctx, event.ID, mock.MatchedBy(func(err error) bool {
			return err.Error() == "failed to publish to redis: redis connection failed"
		})).Return(nil)

		err := relay.processEvents(ctx)
		assert.NoError(t, err) // processEvents should not fail on individual event errors

		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("continue processing on individual event failure", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutbox)

		relay := NewRelay(mockOutbox, mockRedis, logger, RelayConfig{BatchSize: 10})

		events := []*database.OutboxEvent{priceChangedEvent("B001TEST"), priceChangedEvent("B002TEST")}

		mockOutbox.On("GetPending", ctx, 10).Return(events, nil)

		// First event fails
		mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return xaddValues(args)["asin"] == "B001TEST"
		})).Return(errors.New("redis error"))
		mockOutbox.On("MarkFailed", ctx, events[0].ID, mock.Anything).Return(nil)

		// Second event succeeds
		mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return xaddValues(args)["asin"] == "B002TEST"
		})).Return(nil)
		mockOutbox.On("MarkProcessed", ctx, events[1].ID).Return(nil)

		err := relay.processEvents(ctx)
		require.NoError(t, err)

		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})
}

func TestRelay_Publish(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	t.Run("typed stream entry fields", func(t *testing.T) {
		mockRedis := new(MockRedisClient)

		relay := NewRelay(new(MockOutbox), mockRedis, logger, RelayConfig{})

		event := priceChangedEvent("B001TEST")

		mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			data, ok := xaddValues(args)["data"].(string)
			if !ok {
				return false
			}

			var payload PriceChangedPayload
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				return false
			}

			return args.Stream == StreamPriceChanges &&
				xaddValues(args)["event_type"] == "PRICE_CHANGED" &&
				xaddValues(args)["asin"] == "B001TEST" &&
				xaddValues(args)["change"] == "20.00" &&
				xaddValues(args)["change_percent"] == "20.00" &&
				xaddValues(args)["source"] == "price-watcher" &&
				payload.ASIN == "B001TEST" &&
				*payload.NewPrice == 120.00
		})).Return(nil)

		err := relay.publish(ctx, event)
		require.NoError(t, err)

		mockRedis.AssertExpectations(t)
	})

	t.Run("malformed payload is rejected before publishing", func(t *testing.T) {
		mockRedis := new(MockRedisClient)

		relay := NewRelay(new(MockOutbox), mockRedis, logger, RelayConfig{})

		event := priceChangedEvent("B001TEST")
		event.Payload = json.RawMessage(`not json`)

		err := relay.publish(ctx, event)
		assert.Error(t, err)
		mockRedis.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
	})
}

func TestRelay_Start(t *testing.T) {
	logger := slog.Default()

	t.Run("stop on context cancellation", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutbox)

		relay := NewRelay(mockOutbox, mockRedis, logger, RelayConfig{
			PollInterval: 50 * time.Millisecond,
			BatchSize:    10,
		})

		mockOutbox.On("GetPending", mock.Anything, 10).Return([]*database.OutboxEvent{}, nil).Maybe()

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error)
		go func() {
			done <- relay.Start(ctx)
		}()

		time.Sleep(100 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(1 * time.Second):
			t.Fatal("relay did not stop on context cancellation")
		}
	})
}
