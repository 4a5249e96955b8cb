package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openexch/matchengine/internal/models"
)

func TestPublisherRoundTrip(t *testing.T) {
	publisher := NewPublisher(16, nil)
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := publisher.Subscribe(ctx, "BTC/USDT")
	require.NoError(t, err)

	event := &models.OrderMatchedEvent{
		EventBase: models.EventBase{
			OrderID:        uuid.New(),
			Symbol:         "BTC/USDT",
			Timestamp:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
			SequenceNumber: 42,
		},
		MakerOrderID: uuid.New(),
		TradeID:      "trade-1",
		Price:        decimal.NewFromInt(100),
		Quantity:     decimal.NewFromInt(1),
		Side:         models.OrderSideBuy,
	}
	publisher.Publish("BTC/USDT", []models.OrderEvent{event})

	select {
	case msg := <-messages:
		assert.Equal(t, string(models.EventTypeOrderMatched), msg.Metadata.Get(MetadataEventType))
		assert.Equal(t, "42", msg.Metadata.Get(MetadataSequence))

		decoded, err := DecodeMessage(msg)
		require.NoError(t, err)
		matched, ok := decoded.(*models.OrderMatchedEvent)
		require.True(t, ok)
		assert.Equal(t, event.OrderID, matched.OrderID)
		assert.Equal(t, event.TradeID, matched.TradeID)
		assert.True(t, matched.Price.Equal(event.Price))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestPublisherSymbolIsolation(t *testing.T) {
	publisher := NewPublisher(16, nil)
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	btc, err := publisher.Subscribe(ctx, "BTC/USDT")
	require.NoError(t, err)

	event := &models.OrderPlacedEvent{
		EventBase: models.EventBase{
			OrderID:   uuid.New(),
			Symbol:    "ETH/USDT",
			Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		},
		UserID:   uuid.New(),
		Quantity: decimal.NewFromInt(1),
	}
	publisher.Publish("ETH/USDT", []models.OrderEvent{event})

	select {
	case <-btc:
		t.Fatal("BTC subscriber must not see ETH events")
	case <-time.After(100 * time.Millisecond):
	}
}
