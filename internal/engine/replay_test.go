package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openexch/matchengine/internal/eventstore"
	"github.com/openexch/matchengine/internal/models"
)

// replayFixture drives a command sequence that touches every order type
// except take-profit, and the main lifecycle edges, so the replayed book has
// something to disagree about.
func replayFixture(t *testing.T, eng *MatchingEngine) []uuid.UUID {
	t.Helper()
	ctx := context.Background()
	user := uuid.MustParse("5e0f2c0a-0d5b-4f9f-9a75-0c9a45e2b101")
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var ids []uuid.UUID

	place := func(mutate func(*models.PlaceOrderCommand)) uuid.UUID {
		ts = ts.Add(time.Second)
		cmd := &models.PlaceOrderCommand{
			OrderID:   uuid.New(),
			UserID:    user,
			Symbol:    "BTC/USDT",
			Type:      models.OrderTypeLimit,
			Side:      models.OrderSideBuy,
			Quantity:  decimal.NewFromInt(1),
			Timestamp: ts,
		}
		mutate(cmd)
		_, err := eng.PlaceOrder(ctx, cmd)
		require.NoError(t, err)
		ids = append(ids, cmd.OrderID)
		return cmd.OrderID
	}

	// Resting bids and asks across several levels
	place(func(c *models.PlaceOrderCommand) { c.Price = decp("100"); c.Quantity = dec("3") })
	place(func(c *models.PlaceOrderCommand) { c.Price = decp("99"); c.Quantity = dec("2") })
	place(func(c *models.PlaceOrderCommand) {
		c.Side = models.OrderSideSell
		c.Price = decp("103")
		c.Quantity = dec("2")
	})

	// Partial fill against the best bid
	place(func(c *models.PlaceOrderCommand) {
		c.Side = models.OrderSideSell
		c.Price = decp("100")
		c.Quantity = dec("1")
	})

	// An iceberg that refreshes once
	place(func(c *models.PlaceOrderCommand) {
		c.Side = models.OrderSideSell
		c.Type = models.OrderTypeIceberg
		c.Price = decp("101")
		c.Quantity = dec("6")
		c.IcebergVisibleQuantity = decp("2")
	})
	place(func(c *models.PlaceOrderCommand) { c.Price = decp("101"); c.Quantity = dec("3") })

	// Market sweep with residual cancel
	place(func(c *models.PlaceOrderCommand) {
		c.Type = models.OrderTypeMarket
		c.Price = nil
		c.Quantity = dec("10")
	})

	// A stop that fires on the next trade and a trailing stop that stays
	// parked
	place(func(c *models.PlaceOrderCommand) {
		c.Side = models.OrderSideSell
		c.Type = models.OrderTypeStopLoss
		c.Price = nil
		c.StopPrice = decp("98")
		c.Quantity = dec("1")
	})
	place(func(c *models.PlaceOrderCommand) {
		c.Side = models.OrderSideSell
		c.Type = models.OrderTypeTrailingStop
		c.Price = nil
		c.TrailingStopPrice = decp("4")
		c.Quantity = dec("1")
	})

	// Fresh liquidity, then a sweep deep enough to print below the stop
	// trigger and fire it
	place(func(c *models.PlaceOrderCommand) { c.Price = decp("97"); c.Quantity = dec("2") })
	place(func(c *models.PlaceOrderCommand) {
		c.Side = models.OrderSideSell
		c.Price = decp("97")
		c.Quantity = dec("5")
	})

	// Leave something resting on both sides
	place(func(c *models.PlaceOrderCommand) { c.Price = decp("94"); c.Quantity = dec("2") })
	place(func(c *models.PlaceOrderCommand) {
		c.Side = models.OrderSideSell
		c.Price = decp("105")
		c.Quantity = dec("1")
	})

	// Cancel a resting order
	canceled := place(func(c *models.PlaceOrderCommand) { c.Price = decp("95"); c.Quantity = dec("1") })
	ts = ts.Add(time.Second)
	_, err := eng.CancelOrder(ctx, &models.CancelOrderCommand{
		OrderID:   canceled,
		UserID:    user,
		Symbol:    "BTC/USDT",
		Timestamp: ts,
	})
	require.NoError(t, err)

	return ids
}

func assertOrdersEqual(t *testing.T, want, got *models.Order) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.UserID, got.UserID)
	assert.Equal(t, want.Symbol, got.Symbol)
	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, want.Side, got.Side)
	assert.Equal(t, want.Status, got.Status, "status of %s", want.ID)
	assert.True(t, want.Quantity.Equal(got.Quantity))
	assert.True(t, want.FilledQuantity.Equal(got.FilledQuantity),
		"filled quantity of %s: want %s, got %s", want.ID, want.FilledQuantity, got.FilledQuantity)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updated at of %s", want.ID)
}

func assertLevelsEqual(t *testing.T, want, got []models.BookLevel) {
	t.Helper()
	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.True(t, want[i].Price.Equal(got[i].Price))
		assert.True(t, want[i].Quantity.Equal(got[i].Quantity),
			"aggregate at %s: want %s, got %s", want[i].Price, want[i].Quantity, got[i].Quantity)
		assert.Equal(t, want[i].OrderCount, got[i].OrderCount)
	}
}

func TestReplayRebuildsIdenticalState(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewInMemoryEventStore(nil)
	live := NewMatchingEngine(store, zap.NewNop())
	ids := replayFixture(t, live)

	restored := NewMatchingEngine(store, zap.NewNop())
	require.NoError(t, restored.Restore(ctx, 4))

	// Books agree level by level
	liveSnap, err := live.GetOrderBook("BTC/USDT", 0)
	require.NoError(t, err)
	restoredSnap, err := restored.GetOrderBook("BTC/USDT", 0)
	require.NoError(t, err)
	assertLevelsEqual(t, liveSnap.Bids, restoredSnap.Bids)
	assertLevelsEqual(t, liveSnap.Asks, restoredSnap.Asks)

	// Resting queues agree order by order, including FIFO position
	liveBook := live.bookFor("BTC/USDT")
	restoredBook := restored.bookFor("BTC/USDT")
	for _, side := range []models.OrderSide{models.OrderSideBuy, models.OrderSideSell} {
		liveOrders := liveBook.Side(side).Orders()
		restoredOrders := restoredBook.Side(side).Orders()
		require.Equal(t, len(liveOrders), len(restoredOrders))
		for i := range liveOrders {
			assert.Equal(t, liveOrders[i].ID, restoredOrders[i].ID, "queue position %d on %s", i, side)
		}
	}

	// Parked orders agree, including trailing triggers
	livePark := liveBook.ParkedOrders()
	restoredPark := restoredBook.ParkedOrders()
	require.Equal(t, len(livePark), len(restoredPark))
	for i := range livePark {
		assert.Equal(t, livePark[i].Order.ID, restoredPark[i].Order.ID)
		require.Equal(t, livePark[i].Trigger == nil, restoredPark[i].Trigger == nil)
		if livePark[i].Trigger != nil {
			assert.True(t, livePark[i].Trigger.Equal(*restoredPark[i].Trigger))
		}
	}

	// Every order record agrees
	for _, id := range ids {
		want, ok := live.GetOrder(id)
		require.True(t, ok)
		got, ok := restored.GetOrder(id)
		require.True(t, ok, "restored engine is missing order %s", id)
		assertOrdersEqual(t, want, got)
	}

	// Trade history agrees
	liveTrades := live.Trades("BTC/USDT")
	restoredTrades := restored.Trades("BTC/USDT")
	require.Equal(t, len(liveTrades), len(restoredTrades))
	for i := range liveTrades {
		assert.Equal(t, liveTrades[i].ID, restoredTrades[i].ID)
		assert.True(t, liveTrades[i].Price.Equal(restoredTrades[i].Price))
		assert.True(t, liveTrades[i].Quantity.Equal(restoredTrades[i].Quantity))
		assert.Equal(t, liveTrades[i].TakerOrderID, restoredTrades[i].TakerOrderID)
		assert.Equal(t, liveTrades[i].MakerOrderID, restoredTrades[i].MakerOrderID)
	}
}

func TestRestoreEmptyLog(t *testing.T) {
	store := eventstore.NewInMemoryEventStore(nil)
	eng := NewMatchingEngine(store, zap.NewNop())
	require.NoError(t, eng.Restore(context.Background(), 4))
	assert.Empty(t, eng.Symbols())
}

func TestRestoreSeedsDuplicateDetection(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewInMemoryEventStore(nil)
	live := NewMatchingEngine(store, zap.NewNop())

	cmd := &models.PlaceOrderCommand{
		OrderID:   uuid.New(),
		UserID:    uuid.New(),
		Symbol:    "BTC/USDT",
		Type:      models.OrderTypeLimit,
		Side:      models.OrderSideBuy,
		Price:     decp("100"),
		Quantity:  dec("1"),
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	first, err := live.PlaceOrder(ctx, cmd)
	require.NoError(t, err)

	restored := NewMatchingEngine(store, zap.NewNop())
	require.NoError(t, restored.Restore(ctx, 1))

	second, err := restored.PlaceOrder(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, eventTypes(first), eventTypes(second))

	snapshot, err := restored.GetOrderBook("BTC/USDT", 0)
	require.NoError(t, err)
	require.Len(t, snapshot.Bids, 1)
	assert.True(t, snapshot.Bids[0].Quantity.Equal(dec("1")), "the duplicate must not double the book")
}
