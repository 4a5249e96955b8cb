package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/openexch/matchengine/internal/common/errors"
	"github.com/openexch/matchengine/internal/eventstore"
	"github.com/openexch/matchengine/internal/models"
)

const testSymbol = "BTC/USDT"

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// flakyStore fails SaveEvents on demand to exercise rollback
type flakyStore struct {
	*eventstore.InMemoryEventStore
	fail bool
}

func (f *flakyStore) SaveEvents(ctx context.Context, events []models.OrderEvent) error {
	if f.fail {
		return fmt.Errorf("store is down")
	}
	return f.InMemoryEventStore.SaveEvents(ctx, events)
}

type EngineTestSuite struct {
	suite.Suite
	store  *flakyStore
	engine *MatchingEngine
	ctx    context.Context
	user   uuid.UUID
	ts     time.Time
}

func (s *EngineTestSuite) SetupTest() {
	s.store = &flakyStore{InMemoryEventStore: eventstore.NewInMemoryEventStore(nil)}
	s.engine = NewMatchingEngine(s.store, zap.NewNop())
	s.ctx = context.Background()
	s.user = uuid.New()
	s.ts = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func (s *EngineTestSuite) nextTS() time.Time {
	s.ts = s.ts.Add(time.Second)
	return s.ts
}

func (s *EngineTestSuite) placeCmd(orderType models.OrderType, side models.OrderSide, qty string) *models.PlaceOrderCommand {
	return &models.PlaceOrderCommand{
		OrderID:   uuid.New(),
		UserID:    s.user,
		Symbol:    testSymbol,
		Type:      orderType,
		Side:      side,
		Quantity:  dec(qty),
		Timestamp: s.nextTS(),
	}
}

func (s *EngineTestSuite) placeLimit(side models.OrderSide, price, qty string) (uuid.UUID, []models.OrderEvent) {
	cmd := s.placeCmd(models.OrderTypeLimit, side, qty)
	cmd.Price = decp(price)
	events, err := s.engine.PlaceOrder(s.ctx, cmd)
	s.Require().NoError(err)
	return cmd.OrderID, events
}

func (s *EngineTestSuite) placeMarket(side models.OrderSide, qty string) (uuid.UUID, []models.OrderEvent) {
	cmd := s.placeCmd(models.OrderTypeMarket, side, qty)
	events, err := s.engine.PlaceOrder(s.ctx, cmd)
	s.Require().NoError(err)
	return cmd.OrderID, events
}

func (s *EngineTestSuite) placeIceberg(side models.OrderSide, price, qty, visible string) (uuid.UUID, []models.OrderEvent) {
	cmd := s.placeCmd(models.OrderTypeIceberg, side, qty)
	cmd.Price = decp(price)
	cmd.IcebergVisibleQuantity = decp(visible)
	events, err := s.engine.PlaceOrder(s.ctx, cmd)
	s.Require().NoError(err)
	return cmd.OrderID, events
}

func (s *EngineTestSuite) placeStop(orderType models.OrderType, side models.OrderSide, stop, qty string) (uuid.UUID, []models.OrderEvent) {
	cmd := s.placeCmd(orderType, side, qty)
	cmd.StopPrice = decp(stop)
	events, err := s.engine.PlaceOrder(s.ctx, cmd)
	s.Require().NoError(err)
	return cmd.OrderID, events
}

func (s *EngineTestSuite) placeTrailing(side models.OrderSide, offset, qty string) (uuid.UUID, []models.OrderEvent) {
	cmd := s.placeCmd(models.OrderTypeTrailingStop, side, qty)
	cmd.TrailingStopPrice = decp(offset)
	events, err := s.engine.PlaceOrder(s.ctx, cmd)
	s.Require().NoError(err)
	return cmd.OrderID, events
}

func (s *EngineTestSuite) cancel(orderID uuid.UUID) ([]models.OrderEvent, error) {
	return s.engine.CancelOrder(s.ctx, &models.CancelOrderCommand{
		OrderID:   orderID,
		UserID:    s.user,
		Symbol:    testSymbol,
		Timestamp: s.nextTS(),
	})
}

func (s *EngineTestSuite) depth() *models.OrderBookSnapshot {
	snapshot, err := s.engine.GetOrderBook(testSymbol, 0)
	s.Require().NoError(err)
	return snapshot
}

func eventTypes(events []models.OrderEvent) []models.EventType {
	out := make([]models.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type())
	}
	return out
}

func eventTypesFor(events []models.OrderEvent, orderID uuid.UUID) []models.EventType {
	out := make([]models.EventType, 0, len(events))
	for _, e := range events {
		if e.EventOrderID() == orderID {
			out = append(out, e.Type())
		}
	}
	return out
}

func (s *EngineTestSuite) TestBasicMatch() {
	buyID, _ := s.placeLimit(models.OrderSideBuy, "100", "1")
	sellID, events := s.placeLimit(models.OrderSideSell, "100", "1")

	s.Equal([]models.EventType{
		models.EventTypeOrderPlaced,
		models.EventTypeOrderMatched,
		models.EventTypeOrderFilled,
	}, eventTypesFor(events, sellID))

	trades := s.engine.Trades(testSymbol)
	s.Require().Len(trades, 1)
	s.True(trades[0].Price.Equal(dec("100")))
	s.True(trades[0].Quantity.Equal(dec("1")))
	s.Equal(models.OrderSideSell, trades[0].Side)
	s.Equal(sellID, trades[0].TakerOrderID)
	s.Equal(buyID, trades[0].MakerOrderID, "the maker id is the resting order's id")

	snapshot := s.depth()
	s.Empty(snapshot.Bids)
	s.Empty(snapshot.Asks)

	for _, id := range []uuid.UUID{buyID, sellID} {
		order, ok := s.engine.GetOrder(id)
		s.Require().True(ok)
		s.Equal(models.OrderStatusFilled, order.Status)
		s.True(order.FilledQuantity.Equal(order.Quantity))
	}
}

func (s *EngineTestSuite) TestPartialFill() {
	buyID, _ := s.placeLimit(models.OrderSideBuy, "100", "2")
	_, events := s.placeLimit(models.OrderSideSell, "100", "1")

	s.Contains(eventTypes(events), models.EventTypeOrderPartiallyFilled)

	buy, ok := s.engine.GetOrder(buyID)
	s.Require().True(ok)
	s.Equal(models.OrderStatusPartiallyFilled, buy.Status)
	s.True(buy.FilledQuantity.Equal(dec("1")))

	snapshot := s.depth()
	s.Require().Len(snapshot.Bids, 1)
	s.True(snapshot.Bids[0].Quantity.Equal(dec("1")))
}

func (s *EngineTestSuite) TestPricePriority() {
	lowID, _ := s.placeLimit(models.OrderSideBuy, "100", "1")
	highID, _ := s.placeLimit(models.OrderSideBuy, "101", "1")
	s.placeLimit(models.OrderSideSell, "100", "1")

	trades := s.engine.Trades(testSymbol)
	s.Require().Len(trades, 1)
	s.Equal(highID, trades[0].MakerOrderID, "the best bid trades first")
	s.True(trades[0].Price.Equal(dec("101")), "execution at the maker's price")

	snapshot := s.depth()
	s.Require().Len(snapshot.Bids, 1)
	s.True(snapshot.Bids[0].Price.Equal(dec("100")))

	low, _ := s.engine.GetOrder(lowID)
	s.True(low.FilledQuantity.IsZero())
}

func (s *EngineTestSuite) TestPriceImprovementAcrossLevels() {
	s.placeLimit(models.OrderSideSell, "100", "1")
	s.placeLimit(models.OrderSideSell, "103", "1")
	_, events := s.placeLimit(models.OrderSideBuy, "105", "2")

	trades := s.engine.Trades(testSymbol)
	s.Require().Len(trades, 2)
	s.True(trades[0].Price.Equal(dec("100")))
	s.True(trades[1].Price.Equal(dec("103")), "each fill at that maker's price, never the taker's limit")
	s.Contains(eventTypes(events), models.EventTypeOrderFilled)
}

func (s *EngineTestSuite) TestMarketSweep() {
	s.placeLimit(models.OrderSideSell, "100", "1")
	s.placeLimit(models.OrderSideSell, "101", "1")
	s.placeLimit(models.OrderSideSell, "102", "1")
	marketID, _ := s.placeMarket(models.OrderSideBuy, "2.5")

	trades := s.engine.Trades(testSymbol)
	s.Require().Len(trades, 3)
	s.True(trades[0].Quantity.Equal(dec("1")))
	s.True(trades[1].Quantity.Equal(dec("1")))
	s.True(trades[2].Quantity.Equal(dec("0.5")))
	s.True(trades[2].Price.Equal(dec("102")))

	order, _ := s.engine.GetOrder(marketID)
	s.Equal(models.OrderStatusFilled, order.Status)

	snapshot := s.depth()
	s.Empty(snapshot.Bids, "market orders never rest")
	s.Require().Len(snapshot.Asks, 1)
	s.True(snapshot.Asks[0].Price.Equal(dec("102")))
	s.True(snapshot.Asks[0].Quantity.Equal(dec("0.5")))
}

func (s *EngineTestSuite) TestMarketExhaustion() {
	marketID, events := s.placeMarket(models.OrderSideBuy, "1")

	s.Equal([]models.EventType{
		models.EventTypeOrderPlaced,
		models.EventTypeOrderCanceled,
	}, eventTypes(events))

	canceled := events[1].(*models.OrderCanceledEvent)
	s.Equal(models.CancelReasonUnfilledMarket, canceled.Reason)

	order, _ := s.engine.GetOrder(marketID)
	s.Equal(models.OrderStatusCanceled, order.Status)
}

func (s *EngineTestSuite) TestFIFOWithinLevel() {
	firstID, _ := s.placeLimit(models.OrderSideBuy, "100", "1")
	secondID, _ := s.placeLimit(models.OrderSideBuy, "100", "1")
	s.placeLimit(models.OrderSideSell, "100", "1")

	trades := s.engine.Trades(testSymbol)
	s.Require().Len(trades, 1)
	s.Equal(firstID, trades[0].MakerOrderID)

	second, _ := s.engine.GetOrder(secondID)
	s.Equal(models.OrderStatusActive, second.Status)
	s.True(second.FilledQuantity.IsZero())
}

func (s *EngineTestSuite) TestCancel() {
	buyID, _ := s.placeLimit(models.OrderSideBuy, "100", "1")

	events, err := s.cancel(buyID)
	s.Require().NoError(err)
	s.Equal([]models.EventType{models.EventTypeOrderCanceled}, eventTypes(events))

	snapshot := s.depth()
	s.Empty(snapshot.Bids)

	order, _ := s.engine.GetOrder(buyID)
	s.Equal(models.OrderStatusCanceled, order.Status)

	_, err = s.cancel(buyID)
	s.True(errors.Is(err, errors.ErrOrderNotFound), "cancel of a dead id is UnknownOrder, not idempotent")
}

func (s *EngineTestSuite) TestCancelUnknownOrder() {
	_, err := s.cancel(uuid.New())
	s.True(errors.Is(err, errors.ErrOrderNotFound))
}

func (s *EngineTestSuite) TestCancelParkedStop() {
	stopID, _ := s.placeStop(models.OrderTypeStopLoss, models.OrderSideSell, "95", "1")

	events, err := s.cancel(stopID)
	s.Require().NoError(err)
	s.Equal([]models.EventType{models.EventTypeOrderCanceled}, eventTypes(events))

	order, _ := s.engine.GetOrder(stopID)
	s.Equal(models.OrderStatusCanceled, order.Status)
}

func (s *EngineTestSuite) TestIceberg() {
	icebergID, events := s.placeIceberg(models.OrderSideSell, "100", "10", "3")
	s.Contains(eventTypes(events), models.EventTypeOrderUpdated)

	// Only the visible slice shows in the depth
	snapshot := s.depth()
	s.Require().Len(snapshot.Asks, 1)
	s.True(snapshot.Asks[0].Quantity.Equal(dec("3")))

	_, events = s.placeLimit(models.OrderSideBuy, "100", "4")

	// Consuming the slice refreshes it at the back of the level
	s.Contains(eventTypes(events), models.EventTypeOrderUpdated)

	trades := s.engine.Trades(testSymbol)
	s.Require().Len(trades, 2)
	s.True(trades[0].Quantity.Equal(dec("3")))
	s.True(trades[1].Quantity.Equal(dec("1")))

	iceberg, _ := s.engine.GetOrder(icebergID)
	s.True(iceberg.FilledQuantity.Equal(dec("4")))
	s.Equal(models.OrderStatusPartiallyFilled, iceberg.Status)

	snapshot = s.depth()
	s.Require().Len(snapshot.Asks, 1)
	s.True(snapshot.Asks[0].Quantity.Equal(dec("2")), "depth reflects the remaining slice, not the hidden size")
}

func (s *EngineTestSuite) TestIcebergRefreshLosesTimePriority() {
	icebergID, _ := s.placeIceberg(models.OrderSideSell, "100", "10", "2")
	otherID, _ := s.placeLimit(models.OrderSideSell, "100", "2")

	// Consume the iceberg's slice exactly; it refreshes behind the other
	// order
	s.placeLimit(models.OrderSideBuy, "100", "2")

	// The next buy trades with the other order, not the refreshed slice
	s.placeLimit(models.OrderSideBuy, "100", "2")
	trades := s.engine.Trades(testSymbol)
	s.Require().Len(trades, 2)
	s.Equal(icebergID, trades[0].MakerOrderID)
	s.Equal(otherID, trades[1].MakerOrderID)
}

func (s *EngineTestSuite) TestStopLossTriggered() {
	s.placeLimit(models.OrderSideBuy, "94", "1")
	s.placeLimit(models.OrderSideBuy, "93", "1")
	stopID, events := s.placeStop(models.OrderTypeStopLoss, models.OrderSideSell, "95", "1")

	// No trade yet: the stop parks
	s.Equal([]models.EventType{models.EventTypeOrderPlaced}, eventTypes(events))
	stop, _ := s.engine.GetOrder(stopID)
	s.Equal(models.OrderStatusActive, stop.Status)

	// A trade at 94 crosses the 95 trigger; the stop releases as a market
	// sell and hits the 93 bid
	_, events = s.placeLimit(models.OrderSideSell, "94", "1")
	s.Contains(eventTypesFor(events, stopID), models.EventTypeOrderUpdated)
	s.Contains(eventTypesFor(events, stopID), models.EventTypeOrderFilled)

	trades := s.engine.Trades(testSymbol)
	s.Require().Len(trades, 2)
	s.True(trades[1].Price.Equal(dec("93")))
	s.Equal(stopID, trades[1].TakerOrderID)

	stop, _ = s.engine.GetOrder(stopID)
	s.Equal(models.OrderStatusFilled, stop.Status)
}

func (s *EngineTestSuite) TestTakeProfitBuyTriggered() {
	s.placeLimit(models.OrderSideSell, "100", "1")
	s.placeLimit(models.OrderSideSell, "102", "1")
	tpID, _ := s.placeStop(models.OrderTypeTakeProfit, models.OrderSideBuy, "101", "1")

	// A trade at 100 is at or below the 101 trigger; the take-profit
	// releases as a market buy and lifts the 102 ask
	s.placeLimit(models.OrderSideBuy, "100", "1")

	trades := s.engine.Trades(testSymbol)
	s.Require().Len(trades, 2)
	s.True(trades[1].Price.Equal(dec("102")))
	s.Equal(tpID, trades[1].TakerOrderID)

	tp, _ := s.engine.GetOrder(tpID)
	s.Equal(models.OrderStatusFilled, tp.Status)
}

func (s *EngineTestSuite) TestTrailingStop() {
	s.placeLimit(models.OrderSideBuy, "100", "1")
	trailID, events := s.placeTrailing(models.OrderSideSell, "5", "1")

	// The trigger establishes at best bid minus the offset
	var trailingSet *models.OrderUpdatedEvent
	for _, e := range events {
		if upd, ok := e.(*models.OrderUpdatedEvent); ok && upd.Reason == models.UpdateReasonTrailingAdjust {
			trailingSet = upd
		}
	}
	s.Require().NotNil(trailingSet)
	s.True(trailingSet.NewPrice.Equal(dec("95")))

	// A better bid ratchets the trigger up
	_, events = s.placeLimit(models.OrderSideBuy, "102", "1")
	found := false
	for _, e := range events {
		if upd, ok := e.(*models.OrderUpdatedEvent); ok && upd.Reason == models.UpdateReasonTrailingAdjust {
			s.True(upd.NewPrice.Equal(dec("97")))
			found = true
		}
	}
	s.True(found)

	// Lower bids never ratchet the trigger back down
	s.placeLimit(models.OrderSideBuy, "96", "1")
	s.placeLimit(models.OrderSideBuy, "90", "1")

	// Trades above the trigger do not fire it
	s.placeLimit(models.OrderSideSell, "102", "1")
	s.placeLimit(models.OrderSideSell, "100", "1")
	trail, _ := s.engine.GetOrder(trailID)
	s.Equal(models.OrderStatusActive, trail.Status)

	// A trade at 96 crosses the 97 trigger; the trailing stop releases as
	// a market sell and hits the 90 bid
	s.placeLimit(models.OrderSideSell, "96", "1")

	trail, _ = s.engine.GetOrder(trailID)
	s.Equal(models.OrderStatusFilled, trail.Status)
	trades := s.engine.Trades(testSymbol)
	last := trades[len(trades)-1]
	s.True(last.Price.Equal(dec("90")))
	s.Equal(trailID, last.TakerOrderID)
}

func (s *EngineTestSuite) TestDuplicatePlaceIsIdempotent() {
	cmd := s.placeCmd(models.OrderTypeLimit, models.OrderSideBuy, "1")
	cmd.Price = decp("100")

	first, err := s.engine.PlaceOrder(s.ctx, cmd)
	s.Require().NoError(err)
	before := s.depth()
	lastSeq := s.store.LastSequence()

	second, err := s.engine.PlaceOrder(s.ctx, cmd)
	s.Require().NoError(err)

	s.Equal(eventTypes(first), eventTypes(second))
	s.Require().Equal(len(first), len(second))
	for i := range first {
		s.Equal(first[i].Sequence(), second[i].Sequence())
	}
	s.Equal(lastSeq, s.store.LastSequence(), "no events appended for the duplicate")
	s.Equal(before.Bids, s.depth().Bids, "no state change on the second submission")
}

func (s *EngineTestSuite) TestRollbackOnStoreFailure() {
	makerID, _ := s.placeLimit(models.OrderSideBuy, "100", "2")
	before := s.depth()
	lastSeq := s.store.LastSequence()

	s.store.fail = true
	cmd := s.placeCmd(models.OrderTypeLimit, models.OrderSideSell, "1")
	cmd.Price = decp("100")
	_, err := s.engine.PlaceOrder(s.ctx, cmd)
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrBookUnavailable))

	// The book shows no trace of the failed command
	s.Equal(before.Bids, s.depth().Bids)
	s.Equal(lastSeq, s.store.LastSequence())
	maker, _ := s.engine.GetOrder(makerID)
	s.True(maker.FilledQuantity.IsZero())
	s.Equal(models.OrderStatusActive, maker.Status)
	_, ok := s.engine.GetOrder(cmd.OrderID)
	s.False(ok)

	// The caller may retry the same order id after the store recovers
	s.store.fail = false
	events, err := s.engine.PlaceOrder(s.ctx, cmd)
	s.Require().NoError(err)
	s.Contains(eventTypes(events), models.EventTypeOrderMatched)
	maker, _ = s.engine.GetOrder(makerID)
	s.True(maker.FilledQuantity.Equal(dec("1")))
}

func (s *EngineTestSuite) TestSelfTradeAllowed() {
	// Both orders belong to the same user; the engine neither prevents nor
	// flags the match
	s.placeLimit(models.OrderSideBuy, "100", "1")
	s.placeLimit(models.OrderSideSell, "100", "1")
	s.Len(s.engine.Trades(testSymbol), 1)
}

func (s *EngineTestSuite) TestValidationErrors() {
	tests := []struct {
		name   string
		mutate func(*models.PlaceOrderCommand)
	}{
		{"zero quantity", func(c *models.PlaceOrderCommand) { c.Quantity = decimal.Zero }},
		{"negative quantity", func(c *models.PlaceOrderCommand) { c.Quantity = dec("-1") }},
		{"market with price", func(c *models.PlaceOrderCommand) {
			c.Type = models.OrderTypeMarket
			c.Price = decp("100")
		}},
		{"limit without price", func(c *models.PlaceOrderCommand) { c.Price = nil }},
		{"limit with stop price", func(c *models.PlaceOrderCommand) { c.StopPrice = decp("90") }},
		{"iceberg without visible quantity", func(c *models.PlaceOrderCommand) { c.Type = models.OrderTypeIceberg }},
		{"iceberg visible exceeds quantity", func(c *models.PlaceOrderCommand) {
			c.Type = models.OrderTypeIceberg
			c.IcebergVisibleQuantity = decp("5")
		}},
		{"stop without stop price", func(c *models.PlaceOrderCommand) {
			c.Type = models.OrderTypeStopLoss
			c.Price = nil
		}},
		{"trailing without distance", func(c *models.PlaceOrderCommand) {
			c.Type = models.OrderTypeTrailingStop
			c.Price = nil
		}},
		{"missing symbol", func(c *models.PlaceOrderCommand) { c.Symbol = "" }},
		{"unknown type", func(c *models.PlaceOrderCommand) { c.Type = models.OrderType(99) }},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			cmd := s.placeCmd(models.OrderTypeLimit, models.OrderSideBuy, "2")
			cmd.Price = decp("100")
			tt.mutate(cmd)
			_, err := s.engine.PlaceOrder(s.ctx, cmd)
			s.True(errors.Is(err, errors.ErrInvalidOrder), "expected INVALID_ORDER, got %v", err)
			s.Equal(uint64(0), s.store.LastSequence(), "no events for a rejected command")
		})
	}
}

func (s *EngineTestSuite) TestNoGhostLiquidity() {
	s.placeLimit(models.OrderSideBuy, "100", "3")
	s.placeLimit(models.OrderSideBuy, "100", "2")
	s.placeLimit(models.OrderSideBuy, "99", "4")
	s.placeLimit(models.OrderSideSell, "101", "5")
	s.placeLimit(models.OrderSideSell, "100", "4")
	s.placeMarket(models.OrderSideSell, "2")
	s.placeLimit(models.OrderSideBuy, "101", "1")

	book := s.engine.bookFor(testSymbol)
	book.Lock()
	defer book.Unlock()
	for _, side := range []models.OrderSide{models.OrderSideBuy, models.OrderSideSell} {
		levels := book.Side(side).Depth(0)
		byPrice := make(map[string]decimal.Decimal)
		for _, o := range book.Side(side).Orders() {
			key := o.Price.String()
			byPrice[key] = byPrice[key].Add(o.RemainingQuantity())
		}
		for _, lvl := range levels {
			s.True(lvl.Quantity.Equal(byPrice[lvl.Price.String()]),
				"aggregate at %s must equal the sum of resting remainders", lvl.Price)
		}
	}
}

func (s *EngineTestSuite) TestConservation() {
	s.placeLimit(models.OrderSideBuy, "100", "3")
	s.placeLimit(models.OrderSideSell, "100", "1")
	s.placeLimit(models.OrderSideSell, "99", "5")
	s.placeMarket(models.OrderSideBuy, "2")

	var traded decimal.Decimal
	for _, trade := range s.engine.Trades(testSymbol) {
		traded = traded.Add(trade.Quantity)
	}

	var filled decimal.Decimal
	s.engine.orders.Range(func(_, v interface{}) bool {
		filled = filled.Add(v.(*models.Order).FilledQuantity)
		return true
	})
	s.True(filled.Equal(traded.Mul(dec("2"))), "every traded unit fills exactly one taker and one maker")
}

func (s *EngineTestSuite) TestGetOrderBookUnknownSymbol() {
	_, err := s.engine.GetOrderBook("NO/PAIR", 10)
	s.True(errors.Is(err, errors.ErrSymbolNotFound))
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
