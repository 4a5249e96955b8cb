package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"github.com/shopspring/decimal"

	"github.com/openexch/matchengine/internal/common/errors"
	"github.com/openexch/matchengine/internal/models"
	"github.com/openexch/matchengine/internal/orderbook"
)

// applyPlace runs a validated place command against the locked book. It
// emits OrderPlaced, matches or parks the order, and then drives the stop
// trigger cascade. The caller persists the returned events before releasing
// the lock.
func (e *MatchingEngine) applyPlace(book *orderbook.SymbolBook, order *models.Order, ts time.Time) ([]models.OrderEvent, []*models.Trade, error) {
	events := []models.OrderEvent{placedEvent(order, ts)}

	var trades []*models.Trade
	if order.IsStopKind() {
		e.parkStopOrder(book, order)
	} else {
		matchEvents, matchTrades, err := e.matchIncoming(book, order, ts)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, matchEvents...)
		trades = append(trades, matchTrades...)
	}

	triggerEvents, triggerTrades, err := e.runTriggers(book, ts)
	if err != nil {
		return nil, nil, err
	}
	events = append(events, triggerEvents...)
	trades = append(trades, triggerTrades...)

	return events, trades, nil
}

// matchIncoming crosses the incoming order against the opposing side until
// its quantity is exhausted, the book empties, or the price no longer
// crosses. Residual quantity of a price-bearing order comes to rest;
// residual market quantity is canceled.
func (e *MatchingEngine) matchIncoming(book *orderbook.SymbolBook, order *models.Order, ts time.Time) ([]models.OrderEvent, []*models.Trade, error) {
	opp := book.Side(order.Side.Opposite())
	var events []models.OrderEvent
	var trades []*models.Trade

	for order.RemainingQuantity().IsPositive() {
		maker, exposure, ok := opp.Head()
		if !ok {
			break
		}
		makerPrice := *maker.Price
		if order.Price != nil && !crosses(order.Side, *order.Price, makerPrice) {
			break
		}

		qty := order.RemainingQuantity()
		if exposure.LessThan(qty) {
			qty = exposure
		}
		if !qty.IsPositive() {
			return nil, nil, errors.Newf(errors.ErrEngineHalted,
				"non-positive match quantity at %s on %s", makerPrice, book.Symbol())
		}

		book.JournalOrder(maker)
		maker.FilledQuantity = maker.FilledQuantity.Add(qty)
		maker.UpdatedAt = ts
		order.FilledQuantity = order.FilledQuantity.Add(qty)
		order.UpdatedAt = ts
		if maker.FilledQuantity.GreaterThan(maker.Quantity) || order.FilledQuantity.GreaterThan(order.Quantity) {
			return nil, nil, errors.Newf(errors.ErrEngineHalted,
				"filled quantity exceeds order quantity on %s", book.Symbol())
		}

		trade := &models.Trade{
			ID:           ksuid.New().String(),
			Symbol:       book.Symbol(),
			Price:        makerPrice,
			Quantity:     qty,
			Side:         order.Side,
			TakerOrderID: order.ID,
			MakerOrderID: maker.ID,
			CreatedAt:    ts,
		}
		trades = append(trades, trade)
		book.SetLastTradePrice(makerPrice)

		events = append(events, &models.OrderMatchedEvent{
			EventBase:    base(order.ID, book.Symbol(), ts),
			MakerOrderID: maker.ID,
			TradeID:      trade.ID,
			Price:        makerPrice,
			Quantity:     qty,
			Side:         order.Side,
		})

		makerRemaining := maker.RemainingQuantity()
		switch {
		case makerRemaining.IsZero():
			maker.Status = models.OrderStatusFilled
			book.PopBest(maker.Side)
			events = append(events, &models.OrderFilledEvent{
				EventBase:      base(maker.ID, book.Symbol(), ts),
				FilledQuantity: maker.FilledQuantity,
			})
		case qty.Equal(exposure):
			// The visible slice is gone but hidden quantity remains:
			// iceberg refresh. The order keeps its price and loses time
			// priority within the level.
			maker.Status = models.OrderStatusPartiallyFilled
			slice := icebergExposure(maker)
			book.RequeueBest(maker.Side, slice)
			events = append(events,
				&models.OrderPartiallyFilledEvent{
					EventBase:         base(maker.ID, book.Symbol(), ts),
					FilledQuantity:    maker.FilledQuantity,
					RemainingQuantity: makerRemaining,
				},
				&models.OrderUpdatedEvent{
					EventBase:   base(maker.ID, book.Symbol(), ts),
					UserID:      maker.UserID,
					Reason:      models.UpdateReasonIcebergRefresh,
					NewQuantity: &slice,
				},
			)
		default:
			maker.Status = models.OrderStatusPartiallyFilled
			book.ConsumeBest(maker.Side, qty)
			events = append(events, &models.OrderPartiallyFilledEvent{
				EventBase:         base(maker.ID, book.Symbol(), ts),
				FilledQuantity:    maker.FilledQuantity,
				RemainingQuantity: makerRemaining,
			})
		}
	}

	remaining := order.RemainingQuantity()
	switch {
	case remaining.IsZero():
		order.Status = models.OrderStatusFilled
		events = append(events, &models.OrderFilledEvent{
			EventBase:      base(order.ID, book.Symbol(), ts),
			FilledQuantity: order.FilledQuantity,
		})
	case order.Price != nil:
		if order.FilledQuantity.IsPositive() {
			order.Status = models.OrderStatusPartiallyFilled
		} else {
			order.Status = models.OrderStatusActive
		}
		exposure := icebergExposure(order)
		book.Rest(order, *order.Price, exposure)
		if order.FilledQuantity.IsPositive() {
			events = append(events, &models.OrderPartiallyFilledEvent{
				EventBase:         base(order.ID, book.Symbol(), ts),
				FilledQuantity:    order.FilledQuantity,
				RemainingQuantity: remaining,
			})
		}
		if order.Type == models.OrderTypeIceberg {
			events = append(events, &models.OrderUpdatedEvent{
				EventBase:   base(order.ID, book.Symbol(), ts),
				UserID:      order.UserID,
				Reason:      models.UpdateReasonIcebergRefresh,
				NewQuantity: &exposure,
			})
		}
	default:
		// Market orders never rest
		order.Status = models.OrderStatusCanceled
		events = append(events, &models.OrderCanceledEvent{
			EventBase: base(order.ID, book.Symbol(), ts),
			UserID:    order.UserID,
			Reason:    models.CancelReasonUnfilledMarket,
		})
	}

	return events, trades, nil
}

// parkStopOrder holds a stop, take-profit or trailing stop order on the
// book's trigger table
func (e *MatchingEngine) parkStopOrder(book *orderbook.SymbolBook, order *models.Order) {
	order.Status = models.OrderStatusActive
	fall := firesOnFall(order.Type, order.Side)
	if order.Type == models.OrderTypeTrailingStop {
		book.Park(order, nil, *order.TrailingStopPrice, fall)
		return
	}
	trigger := *order.StopPrice
	book.Park(order, &trigger, decimal.Zero, fall)
}

// runTriggers ratchets trailing triggers and releases every parked order
// whose trigger the last trade price has crossed. Released orders match
// immediately and may produce further trades, which are fed back into the
// trigger evaluation until the book is quiet. Everything happens inside the
// same command: the events join the same atomic batch.
func (e *MatchingEngine) runTriggers(book *orderbook.SymbolBook, ts time.Time) ([]models.OrderEvent, []*models.Trade, error) {
	var events []models.OrderEvent
	var trades []*models.Trade

	for {
		events = append(events, e.ratchetTrailing(book, ts)...)

		last, ok := book.LastTradePrice()
		if !ok {
			break
		}
		po, ok := book.NextTriggered(last)
		if !ok {
			break
		}
		book.Unpark(po.Order.ID)
		// The parked order predates this command; its fills must be
		// undone if the append fails
		book.JournalOrder(po.Order)

		release := &models.OrderUpdatedEvent{
			EventBase: base(po.Order.ID, book.Symbol(), ts),
			UserID:    po.Order.UserID,
			Reason:    models.UpdateReasonStopTriggered,
		}
		if po.Order.Price != nil {
			release.NewPrice = po.Order.Price
		}
		events = append(events, release)

		matchEvents, matchTrades, err := e.matchIncoming(book, po.Order, ts)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, matchEvents...)
		trades = append(trades, matchTrades...)
	}

	return events, trades, nil
}

// ratchetTrailing advances trailing stop triggers toward the current best
// opposite price. A sell trailing stop tracks the best bid minus its offset
// and never moves down; a buy trailing stop tracks the best ask plus its
// offset and never moves up.
func (e *MatchingEngine) ratchetTrailing(book *orderbook.SymbolBook, ts time.Time) []models.OrderEvent {
	var events []models.OrderEvent
	for _, po := range book.ParkedOrders() {
		if po.Order.Type != models.OrderTypeTrailingStop {
			continue
		}
		best, ok := book.Side(po.Order.Side.Opposite()).BestPrice()
		if !ok {
			continue
		}
		var candidate decimal.Decimal
		if po.Order.Side == models.OrderSideSell {
			candidate = best.Sub(po.Offset)
			if po.Trigger != nil && candidate.LessThanOrEqual(*po.Trigger) {
				continue
			}
		} else {
			candidate = best.Add(po.Offset)
			if po.Trigger != nil && candidate.GreaterThanOrEqual(*po.Trigger) {
				continue
			}
		}
		book.SetTrigger(po, candidate)
		price := candidate
		events = append(events, &models.OrderUpdatedEvent{
			EventBase: base(po.Order.ID, book.Symbol(), ts),
			UserID:    po.Order.UserID,
			Reason:    models.UpdateReasonTrailingAdjust,
			NewPrice:  &price,
		})
	}
	return events
}

// crosses reports whether an aggressor at limit trades with a resting order
// at makerPrice
func crosses(side models.OrderSide, limit, makerPrice decimal.Decimal) bool {
	if side == models.OrderSideBuy {
		return makerPrice.LessThanOrEqual(limit)
	}
	return makerPrice.GreaterThanOrEqual(limit)
}

// firesOnFall reports whether the trigger releases as the last trade price
// falls: protective sells and opportunistic buys.
func firesOnFall(t models.OrderType, s models.OrderSide) bool {
	switch t {
	case models.OrderTypeStopLoss:
		return s == models.OrderSideSell
	case models.OrderTypeTakeProfit:
		return s == models.OrderSideBuy
	default: // trailing stop
		return s == models.OrderSideSell
	}
}

// icebergExposure returns the quantity an order shows to the market: the
// full remainder, or the next slice for icebergs
func icebergExposure(o *models.Order) decimal.Decimal {
	remaining := o.RemainingQuantity()
	if o.Type == models.OrderTypeIceberg && o.IcebergVisibleQuantity.LessThan(remaining) {
		return *o.IcebergVisibleQuantity
	}
	return remaining
}

func placedEvent(o *models.Order, ts time.Time) *models.OrderPlacedEvent {
	return &models.OrderPlacedEvent{
		EventBase:              base(o.ID, o.Symbol, ts),
		UserID:                 o.UserID,
		OrderType:              o.Type,
		Side:                   o.Side,
		Price:                  o.Price,
		Quantity:               o.Quantity,
		IcebergVisibleQuantity: o.IcebergVisibleQuantity,
		StopPrice:              o.StopPrice,
		TrailingStopPrice:      o.TrailingStopPrice,
		Status:                 models.OrderStatusPending,
	}
}

func base(orderID uuid.UUID, symbol string, ts time.Time) models.EventBase {
	return models.EventBase{OrderID: orderID, Symbol: symbol, Timestamp: ts}
}
