package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openexch/matchengine/internal/common/errors"
	"github.com/openexch/matchengine/internal/models"
	"github.com/openexch/matchengine/internal/orderbook"
)

// Restore rebuilds every book, order and trade from the event log. Symbols
// are rebuilt in parallel, since their event streams are independent, while
// the events of one symbol are applied strictly in sequence order. Restore
// is intended for a fresh engine at startup.
func (e *MatchingEngine) Restore(ctx context.Context, workers int) error {
	events, err := e.store.GetAllEvents(ctx)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	groups := make(map[string][]models.OrderEvent)
	for _, event := range events {
		groups[event.EventSymbol()] = append(groups[event.EventSymbol()], event)
	}

	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return err
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for symbol, symbolEvents := range groups {
		symbol, symbolEvents := symbol, symbolEvents
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if err := e.restoreSymbol(symbol, symbolEvents); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}

	total := 0
	e.mu.RLock()
	for _, book := range e.books {
		total += book.RestingCount()
	}
	e.mu.RUnlock()
	e.resting = int64(total)
	e.metrics.RestingOrders.Set(float64(total))

	e.logger.Info("Restored engine from event log",
		zap.Int("events", len(events)),
		zap.Int("symbols", len(groups)),
	)
	return nil
}

func (e *MatchingEngine) restoreSymbol(symbol string, events []models.OrderEvent) error {
	book := e.bookFor(symbol)
	book.Lock()
	defer book.Unlock()

	p := &projector{book: book, orders: make(map[uuid.UUID]*models.Order)}
	for _, event := range events {
		if err := p.apply(event); err != nil {
			return err
		}
	}

	for id, order := range p.orders {
		e.orders.Store(id, order)
	}
	e.recordTrades(symbol, p.trades)
	e.resultsMu.Lock()
	for id, evs := range p.results {
		e.results[id] = evs
	}
	e.resultsMu.Unlock()
	return nil
}

// projector folds an event stream back into a symbol book and its orders,
// keyed off the event payloads. Its intermediate steps differ from the live
// engine's (a priced taker rests before its fills are applied), but after
// each command's events the projected book is identical to the live one at
// the same sequence number.
type projector struct {
	book    *orderbook.SymbolBook
	orders  map[uuid.UUID]*models.Order
	trades  []*models.Trade
	results map[uuid.UUID][]models.OrderEvent
}

func (p *projector) apply(event models.OrderEvent) error {
	if p.results == nil {
		p.results = make(map[uuid.UUID][]models.OrderEvent)
	}
	p.results[event.EventOrderID()] = append(p.results[event.EventOrderID()], event)

	switch ev := event.(type) {
	case *models.OrderPlacedEvent:
		return p.applyPlaced(ev)
	case *models.OrderMatchedEvent:
		return p.applyMatched(ev)
	case *models.OrderPartiallyFilledEvent:
		return p.applyPartiallyFilled(ev)
	case *models.OrderFilledEvent:
		return p.applyFilled(ev)
	case *models.OrderCanceledEvent:
		return p.applyCanceled(ev)
	case *models.OrderUpdatedEvent:
		return p.applyUpdated(ev)
	default:
		return errors.Newf(errors.ErrBookUnavailable, "unknown event type %T in log", event)
	}
}

func (p *projector) applyPlaced(ev *models.OrderPlacedEvent) error {
	order := &models.Order{
		ID:                     ev.OrderID,
		UserID:                 ev.UserID,
		Symbol:                 ev.Symbol,
		Type:                   ev.OrderType,
		Side:                   ev.Side,
		Price:                  ev.Price,
		Quantity:               ev.Quantity,
		Status:                 models.OrderStatusPending,
		CreatedAt:              ev.Timestamp,
		UpdatedAt:              ev.Timestamp,
		IcebergVisibleQuantity: ev.IcebergVisibleQuantity,
		StopPrice:              ev.StopPrice,
		TrailingStopPrice:      ev.TrailingStopPrice,
	}
	p.orders[order.ID] = order

	switch {
	case order.IsStopKind():
		order.Status = models.OrderStatusActive
		fall := firesOnFall(order.Type, order.Side)
		if order.Type == models.OrderTypeTrailingStop {
			p.book.Park(order, nil, *order.TrailingStopPrice, fall)
		} else {
			trigger := *order.StopPrice
			p.book.Park(order, &trigger, decimal.Zero, fall)
		}
	case order.Price != nil:
		// The order enters the book immediately; the fills that follow in
		// the stream reduce the maker side and its own partial-fill event
		// corrects its exposure. An order that fully fills is removed
		// again by its filled event.
		order.Status = models.OrderStatusActive
		p.book.Rest(order, *order.Price, order.Quantity)
	}
	return nil
}

func (p *projector) applyMatched(ev *models.OrderMatchedEvent) error {
	taker, ok := p.orders[ev.OrderID]
	if !ok {
		return errors.Newf(errors.ErrBookUnavailable, "matched event for unknown taker %s", ev.OrderID)
	}
	maker, ok := p.orders[ev.MakerOrderID]
	if !ok {
		return errors.Newf(errors.ErrBookUnavailable, "matched event for unknown maker %s", ev.MakerOrderID)
	}

	taker.FilledQuantity = taker.FilledQuantity.Add(ev.Quantity)
	taker.UpdatedAt = ev.Timestamp
	maker.FilledQuantity = maker.FilledQuantity.Add(ev.Quantity)
	maker.UpdatedAt = ev.Timestamp

	if ref, ok := p.book.RestingRef(maker.ID); ok {
		side := p.book.Side(ref.Side)
		if exposure, ok := side.Exposure(maker.ID, ref.Price); ok {
			side.SetExposure(maker.ID, ref.Price, exposure.Sub(ev.Quantity))
		}
	}

	p.book.SetLastTradePrice(ev.Price)
	p.trades = append(p.trades, &models.Trade{
		ID:           ev.TradeID,
		Symbol:       ev.Symbol,
		Price:        ev.Price,
		Quantity:     ev.Quantity,
		Side:         ev.Side,
		TakerOrderID: ev.OrderID,
		MakerOrderID: ev.MakerOrderID,
		CreatedAt:    ev.Timestamp,
	})
	return nil
}

func (p *projector) applyPartiallyFilled(ev *models.OrderPartiallyFilledEvent) error {
	order, ok := p.orders[ev.OrderID]
	if !ok {
		return errors.Newf(errors.ErrBookUnavailable, "partial fill for unknown order %s", ev.OrderID)
	}
	order.FilledQuantity = ev.FilledQuantity
	order.Status = models.OrderStatusPartiallyFilled
	order.UpdatedAt = ev.Timestamp

	// Icebergs manage their exposure through refresh events
	if order.Type != models.OrderTypeIceberg {
		if ref, ok := p.book.RestingRef(order.ID); ok {
			p.book.Side(ref.Side).SetExposure(order.ID, ref.Price, order.RemainingQuantity())
		}
	}
	return nil
}

func (p *projector) applyFilled(ev *models.OrderFilledEvent) error {
	order, ok := p.orders[ev.OrderID]
	if !ok {
		return errors.Newf(errors.ErrBookUnavailable, "fill for unknown order %s", ev.OrderID)
	}
	order.FilledQuantity = ev.FilledQuantity
	order.Status = models.OrderStatusFilled
	order.UpdatedAt = ev.Timestamp
	p.book.RemoveResting(ev.OrderID)
	return nil
}

func (p *projector) applyCanceled(ev *models.OrderCanceledEvent) error {
	order, ok := p.orders[ev.OrderID]
	if !ok {
		return errors.Newf(errors.ErrBookUnavailable, "cancel for unknown order %s", ev.OrderID)
	}
	order.Status = models.OrderStatusCanceled
	order.UpdatedAt = ev.Timestamp
	p.book.RemoveResting(ev.OrderID)
	p.book.Unpark(ev.OrderID)
	return nil
}

func (p *projector) applyUpdated(ev *models.OrderUpdatedEvent) error {
	order, ok := p.orders[ev.OrderID]
	if !ok {
		return errors.Newf(errors.ErrBookUnavailable, "update for unknown order %s", ev.OrderID)
	}

	switch ev.Reason {
	case models.UpdateReasonIcebergRefresh:
		if ref, ok := p.book.RestingRef(order.ID); ok {
			p.book.Side(ref.Side).MoveToBack(order.ID, ref.Price, *ev.NewQuantity)
		}
	case models.UpdateReasonTrailingAdjust:
		if po, ok := p.book.Parked(order.ID); ok {
			p.book.SetTrigger(po, *ev.NewPrice)
		}
	case models.UpdateReasonStopTriggered:
		p.book.Unpark(order.ID)
		if ev.NewPrice != nil {
			p.book.Rest(order, *ev.NewPrice, order.RemainingQuantity())
		}
	default:
		return errors.Newf(errors.ErrBookUnavailable, "unknown update reason %q", ev.Reason)
	}
	return nil
}
