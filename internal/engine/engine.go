package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openexch/matchengine/internal/common/errors"
	"github.com/openexch/matchengine/internal/eventstore"
	"github.com/openexch/matchengine/internal/metrics"
	"github.com/openexch/matchengine/internal/models"
	"github.com/openexch/matchengine/internal/orderbook"
)

// EventPublisher receives the committed event batch of a command after the
// symbol lock is released. Implementations must not block the caller.
type EventPublisher interface {
	Publish(symbol string, events []models.OrderEvent)
}

// MatchingEngine applies commands against per-symbol books and emits the
// event stream that is the system's source of truth.
//
// Matching within a symbol is serialized by the symbol book's lock; commands
// for different symbols run in parallel. Events are durable in the store
// before the lock is released, so no observer can act on an unpersisted book
// state.
type MatchingEngine struct {
	logger  *zap.Logger
	store   eventstore.EventStore
	metrics *metrics.Metrics

	// publisher is optional; nil disables fan-out
	publisher EventPublisher

	mu    sync.RWMutex
	books map[string]*orderbook.SymbolBook

	// Global order and trade indices, safe for readers during a match
	orders sync.Map // uuid.UUID -> *models.Order
	trades sync.Map // string -> *models.Trade

	// Per-symbol trade history in execution order
	tradesMu sync.RWMutex
	tradeLog map[string][]*models.Trade

	// Committed event batches by placed order id, for idempotent replays
	// of duplicate commands
	resultsMu sync.RWMutex
	results   map[uuid.UUID][]models.OrderEvent

	// Orders currently resting across all books
	resting int64
}

// Option configures a MatchingEngine
type Option func(*MatchingEngine)

// WithPublisher attaches a post-commit event publisher
func WithPublisher(p EventPublisher) Option {
	return func(e *MatchingEngine) { e.publisher = p }
}

// WithMetrics attaches a metric set
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *MatchingEngine) { e.metrics = m }
}

// NewMatchingEngine creates a matching engine backed by the given event
// store
func NewMatchingEngine(store eventstore.EventStore, logger *zap.Logger, opts ...Option) *MatchingEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &MatchingEngine{
		logger:   logger,
		store:    store,
		metrics:  metrics.NewNop(),
		books:    make(map[string]*orderbook.SymbolBook),
		results:  make(map[uuid.UUID][]models.OrderEvent),
		tradeLog: make(map[string][]*models.Trade),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleCommand validates and applies a command, returning the ordered
// event list it produced. All events of a command are durable together or
// not at all.
func (e *MatchingEngine) HandleCommand(ctx context.Context, cmd models.OrderCommand) ([]models.OrderEvent, error) {
	switch c := cmd.(type) {
	case *models.PlaceOrderCommand:
		return e.PlaceOrder(ctx, c)
	case *models.CancelOrderCommand:
		return e.CancelOrder(ctx, c)
	default:
		return nil, errors.Newf(errors.ErrInvalidOrder, "unknown command type %T", cmd)
	}
}

// PlaceOrder applies a place command: validate, lock the symbol book, match,
// persist, release. A duplicate order id returns the original event batch
// without touching the book.
func (e *MatchingEngine) PlaceOrder(ctx context.Context, cmd *models.PlaceOrderCommand) ([]models.OrderEvent, error) {
	start := time.Now()
	defer func() {
		e.metrics.CommandLatency.Observe(time.Since(start).Seconds())
	}()

	if err := ValidatePlaceOrder(cmd); err != nil {
		e.metrics.OrdersRejected.Inc()
		return nil, err
	}

	book := e.bookFor(cmd.Symbol)
	book.Lock()

	if book.Halted() {
		book.Unlock()
		return nil, errors.Newf(errors.ErrEngineHalted, "symbol %s is halted", cmd.Symbol)
	}

	if events, ok := e.committedResult(cmd.OrderID); ok {
		book.Unlock()
		e.logger.Debug("Duplicate place command",
			zap.String("orderID", cmd.OrderID.String()),
			zap.String("symbol", cmd.Symbol),
		)
		return events, nil
	}

	order := cmd.Order()
	restingBefore := book.RestingCount()
	book.Begin()

	events, trades, err := e.applyPlace(book, order, cmd.Timestamp)
	if err != nil {
		book.Rollback()
		if errors.Is(err, errors.ErrEngineHalted) {
			book.Halt()
			e.logger.Error("Halting symbol on invariant violation",
				zap.String("symbol", cmd.Symbol),
				zap.Error(err),
			)
		}
		book.Unlock()
		return nil, err
	}

	if err := e.store.SaveEvents(ctx, events); err != nil {
		book.Rollback()
		book.Unlock()
		e.logger.Warn("Event append failed, book rolled back",
			zap.String("orderID", cmd.OrderID.String()),
			zap.Error(err),
		)
		if errors.Is(err, errors.ErrBookUnavailable) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrBookUnavailable, "event append failed")
	}

	book.Commit()
	e.orders.Store(order.ID, order)
	e.recordTrades(cmd.Symbol, trades)
	e.cacheResult(cmd.OrderID, events)
	restingDelta := book.RestingCount() - restingBefore
	book.Unlock()

	e.metrics.OrdersProcessed.WithLabelValues("place").Inc()
	e.metrics.EventsAppended.Add(float64(len(events)))
	e.metrics.TradesExecuted.Add(float64(len(trades)))
	for _, trade := range trades {
		vol, _ := trade.Quantity.Float64()
		e.metrics.TradedVolume.Add(vol)
	}
	e.adjustResting(restingDelta)

	e.logger.Debug("Placed order",
		zap.String("orderID", order.ID.String()),
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side.String()),
		zap.String("type", order.Type.String()),
		zap.String("status", order.Status.String()),
		zap.Int("trades", len(trades)),
		zap.Int("events", len(events)),
	)

	e.publish(cmd.Symbol, events)
	return events, nil
}

// CancelOrder removes a resting or parked order. Canceling an id that is
// not live returns ORDER_NOT_FOUND; cancels are deliberately not idempotent.
func (e *MatchingEngine) CancelOrder(ctx context.Context, cmd *models.CancelOrderCommand) ([]models.OrderEvent, error) {
	start := time.Now()
	defer func() {
		e.metrics.CommandLatency.Observe(time.Since(start).Seconds())
	}()

	if err := ValidateCancelOrder(cmd); err != nil {
		e.metrics.OrdersRejected.Inc()
		return nil, err
	}

	book := e.bookFor(cmd.Symbol)
	book.Lock()

	if book.Halted() {
		book.Unlock()
		return nil, errors.Newf(errors.ErrEngineHalted, "symbol %s is halted", cmd.Symbol)
	}

	restingBefore := book.RestingCount()
	book.Begin()
	events, err := e.applyCancel(book, cmd)
	if err != nil {
		book.Rollback()
		book.Unlock()
		return nil, err
	}

	if err := e.store.SaveEvents(ctx, events); err != nil {
		book.Rollback()
		book.Unlock()
		if errors.Is(err, errors.ErrBookUnavailable) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrBookUnavailable, "event append failed")
	}

	book.Commit()
	restingDelta := book.RestingCount() - restingBefore
	book.Unlock()

	e.metrics.OrdersProcessed.WithLabelValues("cancel").Inc()
	e.metrics.EventsAppended.Add(float64(len(events)))
	e.adjustResting(restingDelta)

	e.logger.Debug("Canceled order",
		zap.String("orderID", cmd.OrderID.String()),
		zap.String("symbol", cmd.Symbol),
	)

	e.publish(cmd.Symbol, events)
	return events, nil
}

func (e *MatchingEngine) applyCancel(book *orderbook.SymbolBook, cmd *models.CancelOrderCommand) ([]models.OrderEvent, error) {
	var order *models.Order
	if o, ok := book.RemoveResting(cmd.OrderID); ok {
		order = o
	} else if po, ok := book.Unpark(cmd.OrderID); ok {
		order = po.Order
	} else {
		return nil, errors.Newf(errors.ErrOrderNotFound, "order %s is not live on %s", cmd.OrderID, cmd.Symbol)
	}

	if order.UserID != cmd.UserID {
		// Do not reveal other users' orders
		return nil, errors.Newf(errors.ErrOrderNotFound, "order %s is not live on %s", cmd.OrderID, cmd.Symbol)
	}

	book.JournalOrder(order)
	order.Status = models.OrderStatusCanceled
	order.UpdatedAt = cmd.Timestamp

	ev := &models.OrderCanceledEvent{
		EventBase: models.EventBase{
			OrderID:   order.ID,
			Symbol:    order.Symbol,
			Timestamp: cmd.Timestamp,
		},
		UserID: order.UserID,
		Reason: models.CancelReasonRequested,
	}
	return []models.OrderEvent{ev}, nil
}

// GetOrder returns a copy of an order by id
func (e *MatchingEngine) GetOrder(orderID uuid.UUID) (*models.Order, bool) {
	v, ok := e.orders.Load(orderID)
	if !ok {
		return nil, false
	}
	order := v.(*models.Order)
	// The matcher mutates the order under its book's lock; copy it under
	// the same lock
	e.mu.RLock()
	book := e.books[order.Symbol]
	e.mu.RUnlock()
	if book != nil {
		book.Lock()
		defer book.Unlock()
	}
	return order.Clone(), true
}

// GetTrade returns a trade by id
func (e *MatchingEngine) GetTrade(tradeID string) (*models.Trade, bool) {
	v, ok := e.trades.Load(tradeID)
	if !ok {
		return nil, false
	}
	trade := *v.(*models.Trade)
	return &trade, true
}

// Trades returns the trades executed on a symbol, in execution order
func (e *MatchingEngine) Trades(symbol string) []*models.Trade {
	e.tradesMu.RLock()
	defer e.tradesMu.RUnlock()
	log := e.tradeLog[symbol]
	out := make([]*models.Trade, 0, len(log))
	for _, trade := range log {
		t := *trade
		out = append(out, &t)
	}
	return out
}

func (e *MatchingEngine) recordTrades(symbol string, trades []*models.Trade) {
	if len(trades) == 0 {
		return
	}
	for _, trade := range trades {
		e.trades.Store(trade.ID, trade)
	}
	e.tradesMu.Lock()
	e.tradeLog[symbol] = append(e.tradeLog[symbol], trades...)
	e.tradesMu.Unlock()
}

// GetOrderBook returns the aggregated depth of a symbol's book
func (e *MatchingEngine) GetOrderBook(symbol string, depth int) (*models.OrderBookSnapshot, error) {
	e.mu.RLock()
	book, ok := e.books[symbol]
	e.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrSymbolNotFound, "no book for symbol %s", symbol)
	}
	book.Lock()
	defer book.Unlock()
	return book.Snapshot(depth, time.Now().UTC()), nil
}

// Symbols returns the symbols with a live book
func (e *MatchingEngine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.books))
	for s := range e.books {
		out = append(out, s)
	}
	return out
}

func (e *MatchingEngine) bookFor(symbol string) *orderbook.SymbolBook {
	e.mu.RLock()
	book, ok := e.books[symbol]
	e.mu.RUnlock()
	if ok {
		return book
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if book, ok = e.books[symbol]; ok {
		return book
	}
	book = orderbook.NewSymbolBook(symbol)
	e.books[symbol] = book
	e.logger.Info("Created order book", zap.String("symbol", symbol))
	return book
}

func (e *MatchingEngine) committedResult(orderID uuid.UUID) ([]models.OrderEvent, bool) {
	e.resultsMu.RLock()
	defer e.resultsMu.RUnlock()
	events, ok := e.results[orderID]
	if !ok {
		return nil, false
	}
	out := make([]models.OrderEvent, len(events))
	copy(out, events)
	return out, true
}

func (e *MatchingEngine) cacheResult(orderID uuid.UUID, events []models.OrderEvent) {
	stored := make([]models.OrderEvent, len(events))
	copy(stored, events)
	e.resultsMu.Lock()
	e.results[orderID] = stored
	e.resultsMu.Unlock()
}

func (e *MatchingEngine) publish(symbol string, events []models.OrderEvent) {
	if e.publisher != nil {
		e.publisher.Publish(symbol, events)
	}
}

func (e *MatchingEngine) adjustResting(delta int) {
	e.metrics.RestingOrders.Set(float64(atomic.AddInt64(&e.resting, int64(delta))))
}
