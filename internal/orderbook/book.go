package orderbook

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openexch/matchengine/internal/models"
)

// RestingRef locates a resting order inside a symbol book without scanning
type RestingRef struct {
	Price decimal.Decimal
	Side  models.OrderSide
}

// ParkedOrder is a stop, take-profit or trailing stop order held on a
// trigger instead of resting in the book
type ParkedOrder struct {
	Order *models.Order

	// Trigger is the price at which the order is released. For trailing
	// stops it is nil until a best opposite price has been observed.
	Trigger *decimal.Decimal

	// Offset is the trailing distance; zero for plain stops
	Offset decimal.Decimal

	// FireOnFall is true when the order releases as the last trade price
	// falls to or through the trigger
	FireOnFall bool

	arrival uint64
}

// SymbolBook holds both sides of one symbol's book, the id index for
// cancels, and the stop trigger tables. All access happens under its single
// exclusive lock: a command acquires it, executes end to end, and releases.
//
// Mutations performed between Begin and Commit are journaled; Rollback
// replays the inverses so a failed store append leaves no trace in the book.
type SymbolBook struct {
	symbol string

	mu   sync.Mutex
	bids *BookSide
	asks *BookSide

	// Resting orders by id
	index map[uuid.UUID]RestingRef

	// Parked stop orders by id
	parked map[uuid.UUID]*ParkedOrder

	lastTradePrice *decimal.Decimal
	arrivalSeq     uint64

	journal    []func()
	journaling bool

	halted bool
}

// NewSymbolBook creates an empty book for a symbol
func NewSymbolBook(symbol string) *SymbolBook {
	return &SymbolBook{
		symbol: symbol,
		bids:   NewBookSide(models.OrderSideBuy),
		asks:   NewBookSide(models.OrderSideSell),
		index:  make(map[uuid.UUID]RestingRef),
		parked: make(map[uuid.UUID]*ParkedOrder),
	}
}

// Symbol returns the symbol this book serves
func (sb *SymbolBook) Symbol() string { return sb.symbol }

// Lock acquires the book's exclusive lock
func (sb *SymbolBook) Lock() { sb.mu.Lock() }

// Unlock releases the book's exclusive lock
func (sb *SymbolBook) Unlock() { sb.mu.Unlock() }

// Halted reports whether a fatal invariant violation has halted this symbol
func (sb *SymbolBook) Halted() bool { return sb.halted }

// Halt stops the symbol from accepting further commands
func (sb *SymbolBook) Halt() { sb.halted = true }

// Side returns the requested side of the book
func (sb *SymbolBook) Side(side models.OrderSide) *BookSide {
	if side == models.OrderSideBuy {
		return sb.bids
	}
	return sb.asks
}

// RestingCount returns the number of orders resting on both sides
func (sb *SymbolBook) RestingCount() int {
	return sb.bids.Len() + sb.asks.Len()
}

// Begin starts journaling book mutations for the current command
func (sb *SymbolBook) Begin() {
	sb.journal = sb.journal[:0]
	sb.journaling = true
}

// Commit discards the journal, keeping all mutations
func (sb *SymbolBook) Commit() {
	sb.journal = sb.journal[:0]
	sb.journaling = false
}

// Rollback replays the journaled inverses in reverse order, restoring the
// book to its state at Begin
func (sb *SymbolBook) Rollback() {
	sb.journaling = false
	for i := len(sb.journal) - 1; i >= 0; i-- {
		sb.journal[i]()
	}
	sb.journal = sb.journal[:0]
}

func (sb *SymbolBook) record(inverse func()) {
	if sb.journaling {
		sb.journal = append(sb.journal, inverse)
	}
}

// JournalOrder snapshots the mutable fields of an order so Rollback can
// restore them
func (sb *SymbolBook) JournalOrder(o *models.Order) {
	if !sb.journaling {
		return
	}
	filled, status, updated := o.FilledQuantity, o.Status, o.UpdatedAt
	sb.record(func() {
		o.FilledQuantity, o.Status, o.UpdatedAt = filled, status, updated
	})
}

// Rest inserts an order into its side of the book and indexes it
func (sb *SymbolBook) Rest(o *models.Order, price, exposure decimal.Decimal) {
	sb.Side(o.Side).Insert(o, price, exposure)
	sb.index[o.ID] = RestingRef{Price: price, Side: o.Side}
	id := o.ID
	sb.record(func() {
		sb.Side(o.Side).Remove(id, price)
		delete(sb.index, id)
	})
}

// RemoveResting removes a resting order by id, for cancels
func (sb *SymbolBook) RemoveResting(id uuid.UUID) (*models.Order, bool) {
	ref, ok := sb.index[id]
	if !ok {
		return nil, false
	}
	o, pos, exposure, ok := sb.Side(ref.Side).Remove(id, ref.Price)
	if !ok {
		return nil, false
	}
	delete(sb.index, id)
	sb.record(func() {
		sb.Side(ref.Side).InsertAt(o, ref.Price, pos, exposure)
		sb.index[id] = ref
	})
	return o, true
}

// RestingRef returns the price and side of a resting order
func (sb *SymbolBook) RestingRef(id uuid.UUID) (RestingRef, bool) {
	ref, ok := sb.index[id]
	return ref, ok
}

// ConsumeBest reduces the exposure of the head order on the given side's
// best level
func (sb *SymbolBook) ConsumeBest(side models.OrderSide, qty decimal.Decimal) {
	sb.Side(side).ConsumeHead(qty)
	sb.record(func() {
		sb.Side(side).ConsumeHead(qty.Neg())
	})
}

// PopBest consumes the head order of the given side's best level entirely
func (sb *SymbolBook) PopBest(side models.OrderSide) *models.Order {
	s := sb.Side(side)
	price, _ := s.BestPrice()
	_, exposure, _ := s.Head()
	o := s.PopHead()
	delete(sb.index, o.ID)
	ref := RestingRef{Price: price, Side: side}
	sb.record(func() {
		s.InsertAt(o, price, 0, exposure)
		sb.index[o.ID] = ref
	})
	return o
}

// RequeueBest moves the head order of the given side's best level to the
// back of the level with a fresh exposure (iceberg slice refresh)
func (sb *SymbolBook) RequeueBest(side models.OrderSide, exposure decimal.Decimal) {
	s := sb.Side(side)
	price, _ := s.BestPrice()
	o, old, _ := s.Head()
	s.RequeueHead(exposure)
	id := o.ID
	sb.record(func() {
		s.Remove(id, price)
		s.InsertAt(o, price, 0, old)
	})
}

// Park holds a stop order on its trigger table
func (sb *SymbolBook) Park(o *models.Order, trigger *decimal.Decimal, offset decimal.Decimal, fireOnFall bool) *ParkedOrder {
	sb.arrivalSeq++
	po := &ParkedOrder{
		Order:      o,
		Trigger:    trigger,
		Offset:     offset,
		FireOnFall: fireOnFall,
		arrival:    sb.arrivalSeq,
	}
	sb.parked[o.ID] = po
	id := o.ID
	sb.record(func() {
		delete(sb.parked, id)
	})
	return po
}

// Unpark removes a parked order from its trigger table
func (sb *SymbolBook) Unpark(id uuid.UUID) (*ParkedOrder, bool) {
	po, ok := sb.parked[id]
	if !ok {
		return nil, false
	}
	delete(sb.parked, id)
	sb.record(func() {
		sb.parked[id] = po
	})
	return po, true
}

// Parked returns a parked order by id
func (sb *SymbolBook) Parked(id uuid.UUID) (*ParkedOrder, bool) {
	po, ok := sb.parked[id]
	return po, ok
}

// ParkedOrders returns all parked orders in arrival order. Used by replay
// equality checks.
func (sb *SymbolBook) ParkedOrders() []*ParkedOrder {
	out := make([]*ParkedOrder, 0, len(sb.parked))
	for _, po := range sb.parked {
		out = append(out, po)
	}
	sortParked(out)
	return out
}

// SetTrigger replaces a parked order's trigger price (trailing ratchet)
func (sb *SymbolBook) SetTrigger(po *ParkedOrder, trigger decimal.Decimal) {
	old := po.Trigger
	t := trigger
	po.Trigger = &t
	sb.record(func() {
		po.Trigger = old
	})
}

// NextTriggered returns the parked order that should fire next at the given
// last trade price: for fall triggers the highest trigger price first, for
// rise triggers the lowest, arrival order breaking ties. ok=false when
// nothing fires.
func (sb *SymbolBook) NextTriggered(price decimal.Decimal) (*ParkedOrder, bool) {
	var best *ParkedOrder
	for _, po := range sb.parked {
		if po.Trigger == nil {
			continue
		}
		if po.FireOnFall {
			if price.GreaterThan(*po.Trigger) {
				continue
			}
		} else if price.LessThan(*po.Trigger) {
			continue
		}
		if best == nil || parkedBefore(po, best) {
			best = po
		}
	}
	return best, best != nil
}

func parkedBefore(a, b *ParkedOrder) bool {
	if a.FireOnFall != b.FireOnFall {
		// Fall triggers release before rise triggers at the same print;
		// a single trade price rarely fires both, but the order must be
		// deterministic when it does.
		return a.FireOnFall
	}
	cmp := a.Trigger.Cmp(*b.Trigger)
	if cmp != 0 {
		if a.FireOnFall {
			return cmp > 0
		}
		return cmp < 0
	}
	return a.arrival < b.arrival
}

func sortParked(pos []*ParkedOrder) {
	for i := 1; i < len(pos); i++ {
		for j := i; j > 0 && pos[j].arrival < pos[j-1].arrival; j-- {
			pos[j], pos[j-1] = pos[j-1], pos[j]
		}
	}
}

// LastTradePrice returns the most recent execution price on this symbol
func (sb *SymbolBook) LastTradePrice() (decimal.Decimal, bool) {
	if sb.lastTradePrice == nil {
		return decimal.Zero, false
	}
	return *sb.lastTradePrice, true
}

// SetLastTradePrice records the most recent execution price
func (sb *SymbolBook) SetLastTradePrice(price decimal.Decimal) {
	old := sb.lastTradePrice
	p := price
	sb.lastTradePrice = &p
	sb.record(func() {
		sb.lastTradePrice = old
	})
}

// Snapshot returns the aggregated depth of both sides, up to depth levels
// each; depth <= 0 returns every level
func (sb *SymbolBook) Snapshot(depth int, at time.Time) *models.OrderBookSnapshot {
	return &models.OrderBookSnapshot{
		Symbol:    sb.symbol,
		Bids:      sb.bids.Depth(depth),
		Asks:      sb.asks.Depth(depth),
		Timestamp: at,
	}
}
