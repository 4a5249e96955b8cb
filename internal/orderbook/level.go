package orderbook

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openexch/matchengine/internal/models"
)

// entry is one resting order at its position in a level's FIFO queue.
// exposure is the quantity visible to the market at this position: the
// remaining quantity for ordinary orders, the current slice for icebergs.
type entry struct {
	order    *models.Order
	exposure decimal.Decimal
}

// level is one price level: a price and the FIFO queue of resting orders at
// that price. aggregate and orderCount are maintained incrementally so depth
// reads never scan the queue.
type level struct {
	price      decimal.Decimal
	queue      []entry
	aggregate  decimal.Decimal
	orderCount int
	inUse      bool
}

func (l *level) pushBack(e entry) {
	l.queue = append(l.queue, e)
	l.aggregate = l.aggregate.Add(e.exposure)
	l.orderCount++
}

func (l *level) insertAt(pos int, e entry) {
	l.queue = append(l.queue, entry{})
	copy(l.queue[pos+1:], l.queue[pos:])
	l.queue[pos] = e
	l.aggregate = l.aggregate.Add(e.exposure)
	l.orderCount++
}

func (l *level) popFront() entry {
	e := l.queue[0]
	copy(l.queue, l.queue[1:])
	l.queue[len(l.queue)-1] = entry{}
	l.queue = l.queue[:len(l.queue)-1]
	l.aggregate = l.aggregate.Sub(e.exposure)
	l.orderCount--
	return e
}

func (l *level) removeByID(id uuid.UUID) (entry, int, bool) {
	for i, e := range l.queue {
		if e.order.ID == id {
			copy(l.queue[i:], l.queue[i+1:])
			l.queue[len(l.queue)-1] = entry{}
			l.queue = l.queue[:len(l.queue)-1]
			l.aggregate = l.aggregate.Sub(e.exposure)
			l.orderCount--
			return e, i, true
		}
	}
	return entry{}, 0, false
}

func (l *level) find(id uuid.UUID) (int, bool) {
	for i, e := range l.queue {
		if e.order.ID == id {
			return i, true
		}
	}
	return 0, false
}

// setExposure adjusts the exposure of the entry at pos, keeping the level
// aggregate consistent.
func (l *level) setExposure(pos int, exposure decimal.Decimal) {
	l.aggregate = l.aggregate.Sub(l.queue[pos].exposure).Add(exposure)
	l.queue[pos].exposure = exposure
}

func (l *level) empty() bool {
	return len(l.queue) == 0
}

// levelArena owns every price level of one book side. Levels are addressed
// by integer handles; the ordered map above holds handles only, so there are
// no pointer cycles between the map and the levels.
type levelArena struct {
	levels []level
	free   []int
}

func newLevelArena() *levelArena {
	return &levelArena{}
}

func (a *levelArena) alloc(price decimal.Decimal) int {
	if n := len(a.free); n > 0 {
		h := a.free[n-1]
		a.free = a.free[:n-1]
		a.levels[h] = level{price: price, aggregate: decimal.Zero, inUse: true}
		return h
	}
	a.levels = append(a.levels, level{price: price, aggregate: decimal.Zero, inUse: true})
	return len(a.levels) - 1
}

func (a *levelArena) release(h int) {
	a.levels[h] = level{}
	a.free = append(a.free, h)
}

func (a *levelArena) at(h int) *level {
	return &a.levels[h]
}
