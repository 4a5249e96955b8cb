package orderbook

import (
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openexch/matchengine/internal/models"
)

// BookSide is one side of a symbol book: an ordered map from price to level
// handle. Orientation is a comparator parameter, not two implementations:
// bids iterate from the highest price, asks from the lowest, and Best is
// always the leftmost node.
type BookSide struct {
	side  models.OrderSide
	tree  *redblacktree.Tree
	arena *levelArena
	count int
}

func decimalComparator(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// NewBookSide creates an empty book side with the orientation of the given
// side
func NewBookSide(side models.OrderSide) *BookSide {
	cmp := decimalComparator
	if side == models.OrderSideBuy {
		// Bids are keyed in descending order so the best bid is leftmost
		cmp = func(a, b interface{}) int { return decimalComparator(b, a) }
	}
	return &BookSide{
		side:  side,
		tree:  redblacktree.NewWith(cmp),
		arena: newLevelArena(),
	}
}

// Side returns the side this book half holds
func (b *BookSide) Side() models.OrderSide { return b.side }

// Len returns the number of resting orders on this side
func (b *BookSide) Len() int { return b.count }

// Insert appends the order to the FIFO queue at its price, creating the
// level if absent. exposure is the quantity shown to the market.
func (b *BookSide) Insert(o *models.Order, price, exposure decimal.Decimal) {
	lvl, _ := b.levelFor(price, true)
	lvl.pushBack(entry{order: o, exposure: exposure})
	b.count++
}

// Remove locates and removes the order from the queue at the given price,
// dropping the level if it becomes empty. It returns the removed order, the
// queue position it occupied and its exposure, or ok=false if the order was
// not found at that price.
func (b *BookSide) Remove(id uuid.UUID, price decimal.Decimal) (o *models.Order, pos int, exposure decimal.Decimal, ok bool) {
	v, found := b.tree.Get(price)
	if !found {
		return nil, 0, decimal.Zero, false
	}
	h := v.(int)
	lvl := b.arena.at(h)
	e, pos, found := lvl.removeByID(id)
	if !found {
		return nil, 0, decimal.Zero, false
	}
	b.count--
	if lvl.empty() {
		b.tree.Remove(price)
		b.arena.release(h)
	}
	return e.order, pos, e.exposure, true
}

// InsertAt restores an order at an exact queue position. It exists for
// rollback of Remove.
func (b *BookSide) InsertAt(o *models.Order, price decimal.Decimal, pos int, exposure decimal.Decimal) {
	lvl, _ := b.levelFor(price, true)
	if pos > len(lvl.queue) {
		pos = len(lvl.queue)
	}
	lvl.insertAt(pos, entry{order: o, exposure: exposure})
	b.count++
}

// BestPrice returns the most aggressive price on this side
func (b *BookSide) BestPrice() (decimal.Decimal, bool) {
	node := b.tree.Left()
	if node == nil {
		return decimal.Zero, false
	}
	return node.Key.(decimal.Decimal), true
}

// Head returns the order at the front of the best level together with its
// exposure
func (b *BookSide) Head() (*models.Order, decimal.Decimal, bool) {
	node := b.tree.Left()
	if node == nil {
		return nil, decimal.Zero, false
	}
	lvl := b.arena.at(node.Value.(int))
	return lvl.queue[0].order, lvl.queue[0].exposure, true
}

// ConsumeHead reduces the exposure of the head order of the best level by
// qty
func (b *BookSide) ConsumeHead(qty decimal.Decimal) {
	node := b.tree.Left()
	lvl := b.arena.at(node.Value.(int))
	lvl.setExposure(0, lvl.queue[0].exposure.Sub(qty))
}

// PopHead consumes the head order of the best level entirely, dropping the
// level if it becomes empty
func (b *BookSide) PopHead() *models.Order {
	node := b.tree.Left()
	h := node.Value.(int)
	lvl := b.arena.at(h)
	e := lvl.popFront()
	b.count--
	if lvl.empty() {
		b.tree.Remove(node.Key)
		b.arena.release(h)
	}
	return e.order
}

// RequeueHead moves the head order of the best level to the back of the same
// level with a fresh exposure. This is the iceberg slice refresh: the order
// keeps its price but loses time priority within the level.
func (b *BookSide) RequeueHead(exposure decimal.Decimal) {
	node := b.tree.Left()
	lvl := b.arena.at(node.Value.(int))
	e := lvl.popFront()
	e.exposure = exposure
	lvl.pushBack(e)
}

// Exposure returns the current exposure of an order resting at the given
// price
func (b *BookSide) Exposure(id uuid.UUID, price decimal.Decimal) (decimal.Decimal, bool) {
	v, found := b.tree.Get(price)
	if !found {
		return decimal.Zero, false
	}
	lvl := b.arena.at(v.(int))
	pos, ok := lvl.find(id)
	if !ok {
		return decimal.Zero, false
	}
	return lvl.queue[pos].exposure, true
}

// SetExposure replaces the exposure of an order resting at the given price
func (b *BookSide) SetExposure(id uuid.UUID, price, exposure decimal.Decimal) bool {
	v, found := b.tree.Get(price)
	if !found {
		return false
	}
	lvl := b.arena.at(v.(int))
	pos, ok := lvl.find(id)
	if !ok {
		return false
	}
	lvl.setExposure(pos, exposure)
	return true
}

// MoveToBack moves an order to the back of its level with a fresh exposure.
// It exists for replay of iceberg refreshes.
func (b *BookSide) MoveToBack(id uuid.UUID, price, exposure decimal.Decimal) bool {
	v, found := b.tree.Get(price)
	if !found {
		return false
	}
	lvl := b.arena.at(v.(int))
	e, _, ok := lvl.removeByID(id)
	if !ok {
		return false
	}
	e.exposure = exposure
	lvl.pushBack(e)
	return true
}

// LevelInfo returns the aggregate quantity and order count at a price
func (b *BookSide) LevelInfo(price decimal.Decimal) (decimal.Decimal, int, bool) {
	v, found := b.tree.Get(price)
	if !found {
		return decimal.Zero, 0, false
	}
	lvl := b.arena.at(v.(int))
	return lvl.aggregate, lvl.orderCount, true
}

// Depth returns up to k (price, aggregate, order count) entries starting at
// the best level; k <= 0 returns every level
func (b *BookSide) Depth(k int) []models.BookLevel {
	out := make([]models.BookLevel, 0, k)
	it := b.tree.Iterator()
	for it.Next() {
		if k > 0 && len(out) >= k {
			break
		}
		lvl := b.arena.at(it.Value().(int))
		out = append(out, models.BookLevel{
			Price:      lvl.price,
			Quantity:   lvl.aggregate,
			OrderCount: lvl.orderCount,
		})
	}
	return out
}

// Orders returns every resting order in price-time order. Used by
// state-equality checks, not by the match path.
func (b *BookSide) Orders() []*models.Order {
	out := make([]*models.Order, 0, b.count)
	it := b.tree.Iterator()
	for it.Next() {
		lvl := b.arena.at(it.Value().(int))
		for _, e := range lvl.queue {
			out = append(out, e.order)
		}
	}
	return out
}

func (b *BookSide) levelFor(price decimal.Decimal, create bool) (*level, int) {
	if v, found := b.tree.Get(price); found {
		h := v.(int)
		return b.arena.at(h), h
	}
	if !create {
		return nil, -1
	}
	h := b.arena.alloc(price)
	b.tree.Put(price, h)
	return b.arena.at(h), h
}
