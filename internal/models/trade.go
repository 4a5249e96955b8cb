package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade represents an execution between a taker and a maker order.
//
// Price is always the resting (maker) order's limit price. Side is the side
// of the aggressor.
type Trade struct {
	// Trade ID, k-sortable by creation time
	ID string `json:"id"`

	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     OrderSide       `json:"side"`

	TakerOrderID uuid.UUID `json:"taker_order_id"`
	MakerOrderID uuid.UUID `json:"maker_order_id"`

	CreatedAt time.Time `json:"created_at"`
}
