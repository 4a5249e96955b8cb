package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderType represents the type of an order
type OrderType int32

const (
	// OrderTypeMarket represents a market order
	OrderTypeMarket OrderType = 0
	// OrderTypeLimit represents a limit order
	OrderTypeLimit OrderType = 1
	// OrderTypeStopLoss represents a stop-loss order
	OrderTypeStopLoss OrderType = 2
	// OrderTypeTakeProfit represents a take-profit order
	OrderTypeTakeProfit OrderType = 3
	// OrderTypeIceberg represents an iceberg order
	OrderTypeIceberg OrderType = 4
	// OrderTypeTrailingStop represents a trailing stop order
	OrderTypeTrailingStop OrderType = 5
)

// String returns the string representation of the order type
func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeStopLoss:
		return "STOP_LOSS"
	case OrderTypeTakeProfit:
		return "TAKE_PROFIT"
	case OrderTypeIceberg:
		return "ICEBERG"
	case OrderTypeTrailingStop:
		return "TRAILING_STOP"
	default:
		return "UNKNOWN"
	}
}

// OrderSide represents the side of an order
type OrderSide int32

const (
	// OrderSideBuy represents a buy order
	OrderSideBuy OrderSide = 0
	// OrderSideSell represents a sell order
	OrderSideSell OrderSide = 1
)

// String returns the string representation of the order side
func (s OrderSide) String() string {
	if s == OrderSideBuy {
		return "BUY"
	}
	return "SELL"
}

// Opposite returns the opposing side
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderStatus represents the status of an order
type OrderStatus int32

const (
	// OrderStatusPending represents an order accepted but not yet processed
	OrderStatusPending OrderStatus = 0
	// OrderStatusActive represents an order resting in the book or parked on a trigger
	OrderStatusActive OrderStatus = 1
	// OrderStatusPartiallyFilled represents an order with some executed quantity
	OrderStatusPartiallyFilled OrderStatus = 2
	// OrderStatusFilled represents a fully executed order
	OrderStatusFilled OrderStatus = 3
	// OrderStatusCanceled represents a canceled order
	OrderStatusCanceled OrderStatus = 4
	// OrderStatusRejected represents a rejected order
	OrderStatusRejected OrderStatus = 5
)

// String returns the string representation of the order status
func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusActive:
		return "ACTIVE"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCanceled:
		return "CANCELED"
	case OrderStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status is terminal. A terminal order is never
// re-activated.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled || s == OrderStatusRejected
}

// Order represents an order in the matching engine
type Order struct {
	// Order ID, unique across the lifetime of the engine
	ID uuid.UUID `json:"id"`

	// Owner
	UserID uuid.UUID `json:"user_id"`

	// Instrument key
	Symbol string `json:"symbol"`

	// Order details
	Type OrderType `json:"order_type"`
	Side OrderSide `json:"side"`

	// Limit price, present iff the type requires one
	Price *decimal.Decimal `json:"price,omitempty"`

	// Original size
	Quantity decimal.Decimal `json:"quantity"`

	// Executed size, non-decreasing, never exceeds Quantity
	FilledQuantity decimal.Decimal `json:"filled_quantity"`

	Status OrderStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Type-specific fields
	IcebergVisibleQuantity *decimal.Decimal `json:"iceberg_visible_quantity,omitempty"`
	StopPrice              *decimal.Decimal `json:"stop_price,omitempty"`
	TrailingStopPrice      *decimal.Decimal `json:"trailing_stop_price,omitempty"`
}

// RemainingQuantity returns the unexecuted quantity of the order
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsStopKind reports whether the order is held on a trigger rather than
// matched on arrival
func (o *Order) IsStopKind() bool {
	return o.Type == OrderTypeStopLoss || o.Type == OrderTypeTakeProfit || o.Type == OrderTypeTrailingStop
}

// Clone returns a deep copy of the order
func (o *Order) Clone() *Order {
	c := *o
	c.Price = cloneDecimal(o.Price)
	c.IcebergVisibleQuantity = cloneDecimal(o.IcebergVisibleQuantity)
	c.StopPrice = cloneDecimal(o.StopPrice)
	c.TrailingStopPrice = cloneDecimal(o.TrailingStopPrice)
	return &c
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// BookLevel represents an aggregated price level on one side of a book
type BookLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	OrderCount int             `json:"order_count"`
}

// OrderBookSnapshot represents the aggregated depth of both sides of a book
type OrderBookSnapshot struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}
