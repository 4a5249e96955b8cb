package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderCommand is the input surface of the command handler. A command is
// either a PlaceOrderCommand or a CancelOrderCommand.
type OrderCommand interface {
	// CommandOrderID returns the order id the command targets
	CommandOrderID() uuid.UUID

	// CommandSymbol returns the symbol the command targets
	CommandSymbol() string
}

// PlaceOrderCommand represents a request to place a new order
type PlaceOrderCommand struct {
	OrderID                uuid.UUID        `json:"order_id"`
	UserID                 uuid.UUID        `json:"user_id"`
	Symbol                 string           `json:"symbol"`
	Type                   OrderType        `json:"order_type"`
	Side                   OrderSide        `json:"side"`
	Price                  *decimal.Decimal `json:"price,omitempty"`
	Quantity               decimal.Decimal  `json:"quantity"`
	IcebergVisibleQuantity *decimal.Decimal `json:"iceberg_visible_quantity,omitempty"`
	StopPrice              *decimal.Decimal `json:"stop_price,omitempty"`
	TrailingStopPrice      *decimal.Decimal `json:"trailing_stop_price,omitempty"`
	Timestamp              time.Time        `json:"timestamp"`
}

// CommandOrderID returns the order id the command targets
func (c *PlaceOrderCommand) CommandOrderID() uuid.UUID { return c.OrderID }

// CommandSymbol returns the symbol the command targets
func (c *PlaceOrderCommand) CommandSymbol() string { return c.Symbol }

// Order builds the order record the command describes. Timestamps come from
// the command so that replay reproduces them exactly.
func (c *PlaceOrderCommand) Order() *Order {
	return &Order{
		ID:                     c.OrderID,
		UserID:                 c.UserID,
		Symbol:                 c.Symbol,
		Type:                   c.Type,
		Side:                   c.Side,
		Price:                  cloneDecimal(c.Price),
		Quantity:               c.Quantity,
		FilledQuantity:         decimal.Zero,
		Status:                 OrderStatusPending,
		CreatedAt:              c.Timestamp,
		UpdatedAt:              c.Timestamp,
		IcebergVisibleQuantity: cloneDecimal(c.IcebergVisibleQuantity),
		StopPrice:              cloneDecimal(c.StopPrice),
		TrailingStopPrice:      cloneDecimal(c.TrailingStopPrice),
	}
}

// CancelOrderCommand represents a request to cancel a resting or parked order
type CancelOrderCommand struct {
	OrderID   uuid.UUID `json:"order_id"`
	UserID    uuid.UUID `json:"user_id"`
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandOrderID returns the order id the command targets
func (c *CancelOrderCommand) CommandOrderID() uuid.UUID { return c.OrderID }

// CommandSymbol returns the symbol the command targets
func (c *CancelOrderCommand) CommandSymbol() string { return c.Symbol }
