package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType identifies the concrete type of an OrderEvent
type EventType string

const (
	// EventTypeOrderPlaced is emitted when a command is accepted
	EventTypeOrderPlaced EventType = "order_placed"
	// EventTypeOrderCanceled is emitted when an order leaves the book without filling
	EventTypeOrderCanceled EventType = "order_canceled"
	// EventTypeOrderUpdated is emitted when a resting or parked order changes shape
	EventTypeOrderUpdated EventType = "order_updated"
	// EventTypeOrderMatched is emitted once per execution, keyed by the taker
	EventTypeOrderMatched EventType = "order_matched"
	// EventTypeOrderPartiallyFilled is emitted when an order's executed quantity grows
	EventTypeOrderPartiallyFilled EventType = "order_partially_filled"
	// EventTypeOrderFilled is emitted when an order is fully executed
	EventTypeOrderFilled EventType = "order_filled"
)

// Cancel reasons carried by OrderCanceledEvent
const (
	CancelReasonRequested      = "canceled_by_request"
	CancelReasonUnfilledMarket = "unfilled_market_residual"
)

// Update reasons carried by OrderUpdatedEvent
const (
	UpdateReasonStopTriggered  = "stop_triggered"
	UpdateReasonTrailingAdjust = "trailing_adjusted"
	UpdateReasonIcebergRefresh = "iceberg_refresh"
)

// OrderEvent is the append-only output surface of the engine. Events are
// immutable once created; the event store assigns the global sequence number
// at append time.
type OrderEvent interface {
	// Type returns the concrete event type
	Type() EventType

	// EventOrderID returns the order the event is keyed by
	EventOrderID() uuid.UUID

	// EventSymbol returns the symbol the event belongs to
	EventSymbol() string

	// EventTimestamp returns the event time
	EventTimestamp() time.Time

	// Sequence returns the store-assigned global sequence number, zero
	// until the event has been appended
	Sequence() uint64

	setSequence(seq uint64)
}

// EventBase carries the fields common to every event
type EventBase struct {
	OrderID        uuid.UUID `json:"order_id"`
	Symbol         string    `json:"symbol"`
	Timestamp      time.Time `json:"timestamp"`
	SequenceNumber uint64    `json:"sequence_number"`
}

// EventOrderID returns the order the event is keyed by
func (b *EventBase) EventOrderID() uuid.UUID { return b.OrderID }

// EventSymbol returns the symbol the event belongs to
func (b *EventBase) EventSymbol() string { return b.Symbol }

// EventTimestamp returns the event time
func (b *EventBase) EventTimestamp() time.Time { return b.Timestamp }

// Sequence returns the store-assigned global sequence number
func (b *EventBase) Sequence() uint64 { return b.SequenceNumber }

func (b *EventBase) setSequence(seq uint64) { b.SequenceNumber = seq }

// AssignSequence stamps a store-assigned sequence number onto an event. It
// is intended for event store implementations only.
func AssignSequence(e OrderEvent, seq uint64) { e.setSequence(seq) }

// OrderPlacedEvent records acceptance of a place command
type OrderPlacedEvent struct {
	EventBase
	UserID                 uuid.UUID        `json:"user_id"`
	OrderType              OrderType        `json:"order_type"`
	Side                   OrderSide        `json:"side"`
	Price                  *decimal.Decimal `json:"price,omitempty"`
	Quantity               decimal.Decimal  `json:"quantity"`
	IcebergVisibleQuantity *decimal.Decimal `json:"iceberg_visible_quantity,omitempty"`
	StopPrice              *decimal.Decimal `json:"stop_price,omitempty"`
	TrailingStopPrice      *decimal.Decimal `json:"trailing_stop_price,omitempty"`
	Status                 OrderStatus      `json:"status"`
}

// Type returns the concrete event type
func (e *OrderPlacedEvent) Type() EventType { return EventTypeOrderPlaced }

// OrderCanceledEvent records removal of an order without complete execution
type OrderCanceledEvent struct {
	EventBase
	UserID uuid.UUID `json:"user_id"`
	Reason string    `json:"reason"`
}

// Type returns the concrete event type
func (e *OrderCanceledEvent) Type() EventType { return EventTypeOrderCanceled }

// OrderUpdatedEvent records a shape change of a live order: a stop trigger
// release, a trailing trigger adjustment, or an iceberg slice refresh.
type OrderUpdatedEvent struct {
	EventBase
	UserID      uuid.UUID        `json:"user_id"`
	Reason      string           `json:"reason"`
	NewPrice    *decimal.Decimal `json:"new_price,omitempty"`
	NewQuantity *decimal.Decimal `json:"new_quantity,omitempty"`
}

// Type returns the concrete event type
func (e *OrderUpdatedEvent) Type() EventType { return EventTypeOrderUpdated }

// OrderMatchedEvent records a single execution. It is keyed by the taker;
// MakerOrderID is the id of the resting order that was consumed.
type OrderMatchedEvent struct {
	EventBase
	MakerOrderID uuid.UUID       `json:"maker_order_id"`
	TradeID      string          `json:"trade_id"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Side         OrderSide       `json:"side"`
}

// Type returns the concrete event type
func (e *OrderMatchedEvent) Type() EventType { return EventTypeOrderMatched }

// OrderPartiallyFilledEvent records the new executed quantity of an order
// that remains live. FilledQuantity is absolute, not a delta.
type OrderPartiallyFilledEvent struct {
	EventBase
	FilledQuantity    decimal.Decimal `json:"filled_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
}

// Type returns the concrete event type
func (e *OrderPartiallyFilledEvent) Type() EventType { return EventTypeOrderPartiallyFilled }

// OrderFilledEvent records complete execution of an order
type OrderFilledEvent struct {
	EventBase
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
}

// Type returns the concrete event type
func (e *OrderFilledEvent) Type() EventType { return EventTypeOrderFilled }

// EncodeEvent serializes an event to JSON for durable storage
func EncodeEvent(e OrderEvent) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent deserializes an event previously written by EncodeEvent
func DecodeEvent(t EventType, payload []byte) (OrderEvent, error) {
	var e OrderEvent
	switch t {
	case EventTypeOrderPlaced:
		e = &OrderPlacedEvent{}
	case EventTypeOrderCanceled:
		e = &OrderCanceledEvent{}
	case EventTypeOrderUpdated:
		e = &OrderUpdatedEvent{}
	case EventTypeOrderMatched:
		e = &OrderMatchedEvent{}
	case EventTypeOrderPartiallyFilled:
		e = &OrderPartiallyFilledEvent{}
	case EventTypeOrderFilled:
		e = &OrderFilledEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, err
	}
	return e, nil
}
