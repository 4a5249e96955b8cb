package engine

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openexch/matchengine/internal/common/errors"
	"github.com/openexch/matchengine/internal/models"
)

// ValidatePlaceOrder checks a place command against the per-type field
// constraints. A malformed command produces INVALID_ORDER and no events.
func ValidatePlaceOrder(cmd *models.PlaceOrderCommand) error {
	if cmd.OrderID == uuid.Nil {
		return errors.New(errors.ErrInvalidOrder, "order id is required")
	}
	if cmd.UserID == uuid.Nil {
		return errors.New(errors.ErrInvalidOrder, "user id is required")
	}
	if cmd.Symbol == "" {
		return errors.New(errors.ErrInvalidOrder, "symbol is required")
	}
	if cmd.Timestamp.IsZero() {
		return errors.New(errors.ErrInvalidOrder, "timestamp is required")
	}
	if cmd.Side != models.OrderSideBuy && cmd.Side != models.OrderSideSell {
		return errors.New(errors.ErrInvalidOrder, "unknown order side")
	}
	if !cmd.Quantity.IsPositive() {
		return errors.New(errors.ErrInvalidOrder, "quantity must be positive")
	}

	switch cmd.Type {
	case models.OrderTypeMarket:
		if cmd.Price != nil {
			return errors.New(errors.ErrInvalidOrder, "market orders must not have a price")
		}
		if err := requireAbsent(cmd, false, false); err != nil {
			return err
		}
	case models.OrderTypeLimit:
		if err := requirePositivePrice(cmd.Price, "limit orders require a price"); err != nil {
			return err
		}
		if err := requireAbsent(cmd, false, false); err != nil {
			return err
		}
	case models.OrderTypeIceberg:
		if err := requirePositivePrice(cmd.Price, "iceberg orders require a price"); err != nil {
			return err
		}
		if cmd.IcebergVisibleQuantity == nil || !cmd.IcebergVisibleQuantity.IsPositive() {
			return errors.New(errors.ErrInvalidOrder, "iceberg orders require a positive visible quantity")
		}
		if cmd.IcebergVisibleQuantity.GreaterThan(cmd.Quantity) {
			return errors.New(errors.ErrInvalidOrder, "iceberg visible quantity exceeds order quantity")
		}
		if cmd.StopPrice != nil || cmd.TrailingStopPrice != nil {
			return errors.New(errors.ErrInvalidOrder, "iceberg orders must not carry stop fields")
		}
	case models.OrderTypeStopLoss, models.OrderTypeTakeProfit:
		if cmd.StopPrice == nil || !cmd.StopPrice.IsPositive() {
			return errors.New(errors.ErrInvalidOrder, "stop orders require a positive stop price")
		}
		if cmd.Price != nil && !cmd.Price.IsPositive() {
			return errors.New(errors.ErrInvalidOrder, "price must be positive")
		}
		if err := requireAbsent(cmd, true, false); err != nil {
			return err
		}
	case models.OrderTypeTrailingStop:
		if cmd.TrailingStopPrice == nil || !cmd.TrailingStopPrice.IsPositive() {
			return errors.New(errors.ErrInvalidOrder, "trailing stop orders require a positive trailing distance")
		}
		if cmd.Price != nil && !cmd.Price.IsPositive() {
			return errors.New(errors.ErrInvalidOrder, "price must be positive")
		}
		if err := requireAbsent(cmd, false, true); err != nil {
			return err
		}
	default:
		return errors.Newf(errors.ErrInvalidOrder, "unknown order type %d", cmd.Type)
	}
	return nil
}

func requirePositivePrice(price *decimal.Decimal, msg string) error {
	if price == nil || !price.IsPositive() {
		return errors.New(errors.ErrInvalidOrder, msg)
	}
	return nil
}

// requireAbsent rejects type-specific fields that the command's type does
// not allow. allowStop and allowTrailing mark the one field the type owns.
func requireAbsent(cmd *models.PlaceOrderCommand, allowStop, allowTrailing bool) error {
	if cmd.IcebergVisibleQuantity != nil {
		return errors.Newf(errors.ErrInvalidOrder, "%s orders must not set an iceberg visible quantity", cmd.Type)
	}
	if !allowStop && cmd.StopPrice != nil {
		return errors.Newf(errors.ErrInvalidOrder, "%s orders must not set a stop price", cmd.Type)
	}
	if !allowTrailing && cmd.TrailingStopPrice != nil {
		return errors.Newf(errors.ErrInvalidOrder, "%s orders must not set a trailing stop price", cmd.Type)
	}
	return nil
}

// ValidateCancelOrder checks a cancel command
func ValidateCancelOrder(cmd *models.CancelOrderCommand) error {
	if cmd.OrderID == uuid.Nil {
		return errors.New(errors.ErrInvalidOrder, "order id is required")
	}
	if cmd.UserID == uuid.Nil {
		return errors.New(errors.ErrInvalidOrder, "user id is required")
	}
	if cmd.Symbol == "" {
		return errors.New(errors.ErrInvalidOrder, "symbol is required")
	}
	if cmd.Timestamp.IsZero() {
		return errors.New(errors.ErrInvalidOrder, "timestamp is required")
	}
	return nil
}
