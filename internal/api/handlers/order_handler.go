package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openexch/matchengine/internal/common/errors"
	"github.com/openexch/matchengine/internal/engine"
	"github.com/openexch/matchengine/internal/models"
)

// OrderHandlers provides HTTP handlers for the engine's command and query
// surface
type OrderHandlers struct {
	engine    *engine.MatchingEngine
	snapshots *cache.Cache
	depth     int
	logger    *zap.Logger
}

// NewOrderHandlers creates new order handlers. snapshotTTL bounds how stale
// a cached depth snapshot may be.
func NewOrderHandlers(eng *engine.MatchingEngine, snapshotTTL time.Duration, depth int, logger *zap.Logger) *OrderHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandlers{
		engine:    eng,
		snapshots: cache.New(snapshotTTL, 10*snapshotTTL),
		depth:     depth,
		logger:    logger,
	}
}

// RegisterValidators installs custom binding validators. Call once at
// startup.
func RegisterValidators() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("decimal", func(fl validator.FieldLevel) bool {
			_, err := decimal.NewFromString(fl.Field().String())
			return err == nil
		})
	}
}

// PlaceOrderRequest represents a request to place an order
type PlaceOrderRequest struct {
	OrderID                string  `json:"order_id" binding:"required,uuid"`
	UserID                 string  `json:"user_id" binding:"required,uuid"`
	Symbol                 string  `json:"symbol" binding:"required"`
	OrderType              string  `json:"order_type" binding:"required,oneof=MARKET LIMIT STOP_LOSS TAKE_PROFIT ICEBERG TRAILING_STOP"`
	Side                   string  `json:"side" binding:"required,oneof=BUY SELL"`
	Price                  *string `json:"price,omitempty" binding:"omitempty,decimal"`
	Quantity               string  `json:"quantity" binding:"required,decimal"`
	IcebergVisibleQuantity *string `json:"iceberg_visible_quantity,omitempty" binding:"omitempty,decimal"`
	StopPrice              *string `json:"stop_price,omitempty" binding:"omitempty,decimal"`
	TrailingStopPrice      *string `json:"trailing_stop_price,omitempty" binding:"omitempty,decimal"`
}

// PlaceOrder handles POST /api/v1/orders
func (h *OrderHandlers) PlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd, err := req.toCommand()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, err := h.engine.PlaceOrder(c.Request.Context(), cmd)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": eventList(events)})
}

// CancelOrder handles DELETE /api/v1/orders/:id
func (h *OrderHandlers) CancelOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return
	}
	symbol := c.Query("symbol")

	cmd := &models.CancelOrderCommand{
		OrderID:   orderID,
		UserID:    userID,
		Symbol:    symbol,
		Timestamp: time.Now().UTC(),
	}
	events, err := h.engine.CancelOrder(c.Request.Context(), cmd)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": eventList(events)})
}

// GetOrder handles GET /api/v1/orders/:id
func (h *OrderHandlers) GetOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	order, ok := h.engine.GetOrder(orderID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, order)
}

// GetTrade handles GET /api/v1/trades/:id
func (h *OrderHandlers) GetTrade(c *gin.Context) {
	trade, ok := h.engine.GetTrade(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	c.JSON(http.StatusOK, trade)
}

// GetTrades handles GET /api/v1/trades?symbol=X
func (h *OrderHandlers) GetTrades(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol query parameter is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": h.engine.Trades(symbol)})
}

// GetOrderBook handles GET /api/v1/orderbook/:symbol. Snapshots are served
// from a short-TTL cache; the cache key includes the depth.
func (h *OrderHandlers) GetOrderBook(c *gin.Context) {
	symbol := c.Param("symbol")
	depth := h.depth
	if d := c.Query("depth"); d != "" {
		parsed, err := strconv.Atoi(d)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid depth"})
			return
		}
		depth = parsed
	}

	key := fmt.Sprintf("%s:%d", symbol, depth)
	if cached, ok := h.snapshots.Get(key); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	snapshot, err := h.engine.GetOrderBook(symbol, depth)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.snapshots.Set(key, snapshot, cache.DefaultExpiration)
	c.JSON(http.StatusOK, snapshot)
}

func (h *OrderHandlers) respondError(c *gin.Context, err error) {
	code := errors.GetErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.ErrInvalidOrder:
		status = http.StatusBadRequest
	case errors.ErrOrderNotFound, errors.ErrSymbolNotFound:
		status = http.StatusNotFound
	case errors.ErrDuplicateOrder:
		status = http.StatusConflict
	case errors.ErrBookUnavailable, errors.ErrEngineHalted:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Unhandled engine error", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": string(code)})
}

func (r *PlaceOrderRequest) toCommand() (*models.PlaceOrderCommand, error) {
	orderID, err := uuid.Parse(r.OrderID)
	if err != nil {
		return nil, fmt.Errorf("invalid order_id: %w", err)
	}
	userID, err := uuid.Parse(r.UserID)
	if err != nil {
		return nil, fmt.Errorf("invalid user_id: %w", err)
	}
	orderType, err := parseOrderType(r.OrderType)
	if err != nil {
		return nil, err
	}
	side := models.OrderSideBuy
	if r.Side == "SELL" {
		side = models.OrderSideSell
	}
	quantity, err := decimal.NewFromString(r.Quantity)
	if err != nil {
		return nil, fmt.Errorf("invalid quantity: %w", err)
	}

	cmd := &models.PlaceOrderCommand{
		OrderID:   orderID,
		UserID:    userID,
		Symbol:    r.Symbol,
		Type:      orderType,
		Side:      side,
		Quantity:  quantity,
		Timestamp: time.Now().UTC(),
	}
	if cmd.Price, err = parseOptionalDecimal(r.Price, "price"); err != nil {
		return nil, err
	}
	if cmd.IcebergVisibleQuantity, err = parseOptionalDecimal(r.IcebergVisibleQuantity, "iceberg_visible_quantity"); err != nil {
		return nil, err
	}
	if cmd.StopPrice, err = parseOptionalDecimal(r.StopPrice, "stop_price"); err != nil {
		return nil, err
	}
	if cmd.TrailingStopPrice, err = parseOptionalDecimal(r.TrailingStopPrice, "trailing_stop_price"); err != nil {
		return nil, err
	}
	return cmd, nil
}

func parseOrderType(s string) (models.OrderType, error) {
	switch s {
	case "MARKET":
		return models.OrderTypeMarket, nil
	case "LIMIT":
		return models.OrderTypeLimit, nil
	case "STOP_LOSS":
		return models.OrderTypeStopLoss, nil
	case "TAKE_PROFIT":
		return models.OrderTypeTakeProfit, nil
	case "ICEBERG":
		return models.OrderTypeIceberg, nil
	case "TRAILING_STOP":
		return models.OrderTypeTrailingStop, nil
	default:
		return 0, fmt.Errorf("unknown order type %q", s)
	}
}

func parseOptionalDecimal(s *string, field string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return &d, nil
}

func eventList(events []models.OrderEvent) []gin.H {
	out := make([]gin.H, 0, len(events))
	for _, e := range events {
		out = append(out, gin.H{"type": string(e.Type()), "data": e})
	}
	return out
}
