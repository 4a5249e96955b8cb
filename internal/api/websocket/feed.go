package websocket

import (
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openexch/matchengine/internal/marketdata"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the deployment's edge
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FeedHandler streams a symbol's committed events to websocket clients.
// Each connection holds its own subscription on the market data publisher.
type FeedHandler struct {
	publisher *marketdata.Publisher
	logger    *zap.Logger
}

// NewFeedHandler creates a websocket feed handler
func NewFeedHandler(publisher *marketdata.Publisher, logger *zap.Logger) *FeedHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedHandler{
		publisher: publisher,
		logger:    logger,
	}
}

// Handle upgrades GET /ws/:symbol and pumps the symbol's event stream until
// the client disconnects
func (h *FeedHandler) Handle(c *gin.Context) {
	symbol := c.Param("symbol")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return
	}

	ctx := c.Request.Context()
	messages, err := h.publisher.Subscribe(ctx, symbol)
	if err != nil {
		h.logger.Error("Feed subscription failed",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		conn.Close()
		return
	}

	h.logger.Debug("Feed client connected", zap.String("symbol", symbol))
	go h.readPump(conn)
	h.writePump(conn, symbol, messages)
}

// readPump drains client frames so close and pong frames are processed
func (h *FeedHandler) readPump(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			conn.Close()
			return
		}
	}
}

func (h *FeedHandler) writePump(conn *websocket.Conn, symbol string, messages <-chan *message.Message) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
				h.logger.Debug("Feed client write failed",
					zap.String("symbol", symbol),
					zap.Error(err),
				)
				return
			}
			msg.Ack()
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
