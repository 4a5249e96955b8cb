package handlers

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openexch/matchengine/internal/api/middleware"
	apiws "github.com/openexch/matchengine/internal/api/websocket"
)

// SetupRouter assembles the HTTP surface of the engine: the command and
// query endpoints, the market data websocket, and the Prometheus scrape
// endpoint.
func SetupRouter(h *OrderHandlers, feed *apiws.FeedHandler, rateLimit gin.HandlerFunc, registry *prometheus.Registry) *gin.Engine {
	RegisterValidators()

	router := gin.New()
	// Route on the raw path so an escaped slash in a symbol such as
	// BTC%2FUSDT stays inside the :symbol parameter
	router.UseRawPath = true
	router.Use(gin.Recovery())
	router.Use(cors.Default())
	if rateLimit != nil {
		router.Use(rateLimit)
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.PlaceOrder)
		v1.DELETE("/orders/:id", h.CancelOrder)
		v1.GET("/orders/:id", h.GetOrder)
		v1.GET("/trades/:id", h.GetTrade)
		v1.GET("/trades", h.GetTrades)
		v1.GET("/orderbook/:symbol", h.GetOrderBook)
	}

	router.GET("/ws/:symbol", feed.Handle)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	return router
}

// NewRateLimiter builds the rate limiting middleware from a formatted rate
// such as "200-S"
func NewRateLimiter(rate string) (gin.HandlerFunc, error) {
	return middleware.RateLimit(rate)
}
