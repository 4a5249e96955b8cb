package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/openexch/matchengine/internal/api/handlers"
	apiws "github.com/openexch/matchengine/internal/api/websocket"
	"github.com/openexch/matchengine/internal/config"
	"github.com/openexch/matchengine/internal/engine"
	"github.com/openexch/matchengine/internal/marketdata"
)

// NewHandlers creates the order handlers from configuration
func NewHandlers(eng *engine.MatchingEngine, cfg *config.Config, logger *zap.Logger) *handlers.OrderHandlers {
	ttl := time.Duration(cfg.MarketData.SnapshotCacheSeconds) * time.Second
	return handlers.NewOrderHandlers(eng, ttl, cfg.Engine.SnapshotDepth, logger)
}

// NewFeedHandler creates the websocket feed handler
func NewFeedHandler(publisher *marketdata.Publisher, logger *zap.Logger) *apiws.FeedHandler {
	return apiws.NewFeedHandler(publisher, logger)
}

// NewRouter assembles the gin router
func NewRouter(h *handlers.OrderHandlers, feed *apiws.FeedHandler, cfg *config.Config, registry *prometheus.Registry, logger *zap.Logger) (*gin.Engine, error) {
	rateLimit, err := handlers.NewRateLimiter(cfg.RateLimit.Rate)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit %q: %w", cfg.RateLimit.Rate, err)
	}
	return handlers.SetupRouter(h, feed, rateLimit, registry), nil
}

// NewServer creates the HTTP server and ties it to the fx lifecycle
func NewServer(lc fx.Lifecycle, router *gin.Engine, cfg *config.Config, logger *zap.Logger) *http.Server {
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("HTTP server stopped", zap.Error(err))
				}
			}()
			logger.Info("HTTP server listening", zap.String("addr", server.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
	return server
}

// Module provides the HTTP API for fx
var Module = fx.Options(
	fx.Provide(NewHandlers),
	fx.Provide(NewFeedHandler),
	fx.Provide(NewRouter),
	fx.Provide(NewServer),
)
