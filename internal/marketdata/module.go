package marketdata

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/openexch/matchengine/internal/config"
	"github.com/openexch/matchengine/internal/engine"
)

// NewFromConfig creates the market data publisher and closes it with the fx
// lifecycle
func NewFromConfig(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) *Publisher {
	publisher := NewPublisher(cfg.MarketData.BufferSize, logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher
}

// AsEventPublisher exposes the publisher under the engine's interface
func AsEventPublisher(p *Publisher) engine.EventPublisher {
	return p
}

// Module provides the market data publisher for fx
var Module = fx.Options(
	fx.Provide(NewFromConfig),
	fx.Provide(AsEventPublisher),
)
