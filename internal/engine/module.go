package engine

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/openexch/matchengine/internal/eventstore"
	"github.com/openexch/matchengine/internal/metrics"
)

// Params contains the dependencies for creating a matching engine
type Params struct {
	fx.In

	Store     eventstore.EventStore
	Logger    *zap.Logger
	Metrics   *metrics.Metrics `optional:"true"`
	Publisher EventPublisher   `optional:"true"`
}

// NewEngine creates a matching engine with fx dependency injection
func NewEngine(p Params) *MatchingEngine {
	opts := []Option{}
	if p.Metrics != nil {
		opts = append(opts, WithMetrics(p.Metrics))
	}
	if p.Publisher != nil {
		opts = append(opts, WithPublisher(p.Publisher))
	}
	return NewMatchingEngine(p.Store, p.Logger, opts...)
}

// Module provides the matching engine for fx
var Module = fx.Options(
	fx.Provide(NewEngine),
)
