package eventstore

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/openexch/matchengine/internal/config"
)

// NewEventStore creates the configured event store backend. The Postgres
// backend is wrapped in a circuit breaker; the in-memory backend is not, as
// it cannot fail transiently.
func NewEventStore(cfg *config.Config, logger *zap.Logger) (EventStore, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return NewInMemoryEventStore(logger), nil
	case "postgres":
		db, err := sqlx.Connect("postgres", cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to event store database: %w", err)
		}
		pg, err := NewPostgresEventStore(db, logger)
		if err != nil {
			return nil, err
		}
		breakerCfg := DefaultBreakerConfig()
		if cfg.Store.BreakerConsecutiveFailures > 0 {
			breakerCfg.ConsecutiveFailures = cfg.Store.BreakerConsecutiveFailures
		}
		if cfg.Store.BreakerTimeoutSeconds > 0 {
			breakerCfg.Timeout = time.Duration(cfg.Store.BreakerTimeoutSeconds) * time.Second
		}
		return NewBreakerStore(pg, breakerCfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown event store backend %q", cfg.Store.Backend)
	}
}

// Module provides the event store for fx
var Module = fx.Options(
	fx.Provide(NewEventStore),
)
