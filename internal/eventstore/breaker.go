package eventstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/openexch/matchengine/internal/common/errors"
	"github.com/openexch/matchengine/internal/models"
)

// BreakerStore wraps an EventStore with a circuit breaker. A failing
// backing store trips the breaker; while it is open every call fails fast
// with BOOK_UNAVAILABLE, which the command handler turns into a rollback.
type BreakerStore struct {
	inner   EventStore
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// BreakerConfig contains configuration for the store circuit breaker
type BreakerConfig struct {
	// MaxRequests allowed through while half-open
	MaxRequests uint32

	// Interval over which failure counts are accumulated
	Interval time.Duration

	// Timeout before an open breaker transitions to half-open
	Timeout time.Duration

	// ConsecutiveFailures that trip the breaker
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns the default circuit breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            30 * time.Second,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// NewBreakerStore wraps an event store with a circuit breaker
func NewBreakerStore(inner EventStore, config BreakerConfig, logger *zap.Logger) *BreakerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        "event-store",
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Event store breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &BreakerStore{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// SaveEvents appends a batch through the breaker
func (s *BreakerStore) SaveEvents(ctx context.Context, events []models.OrderEvent) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.inner.SaveEvents(ctx, events)
	})
	return translate(err)
}

// GetEvents returns the events keyed by an order id, in append order
func (s *BreakerStore) GetEvents(ctx context.Context, orderID uuid.UUID) ([]models.OrderEvent, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.GetEvents(ctx, orderID)
	})
	if err != nil {
		return nil, translate(err)
	}
	return out.([]models.OrderEvent), nil
}

// GetAllEvents returns every event, globally ordered by sequence
func (s *BreakerStore) GetAllEvents(ctx context.Context) ([]models.OrderEvent, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.GetAllEvents(ctx)
	})
	if err != nil {
		return nil, translate(err)
	}
	return out.([]models.OrderEvent), nil
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errors.Wrap(err, errors.ErrBookUnavailable, "event store circuit open")
	}
	return err
}
