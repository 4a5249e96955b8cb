package eventstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openexch/matchengine/internal/models"
)

// EventStore provides the durable, totally-ordered event log. SaveEvents is
// atomic: either every event in the batch is durable with its assigned
// sequence number, or none is. The sequence assignment is the engine's
// linearization point.
type EventStore interface {
	// SaveEvents appends a batch of events, assigning increasing global
	// sequence numbers
	SaveEvents(ctx context.Context, events []models.OrderEvent) error

	// GetEvents returns the events keyed by an order id, in append order
	GetEvents(ctx context.Context, orderID uuid.UUID) ([]models.OrderEvent, error)

	// GetAllEvents returns every event, globally ordered by sequence
	GetAllEvents(ctx context.Context) ([]models.OrderEvent, error)
}

// InMemoryEventStore keeps the log in process memory. It is the default
// store for tests and single-node runs.
type InMemoryEventStore struct {
	mu      sync.RWMutex
	seq     uint64
	log     []models.OrderEvent
	byOrder map[uuid.UUID][]int
	logger  *zap.Logger
}

// NewInMemoryEventStore creates an empty in-memory event store
func NewInMemoryEventStore(logger *zap.Logger) *InMemoryEventStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryEventStore{
		byOrder: make(map[uuid.UUID][]int),
		logger:  logger,
	}
}

// SaveEvents appends a batch of events, assigning consecutive global
// sequence numbers
func (s *InMemoryEventStore) SaveEvents(ctx context.Context, events []models.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		s.seq++
		models.AssignSequence(event, s.seq)
		s.log = append(s.log, event)
		s.byOrder[event.EventOrderID()] = append(s.byOrder[event.EventOrderID()], len(s.log)-1)
	}

	s.logger.Debug("Appended events",
		zap.Int("count", len(events)),
		zap.Uint64("lastSequence", s.seq),
	)
	return nil
}

// GetEvents returns the events keyed by an order id, in append order
func (s *InMemoryEventStore) GetEvents(ctx context.Context, orderID uuid.UUID) ([]models.OrderEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := s.byOrder[orderID]
	out := make([]models.OrderEvent, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.log[i])
	}
	return out, nil
}

// GetAllEvents returns every event, globally ordered by sequence
func (s *InMemoryEventStore) GetAllEvents(ctx context.Context) ([]models.OrderEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.OrderEvent, len(s.log))
	copy(out, s.log)
	return out, nil
}

// LastSequence returns the highest assigned sequence number
func (s *InMemoryEventStore) LastSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}
