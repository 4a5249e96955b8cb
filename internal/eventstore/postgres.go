package eventstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/openexch/matchengine/internal/models"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS order_events (
	sequence_number BIGSERIAL PRIMARY KEY,
	order_id        UUID        NOT NULL,
	symbol          TEXT        NOT NULL,
	event_type      TEXT        NOT NULL,
	payload         JSONB       NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_events_order_id ON order_events (order_id, sequence_number);
`

type eventRow struct {
	SequenceNumber uint64 `db:"sequence_number"`
	EventType      string `db:"event_type"`
	Payload        []byte `db:"payload"`
}

// PostgresEventStore persists the event log in a single append-only table.
// The BIGSERIAL primary key is the global sequence number. A batch is
// inserted in one transaction, so it is durable or not at all. Sequence
// values are drawn from a Postgres sequence, which is not transactional:
// numbers increase in append order within a batch, but concurrent batches
// may interleave and a rolled-back append leaves a gap.
type PostgresEventStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresEventStore creates a Postgres-backed event store and ensures
// the schema exists
func NewPostgresEventStore(db *sqlx.DB, logger *zap.Logger) (*PostgresEventStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(createEventsTable); err != nil {
		return nil, fmt.Errorf("failed to create order_events table: %w", err)
	}
	return &PostgresEventStore{db: db, logger: logger}, nil
}

// SaveEvents appends a batch of events inside one transaction
func (s *PostgresEventStore) SaveEvents(ctx context.Context, events []models.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event append: %w", err)
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO order_events (order_id, symbol, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING sequence_number
	`
	for _, event := range events {
		payload, err := models.EncodeEvent(event)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		var seq uint64
		if err := tx.QueryRowxContext(ctx, insert,
			event.EventOrderID(),
			event.EventSymbol(),
			string(event.Type()),
			payload,
			event.EventTimestamp(),
		).Scan(&seq); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		models.AssignSequence(event, seq)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event append: %w", err)
	}
	return nil
}

// GetEvents returns the events keyed by an order id, in append order
func (s *PostgresEventStore) GetEvents(ctx context.Context, orderID uuid.UUID) ([]models.OrderEvent, error) {
	const query = `
		SELECT sequence_number, event_type, payload FROM order_events
		WHERE order_id = $1
		ORDER BY sequence_number
	`
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, orderID); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return decodeRows(rows)
}

// GetAllEvents returns every event, globally ordered by sequence
func (s *PostgresEventStore) GetAllEvents(ctx context.Context) ([]models.OrderEvent, error) {
	const query = `
		SELECT sequence_number, event_type, payload FROM order_events
		ORDER BY sequence_number
	`
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return decodeRows(rows)
}

func decodeRows(rows []eventRow) ([]models.OrderEvent, error) {
	out := make([]models.OrderEvent, 0, len(rows))
	for _, row := range rows {
		event, err := models.DecodeEvent(models.EventType(row.EventType), row.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", row.SequenceNumber, err)
		}
		models.AssignSequence(event, row.SequenceNumber)
		out = append(out, event)
	}
	return out, nil
}
