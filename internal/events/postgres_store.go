package events

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore is the durable Store the Drain flushes into outside of
// tests: a thin batched-insert wrapper over database/sql.
type PostgresStore struct {
	db      *sql.DB
	pending []Event
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// Append buffers one event; it is not durable until the next Flush.
func (s *PostgresStore) Append(_ context.Context, e Event) error {
	s.pending = append(s.pending, e)
	return nil
}

func (s *PostgresStore) Flush(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("events: begin flush tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range s.pending {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO "ob-poc".events (kind, payload, emitted_at) VALUES ($1, $2, $3)`,
			e.Kind, e.Payload, e.EmittedAt)
		if err != nil {
			return fmt.Errorf("events: insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("events: commit flush tx: %w", err)
	}
	s.pending = nil
	return nil
}
