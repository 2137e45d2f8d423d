// Package runbooks implements the Compiled Runbook Store: immutable
// frozen plans persisted at freeze time, with a status column as the
// only mutable field and a parked-correlation index so an external
// callback can find the runbook it resumes.
//
// The full frozen runbook is serialized as one JSONB document (steps,
// write-set, and envelope are never updated after insert); status
// transitions are conditional UPDATEs.
package runbooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/ob-poc/runbook-engine/internal/ids"
	"github.com/ob-poc/runbook-engine/internal/planner"
)

// Status is a persisted runbook's execution lifecycle state.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusReadyToExecute Status = "ready_to_execute"
	StatusExecuting      Status = "executing"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusParked         Status = "parked"
	StatusCancelling     Status = "cancelling"
)

// Record is one persisted runbook row.
type Record struct {
	Runbook              planner.CompiledRunbook
	Status               Status
	ParkedCorrelationKey string
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Save freezes a compiled runbook as ReadyToExecute. The document is
// write-once: there is no update path for the serialized plan, only
// for status and the parked correlation key.
func (s *Store) Save(ctx context.Context, rb planner.CompiledRunbook) error {
	doc, err := json.Marshal(rb)
	if err != nil {
		return fmt.Errorf("runbooks: marshal runbook %s: %w", rb.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO "ob-poc".runbooks (id, session_id, runbook_version, status, document, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		rb.ID.String(), rb.SessionID.String(), rb.RunbookVersion, StatusReadyToExecute, doc)
	if err != nil {
		return fmt.Errorf("runbooks: save runbook %s: %w", rb.ID, err)
	}
	return nil
}

// Load returns one runbook row by id.
func (s *Store) Load(ctx context.Context, id ids.RunbookID) (Record, error) {
	var (
		rec    Record
		doc    []byte
		parked sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, parked_correlation_key, document
		FROM "ob-poc".runbooks WHERE id = $1`, id.String()).
		Scan(&rec.Status, &parked, &doc)
	if err != nil {
		return Record{}, fmt.Errorf("runbooks: load runbook %s: %w", id, err)
	}
	if err := json.Unmarshal(doc, &rec.Runbook); err != nil {
		return Record{}, fmt.Errorf("runbooks: unmarshal runbook %s: %w", id, err)
	}
	rec.ParkedCorrelationKey = parked.String
	return rec, nil
}

// Transition moves a runbook's status, conditional on it currently
// holding one of the expected statuses; zero rows affected means the
// runbook was not in an eligible state, which callers treat as a
// status-validation failure rather than racing past it.
func (s *Store) Transition(ctx context.Context, id ids.RunbookID, to Status, from ...Status) error {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE "ob-poc".runbooks SET status = $2 WHERE id = $1 AND status = ANY($3)`,
		id.String(), to, pq.Array(fromStrs))
	if err != nil {
		return fmt.Errorf("runbooks: transition %s to %s: %w", id, to, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("runbooks: runbook %s not in an eligible status for -> %s", id, to)
	}
	return nil
}

// Park marks a runbook Parked with the correlation key an external
// callback will later resume it by.
func (s *Store) Park(ctx context.Context, id ids.RunbookID, correlationKey string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE "ob-poc".runbooks
		SET status = $2, parked_correlation_key = $3
		WHERE id = $1 AND status = $4`,
		id.String(), StatusParked, correlationKey, StatusExecuting)
	if err != nil {
		return fmt.Errorf("runbooks: park %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("runbooks: runbook %s not executing, cannot park", id)
	}
	return nil
}

// FindParkedByCorrelation returns the parked runbook awaiting the given
// correlation key, or false if none is parked on it.
func (s *Store) FindParkedByCorrelation(ctx context.Context, correlationKey string) (Record, ids.RunbookID, bool, error) {
	var (
		idStr string
		doc   []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document FROM "ob-poc".runbooks
		WHERE parked_correlation_key = $1 AND status = $2`,
		correlationKey, StatusParked).Scan(&idStr, &doc)
	if err == sql.ErrNoRows {
		return Record{}, ids.RunbookID{}, false, nil
	}
	if err != nil {
		return Record{}, ids.RunbookID{}, false, fmt.Errorf("runbooks: find parked by correlation %s: %w", correlationKey, err)
	}

	id, err := ids.ParseRunbookID(idStr)
	if err != nil {
		return Record{}, ids.RunbookID{}, false, err
	}
	var rec Record
	rec.Status = StatusParked
	rec.ParkedCorrelationKey = correlationKey
	if err := json.Unmarshal(doc, &rec.Runbook); err != nil {
		return Record{}, ids.RunbookID{}, false, fmt.Errorf("runbooks: unmarshal parked runbook %s: %w", idStr, err)
	}
	return rec, id, true, nil
}
