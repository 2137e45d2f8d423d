package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ob-poc/runbook-engine/internal/cargoref"
	"github.com/ob-poc/runbook-engine/internal/ids"
)

// Retry/backoff bounds: a 10s poll interval, batches of 5, a 10s
// backoff before re-claiming a row, and a hard cap of 50 attempts
// before a dispatch is marked permanently failed.
const (
	PollInterval = 10 * time.Second
	BatchSize    = 5
	Backoff      = 10 * time.Second
	MaxAttempts  = 50
)

// DispatchStatus is a pending dispatch's persisted lifecycle state.
// Queued rows are the only claimable ones; Dispatched and
// PermanentlyFailed are terminal, queryable markers.
type DispatchStatus string

const (
	DispatchQueued            DispatchStatus = "queued"
	DispatchDispatched        DispatchStatus = "dispatched"
	DispatchPermanentlyFailed DispatchStatus = "permanently_failed"
)

// PendingDispatch is one queued BPMN StartProcess request that could
// not be sent because the engine was unavailable at enqueue time.
type PendingDispatch struct {
	ID                ids.TaskID
	Payload           cargoref.CargoRef
	Status            DispatchStatus
	ProcessInstanceID string
	Attempts          int
	LastError         string
	EnqueuedAt        time.Time
	LastAttempt       *time.Time
}

// PendingDispatchStore persists the retry queue.
type PendingDispatchStore struct {
	db *sql.DB
}

func NewPendingDispatchStore(db *sql.DB) *PendingDispatchStore {
	return &PendingDispatchStore{db: db}
}

func (s *PendingDispatchStore) Enqueue(ctx context.Context, pd PendingDispatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO "ob-poc".bpmn_pending_dispatches (id, payload, status, attempts, enqueued_at)
		VALUES ($1, $2, $3, 0, now())`,
		pd.ID.String(), pd.Payload.ToURI(), DispatchQueued)
	if err != nil {
		return fmt.Errorf("tasks: enqueue pending dispatch: %w", err)
	}
	return nil
}

// ClaimPending selects up to BatchSize queued rows not attempted within
// the backoff window and under MaxAttempts, for one worker cycle.
func (s *PendingDispatchStore) ClaimPending(ctx context.Context) ([]PendingDispatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, attempts, enqueued_at, last_attempt
		FROM "ob-poc".bpmn_pending_dispatches
		WHERE status = $1 AND attempts < $2
		  AND (last_attempt IS NULL OR last_attempt < now() - $3 * interval '1 second')
		ORDER BY enqueued_at
		LIMIT $4`,
		DispatchQueued, MaxAttempts, Backoff.Seconds(), BatchSize)
	if err != nil {
		return nil, fmt.Errorf("tasks: claim pending dispatches: %w", err)
	}
	defer rows.Close()

	var out []PendingDispatch
	for rows.Next() {
		var (
			pd      PendingDispatch
			idStr   string
			payload string
		)
		if err := rows.Scan(&idStr, &payload, &pd.Attempts, &pd.EnqueuedAt, &pd.LastAttempt); err != nil {
			return nil, err
		}
		id, err := ids.ParseTaskID(idStr)
		if err != nil {
			return nil, err
		}
		ref, err := cargoref.Parse(payload)
		if err != nil {
			return nil, err
		}
		pd.ID, pd.Payload, pd.Status = id, ref, DispatchQueued
		out = append(out, pd)
	}
	return out, rows.Err()
}

// MarkDispatched transitions queued -> dispatched, recording the
// engine-assigned process instance id. The status guard makes a
// duplicate success report a no-op instead of resurrecting a terminal
// row.
func (s *PendingDispatchStore) MarkDispatched(ctx context.Context, id ids.TaskID, processInstanceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE "ob-poc".bpmn_pending_dispatches
		SET status = $2, process_instance_id = $3, last_attempt = now()
		WHERE id = $1 AND status = $4`,
		id.String(), DispatchDispatched, processInstanceID, DispatchQueued)
	if err != nil {
		return fmt.Errorf("tasks: mark dispatched %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("tasks: dispatch %s not queued, cannot mark dispatched", id)
	}
	return nil
}

// MarkPermanentlyFailed transitions queued -> permanently_failed once
// the attempt cap is hit, leaving an auditable terminal marker.
func (s *PendingDispatchStore) MarkPermanentlyFailed(ctx context.Context, id ids.TaskID, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE "ob-poc".bpmn_pending_dispatches
		SET status = $2, last_attempt = now(), last_error = $3
		WHERE id = $1 AND status = $4`,
		id.String(), DispatchPermanentlyFailed, errMsg, DispatchQueued)
	if err != nil {
		return fmt.Errorf("tasks: mark permanently failed %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("tasks: dispatch %s not queued, cannot mark permanently failed", id)
	}
	return nil
}

func (s *PendingDispatchStore) RecordFailure(ctx context.Context, id ids.TaskID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE "ob-poc".bpmn_pending_dispatches
		SET attempts = attempts + 1, last_attempt = now(), last_error = $2
		WHERE id = $1`, id.String(), errMsg)
	if err != nil {
		return fmt.Errorf("tasks: record failure %s: %w", id, err)
	}
	return nil
}

// DispatchFunc sends a single pending dispatch to the BPMN engine and
// returns the resulting process instance id.
type DispatchFunc func(ctx context.Context, ref cargoref.CargoRef) (processInstanceID string, err error)

// Worker periodically scans PendingDispatchStore and retries each row.
type Worker struct {
	store    *PendingDispatchStore
	dispatch DispatchFunc
	log      *zap.SugaredLogger
}

func NewWorker(store *PendingDispatchStore, dispatch DispatchFunc, log *zap.SugaredLogger) *Worker {
	return &Worker{store: store, dispatch: dispatch, log: log}
}

// Run blocks, polling every PollInterval, until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	w.processPending(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processPending(ctx)
		}
	}
}

func (w *Worker) processPending(ctx context.Context) {
	dispatches, err := w.store.ClaimPending(ctx)
	if err != nil {
		w.log.Warnw("pending dispatch worker: failed to claim batch", "error", err)
		return
	}
	for _, pd := range dispatches {
		w.tryDispatch(ctx, pd)
	}
}

func (w *Worker) tryDispatch(ctx context.Context, pd PendingDispatch) {
	instanceID, err := w.dispatch(ctx, pd.Payload)
	if err != nil {
		if markErr := w.store.RecordFailure(ctx, pd.ID, err.Error()); markErr != nil {
			w.log.Errorw("pending dispatch worker: failed to record failure", "dispatch_id", pd.ID, "error", markErr)
		}
		if pd.Attempts+1 >= MaxAttempts {
			if markErr := w.store.MarkPermanentlyFailed(ctx, pd.ID, err.Error()); markErr != nil {
				w.log.Errorw("pending dispatch worker: failed to mark permanently failed",
					"dispatch_id", pd.ID, "error", markErr)
				return
			}
			w.log.Warnw("pending dispatch worker: permanently failed after max retries",
				"dispatch_id", pd.ID, "attempts", pd.Attempts+1)
		}
		return
	}

	if markErr := w.store.MarkDispatched(ctx, pd.ID, instanceID); markErr != nil {
		w.log.Errorw("pending dispatch worker: dispatched but failed to record instance",
			"dispatch_id", pd.ID, "process_instance_id", instanceID, "error", markErr)
	}
}
