// Package tasks implements the Task Queue / Workflow Dispatcher: durable
// Task records carrying CargoRefs, JobFrame dedupe for at-most-once
// delivery over an at-least-once transport, and a PendingDispatch retry
// queue for BPMN-engine unavailability.
//
// JobFrame dedupe: upsert is an ON CONFLICT(job_key) DO UPDATE that
// bumps an attempt counter rather than re-running, and
// completion/failure transitions are conditional on the frame still
// being "active" so a late duplicate redelivery cannot resurrect an
// already-terminal frame.
package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/ob-poc/runbook-engine/internal/ids"
)

type JobFrameStatus string

const (
	JobFrameActive       JobFrameStatus = "active"
	JobFrameCompleted    JobFrameStatus = "completed"
	JobFrameFailed       JobFrameStatus = "failed"
	JobFrameDeadLettered JobFrameStatus = "dead_lettered"
)

// JobFrame is the dedupe record for one dispatched unit of work.
type JobFrame struct {
	ID                ids.JobFrameID
	JobKey            string
	ProcessInstanceID string
	Status            JobFrameStatus
	Attempts          int
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

type JobFrameStore struct {
	db *sql.DB
}

func NewJobFrameStore(db *sql.DB) *JobFrameStore { return &JobFrameStore{db: db} }

// Upsert inserts a new active frame for job_key, or — on conflict —
// bumps the attempt counter of the existing one. It returns true if a
// new row was inserted (first delivery), false if this was a
// redelivery of a job_key already seen.
func (s *JobFrameStore) Upsert(ctx context.Context, jf JobFrame) (bool, error) {
	var inserted bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO "ob-poc".bpmn_job_frames (id, job_key, process_instance_id, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, 1, now())
		ON CONFLICT (job_key) DO UPDATE SET attempts = "ob-poc".bpmn_job_frames.attempts + 1
		RETURNING (xmax = 0)`,
		jf.ID.String(), jf.JobKey, jf.ProcessInstanceID, JobFrameActive).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("tasks: upsert job frame %s: %w", jf.JobKey, err)
	}
	return inserted, nil
}

// FindByJobKey looks up a frame's current status for idempotency
// checks before doing duplicate work.
func (s *JobFrameStore) FindByJobKey(ctx context.Context, jobKey string) (JobFrame, error) {
	var (
		jf    JobFrame
		idStr string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_key, process_instance_id, status, attempts, created_at, completed_at
		FROM "ob-poc".bpmn_job_frames WHERE job_key = $1`, jobKey).
		Scan(&idStr, &jf.JobKey, &jf.ProcessInstanceID, &jf.Status, &jf.Attempts, &jf.CreatedAt, &jf.CompletedAt)
	if err != nil {
		return JobFrame{}, fmt.Errorf("tasks: find job frame %s: %w", jobKey, err)
	}
	id, err := ids.ParseJobFrameID(idStr)
	if err != nil {
		return JobFrame{}, err
	}
	jf.ID = id
	return jf, nil
}

// MarkCompleted transitions active -> completed. The WHERE clause on
// current status is what makes this at-most-once: a redelivered
// completion notice for an already-completed or already-dead-lettered
// frame changes nothing (zero rows affected) and is returned as an
// error, never re-applied.
func (s *JobFrameStore) MarkCompleted(ctx context.Context, jobKey string) error {
	return s.conditionalTransition(ctx, jobKey, JobFrameCompleted, []JobFrameStatus{JobFrameActive})
}

// MarkFailed transitions active -> failed, same conditional guard.
func (s *JobFrameStore) MarkFailed(ctx context.Context, jobKey string) error {
	return s.conditionalTransition(ctx, jobKey, JobFrameFailed, []JobFrameStatus{JobFrameActive})
}

// MarkDeadLettered allows transition from either active or failed —
// a frame can be dead-lettered directly (poison message) or after
// exhausting retries (already marked failed).
func (s *JobFrameStore) MarkDeadLettered(ctx context.Context, jobKey string) error {
	return s.conditionalTransition(ctx, jobKey, JobFrameDeadLettered,
		[]JobFrameStatus{JobFrameActive, JobFrameFailed})
}

func (s *JobFrameStore) conditionalTransition(ctx context.Context, jobKey string, to JobFrameStatus, from []JobFrameStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE "ob-poc".bpmn_job_frames
		SET status = $2, completed_at = now()
		WHERE job_key = $1 AND status = ANY($3)`,
		jobKey, to, pq.Array(statusArray(from)))
	if err != nil {
		return fmt.Errorf("tasks: transition job frame %s to %s: %w", jobKey, to, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("tasks: job frame %s not in an eligible status for -> %s", jobKey, to)
	}
	return nil
}

// ListActiveForInstance returns every active frame for a given BPMN
// process instance, used for instance-scoped recovery sweeps.
func (s *JobFrameStore) ListActiveForInstance(ctx context.Context, processInstanceID string) ([]JobFrame, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_key, process_instance_id, status, attempts, created_at, completed_at
		FROM "ob-poc".bpmn_job_frames WHERE process_instance_id = $1 AND status = $2`,
		processInstanceID, JobFrameActive)
	if err != nil {
		return nil, fmt.Errorf("tasks: list active frames for instance %s: %w", processInstanceID, err)
	}
	defer rows.Close()

	var out []JobFrame
	for rows.Next() {
		var (
			jf    JobFrame
			idStr string
		)
		if err := rows.Scan(&idStr, &jf.JobKey, &jf.ProcessInstanceID, &jf.Status, &jf.Attempts, &jf.CreatedAt, &jf.CompletedAt); err != nil {
			return nil, err
		}
		id, err := ids.ParseJobFrameID(idStr)
		if err != nil {
			return nil, err
		}
		jf.ID = id
		out = append(out, jf)
	}
	return out, rows.Err()
}

func statusArray(statuses []JobFrameStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
