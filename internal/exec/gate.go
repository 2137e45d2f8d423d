// Package exec implements the Execution Gate: the sole path to verb
// execution. It acquires sorted Postgres advisory locks over a
// runbook's write-set (deadlock-free by construction since every
// acquirer takes the same key space in the same sorted order),
// iterates steps strictly sequentially, and persists a resumable
// StepCursor after each one.
//
// Before running a step the gate consults the runbook's persisted
// StepCursor, so an already-completed prefix is never re-run: resume
// is idempotent per step, not just per runbook.
package exec

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/ob-poc/runbook-engine/internal/errcode"
	"github.com/ob-poc/runbook-engine/internal/events"
	"github.com/ob-poc/runbook-engine/internal/planner"
	"github.com/ob-poc/runbook-engine/internal/runbooks"
)

// Outcome is the result of running one step or one whole runbook.
type Outcome string

const (
	Completed Outcome = "completed"
	Failed    Outcome = "failed"
	Parked    Outcome = "parked" // awaiting an external event (e.g. async screening)
)

// Lock retry bounds: each key is tried up to maxLockAttempts times
// with jittered exponential backoff before the gate gives up with
// E:LOCK:CONTENTION.
const (
	maxLockAttempts = 5
	lockBackoffBase = 50 * time.Millisecond
)

// StepResult is what a verb executor reports for one step. A Parked
// result carries the correlation key an external callback will resume
// the runbook by.
type StepResult struct {
	Outcome        Outcome
	CorrelationKey string
	Message        string
}

// VerbExecutor runs one compiled step and reports its outcome. Real
// verb executors live behind this interface, so in-memory, durable,
// and test implementations swap at the boundary.
type VerbExecutor interface {
	Execute(ctx context.Context, step planner.CompiledStep) (StepResult, error)
}

// StepCursor is the resumable progress marker for one runbook
// execution: the index of the next step to run, plus the correlation
// key it parked on (if parked). Persisting it after every step means a
// crashed execution resumes exactly where it left off instead of
// re-running completed steps.
type StepCursor struct {
	RunbookID            string
	NextIndex            int
	Outcome              Outcome
	ParkedCorrelationKey string
}

type CursorStore struct {
	db *sql.DB
}

func NewCursorStore(db *sql.DB) *CursorStore { return &CursorStore{db: db} }

func (s *CursorStore) Load(ctx context.Context, runbookID string) (StepCursor, error) {
	var (
		c      StepCursor
		parked sql.NullString
	)
	c.RunbookID = runbookID
	err := s.db.QueryRowContext(ctx, `
		SELECT next_index, outcome, parked_correlation_key FROM "ob-poc".step_cursors WHERE runbook_id = $1`,
		runbookID).Scan(&c.NextIndex, &c.Outcome, &parked)
	if err == sql.ErrNoRows {
		return StepCursor{RunbookID: runbookID, NextIndex: 0}, nil
	}
	if err != nil {
		return StepCursor{}, fmt.Errorf("exec: load cursor for %s: %w", runbookID, err)
	}
	c.ParkedCorrelationKey = parked.String
	return c, nil
}

func (s *CursorStore) Save(ctx context.Context, c StepCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO "ob-poc".step_cursors (runbook_id, next_index, outcome, parked_correlation_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (runbook_id) DO UPDATE SET
			next_index = EXCLUDED.next_index,
			outcome = EXCLUDED.outcome,
			parked_correlation_key = EXCLUDED.parked_correlation_key`,
		c.RunbookID, c.NextIndex, c.Outcome, nullable(c.ParkedCorrelationKey))
	if err != nil {
		return fmt.Errorf("exec: save cursor for %s: %w", c.RunbookID, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Gate drives a CompiledRunbook's steps to completion.
type Gate struct {
	db       *sql.DB
	cursors  *CursorStore
	executor VerbExecutor
	store    *runbooks.Store
	emitter  *events.Emitter
}

func NewGate(db *sql.DB, cursors *CursorStore, executor VerbExecutor) *Gate {
	return &Gate{db: db, cursors: cursors, executor: executor}
}

// WithStore attaches the Compiled Runbook Store so Run validates and
// transitions the persisted runbook status around execution. Without a
// store the gate runs stateless, which in-memory tests and one-shot CLI
// invocations rely on.
func (g *Gate) WithStore(store *runbooks.Store) *Gate {
	g.store = store
	return g
}

// WithEmitter publishes step and terminal runbook events to the event
// drain. Emission never blocks execution (see events.Emitter).
func (g *Gate) WithEmitter(e *events.Emitter) *Gate {
	g.emitter = e
	return g
}

func (g *Gate) emit(kind string, rb planner.CompiledRunbook, stepIndex int) {
	if g.emitter == nil {
		return
	}
	payload := fmt.Sprintf(`{"runbook_id":%q,"step_index":%d}`, rb.ID.String(), stepIndex)
	g.emitter.Emit(kind, []byte(payload))
}

// Run acquires every write-set lock up front (sorted, so concurrent
// runbooks touching overlapping keys can never deadlock), then steps
// through the runbook sequentially starting from its saved cursor,
// persisting the cursor after each step.
//
// With a store attached, a runbook is runnable only from
// ReadyToExecute or Parked; anything else — including a concurrent
// Cancelling request — is rejected before any lock is taken.
func (g *Gate) Run(ctx context.Context, rb planner.CompiledRunbook) (Outcome, error) {
	if g.store != nil {
		if err := g.store.Transition(ctx, rb.ID, runbooks.StatusExecuting,
			runbooks.StatusReadyToExecute, runbooks.StatusParked); err != nil {
			return Failed, errcode.Wrap(errcode.EExecCursorConflict,
				fmt.Sprintf("runbook %s is not in an executable status", rb.ID), err)
		}
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return Failed, fmt.Errorf("exec: begin execution tx: %w", err)
	}
	defer tx.Rollback()

	if err := acquireSortedLocks(ctx, tx, rb.WriteSet); err != nil {
		// Bounded contention is retryable by the caller: hand the
		// runbook back as ready rather than leaving it stuck executing.
		if g.store != nil {
			_ = g.store.Transition(ctx, rb.ID, runbooks.StatusReadyToExecute, runbooks.StatusExecuting)
		}
		return Parked, err
	}

	cursor, err := g.cursors.Load(ctx, rb.ID.String())
	if err != nil {
		return Failed, err
	}

	for i := cursor.NextIndex; i < len(rb.Steps); i++ {
		if err := ctx.Err(); err != nil {
			// Cooperative cancellation is honored only at step
			// boundaries; the in-flight step is never interrupted.
			if g.store != nil {
				_ = g.store.Transition(ctx, rb.ID, runbooks.StatusReadyToExecute, runbooks.StatusExecuting)
			}
			return Failed, fmt.Errorf("exec: runbook %s cancelled at step %d: %w", rb.ID, i, err)
		}

		step := rb.Steps[i]
		result, err := g.executor.Execute(ctx, step)
		if err != nil {
			_ = g.cursors.Save(ctx, StepCursor{RunbookID: rb.ID.String(), NextIndex: i, Outcome: Failed})
			if g.store != nil {
				_ = g.store.Transition(ctx, rb.ID, runbooks.StatusFailed, runbooks.StatusExecuting)
			}
			return Failed, errcode.Wrap(errcode.EExecVerbFailed,
				fmt.Sprintf("step %d (%s) failed", i, step.Verb), err)
		}

		switch result.Outcome {
		case Parked:
			if err := g.cursors.Save(ctx, StepCursor{
				RunbookID:            rb.ID.String(),
				NextIndex:            i,
				Outcome:              Parked,
				ParkedCorrelationKey: result.CorrelationKey,
			}); err != nil {
				return Failed, err
			}
			if g.store != nil {
				if err := g.store.Park(ctx, rb.ID, result.CorrelationKey); err != nil {
					return Failed, err
				}
			}
			if err := tx.Commit(); err != nil {
				return Failed, fmt.Errorf("exec: release locks on park: %w", err)
			}
			g.emit("runbook.parked", rb, i)
			return Parked, nil

		case Failed:
			_ = g.cursors.Save(ctx, StepCursor{RunbookID: rb.ID.String(), NextIndex: i, Outcome: Failed})
			if g.store != nil {
				_ = g.store.Transition(ctx, rb.ID, runbooks.StatusFailed, runbooks.StatusExecuting)
			}
			g.emit("runbook.failed", rb, i)
			return Failed, nil

		default:
			if err := g.cursors.Save(ctx, StepCursor{RunbookID: rb.ID.String(), NextIndex: i + 1, Outcome: Completed}); err != nil {
				return Failed, err
			}
			g.emit("step.completed", rb, i)
		}
	}

	if err := tx.Commit(); err != nil {
		return Failed, fmt.Errorf("exec: commit execution tx: %w", err)
	}
	if g.store != nil {
		if err := g.store.Transition(ctx, rb.ID, runbooks.StatusCompleted, runbooks.StatusExecuting); err != nil {
			return Failed, err
		}
	}
	g.emit("runbook.completed", rb, len(rb.Steps))
	return Completed, nil
}

// Resume re-enters the gate for a parked runbook found by its
// correlation key — the callback-receipt path. Reports false
// when no runbook is parked on the key, which redelivered callbacks
// hit after the first one resumed it.
func (g *Gate) Resume(ctx context.Context, correlationKey string) (Outcome, bool, error) {
	if g.store == nil {
		return Failed, false, fmt.Errorf("exec: resume requires a runbook store")
	}
	rec, _, found, err := g.store.FindParkedByCorrelation(ctx, correlationKey)
	if err != nil {
		return Failed, false, err
	}
	if !found {
		return Failed, false, nil
	}
	outcome, err := g.Run(ctx, rec.Runbook)
	return outcome, true, err
}

// acquireSortedLocks takes a Postgres transaction-scoped advisory lock
// for every key, in the caller-provided (already-sorted) order. Each
// key is tried with pg_try_advisory_xact_lock under jittered
// exponential backoff; exhausting the attempts yields E:LOCK:CONTENTION
// naming the contended key. Lock keys are hashed to int64 since the
// advisory lock functions take a bigint.
func acquireSortedLocks(ctx context.Context, tx *sql.Tx, keys []string) error {
	for _, k := range keys {
		acquired := false
		for attempt := 0; attempt < maxLockAttempts; attempt++ {
			if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, lockKeyHash(k)).Scan(&acquired); err != nil {
				return fmt.Errorf("exec: lock key %q: %w", k, err)
			}
			if acquired {
				break
			}
			backoff := lockBackoffBase << attempt
			jitter := time.Duration(rand.Int63n(int64(lockBackoffBase)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
		if !acquired {
			return errcode.New(errcode.ELockContention,
				fmt.Sprintf("could not acquire advisory lock for key %q after %d attempts", k, maxLockAttempts))
		}
	}
	return nil
}

func lockKeyHash(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
