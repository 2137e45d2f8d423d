package exec

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ob-poc/runbook-engine/internal/errcode"
	"github.com/ob-poc/runbook-engine/internal/ids"
	"github.com/ob-poc/runbook-engine/internal/planner"
)

type fakeExecutor struct {
	results []StepResult
	calls   int
}

func (f *fakeExecutor) Execute(_ context.Context, _ planner.CompiledStep) (StepResult, error) {
	r := f.results[f.calls]
	f.calls++
	return r, nil
}

func lockAcquired() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true)
}

func TestGateRunsStepsSequentiallyAndPersistsCursor(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`pg_try_advisory_xact_lock`).WillReturnRows(lockAcquired())
	mock.ExpectQuery(`pg_try_advisory_xact_lock`).WillReturnRows(lockAcquired())
	mock.ExpectQuery(`SELECT next_index, outcome, parked_correlation_key FROM "ob-poc".step_cursors`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO "ob-poc".step_cursors`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO "ob-poc".step_cursors`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	gate := NewGate(db, NewCursorStore(db), &fakeExecutor{results: []StepResult{
		{Outcome: Completed}, {Outcome: Completed},
	}})

	rb := planner.CompiledRunbook{
		ID:       ids.NewRunbookID(),
		Steps:    []planner.CompiledStep{{Verb: "case.create"}, {Verb: "kyc.start"}},
		WriteSet: []string{"case", "kyc_case"},
	}

	outcome, err := gate.Run(context.Background(), rb)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != Completed {
		t.Fatalf("expected Completed, got %v", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGateParksWithCorrelationKeyAndReleasesLocks(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`pg_try_advisory_xact_lock`).WillReturnRows(lockAcquired())
	mock.ExpectQuery(`SELECT next_index, outcome, parked_correlation_key FROM "ob-poc".step_cursors`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO "ob-poc".step_cursors`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	gate := NewGate(db, NewCursorStore(db), &fakeExecutor{results: []StepResult{
		{Outcome: Parked, CorrelationKey: "screening-42"},
	}})

	rb := planner.CompiledRunbook{
		ID:       ids.NewRunbookID(),
		Steps:    []planner.CompiledStep{{Verb: "screening.start"}},
		WriteSet: []string{"screening"},
	}

	outcome, err := gate.Run(context.Background(), rb)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != Parked {
		t.Fatalf("expected Parked, got %v", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGateResumesFromSavedCursor(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`pg_try_advisory_xact_lock`).WillReturnRows(lockAcquired())
	mock.ExpectQuery(`SELECT next_index, outcome, parked_correlation_key FROM "ob-poc".step_cursors`).
		WillReturnRows(sqlmock.NewRows([]string{"next_index", "outcome", "parked_correlation_key"}).
			AddRow(1, string(Parked), "screening-42"))
	mock.ExpectExec(`INSERT INTO "ob-poc".step_cursors`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	executor := &fakeExecutor{results: []StepResult{{Outcome: Completed}}}
	gate := NewGate(db, NewCursorStore(db), executor)

	rb := planner.CompiledRunbook{
		ID:       ids.NewRunbookID(),
		Steps:    []planner.CompiledStep{{Verb: "screening.start"}, {Verb: "case.close"}},
		WriteSet: []string{"case"},
	}

	outcome, err := gate.Run(context.Background(), rb)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != Completed {
		t.Fatalf("expected Completed, got %v", outcome)
	}
	if executor.calls != 1 {
		t.Fatalf("expected only the unexecuted step to run, got %d calls", executor.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGateLockContentionAfterBoundedRetries(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	for i := 0; i < maxLockAttempts; i++ {
		mock.ExpectQuery(`pg_try_advisory_xact_lock`).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
	}
	mock.ExpectRollback()

	gate := NewGate(db, NewCursorStore(db), &fakeExecutor{})

	rb := planner.CompiledRunbook{
		ID:       ids.NewRunbookID(),
		Steps:    []planner.CompiledStep{{Verb: "case.create"}},
		WriteSet: []string{"contended"},
	}

	outcome, err := gate.Run(context.Background(), rb)
	if outcome != Parked {
		t.Fatalf("expected Parked on contention, got %v", outcome)
	}
	code, ok := errcode.CodeOf(err)
	if !ok || code != errcode.ELockContention {
		t.Fatalf("expected E:LOCK:CONTENTION, got %v", err)
	}
}

type failingExecutor struct{}

func (failingExecutor) Execute(_ context.Context, _ planner.CompiledStep) (StepResult, error) {
	return StepResult{}, errors.New("verb blew up")
}

func TestGateStepErrorSurfacesExecCode(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`pg_try_advisory_xact_lock`).WillReturnRows(lockAcquired())
	mock.ExpectQuery(`SELECT next_index, outcome, parked_correlation_key FROM "ob-poc".step_cursors`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO "ob-poc".step_cursors`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	gate := NewGate(db, NewCursorStore(db), failingExecutor{})

	rb := planner.CompiledRunbook{
		ID:       ids.NewRunbookID(),
		Steps:    []planner.CompiledStep{{Verb: "case.create"}},
		WriteSet: []string{"case"},
	}

	outcome, err := gate.Run(context.Background(), rb)
	if outcome != Failed {
		t.Fatalf("expected Failed, got %v", outcome)
	}
	code, ok := errcode.CodeOf(err)
	if !ok || code != errcode.EExecVerbFailed {
		t.Fatalf("expected E:EXEC:VERB_FAILED, got %v", err)
	}
}
