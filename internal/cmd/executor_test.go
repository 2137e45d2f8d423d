package cmd

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ob-poc/runbook-engine/internal/exec"
	"github.com/ob-poc/runbook-engine/internal/planner"
	"github.com/ob-poc/runbook-engine/internal/tasks"
)

func TestVerbRegistryExecutorParksAndEnqueues(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO "ob-poc".bpmn_pending_dispatches`).WillReturnResult(sqlmock.NewResult(1, 1))

	e := &verbRegistryExecutor{pending: tasks.NewPendingDispatchStore(db)}
	step := planner.CompiledStep{Index: 0, Verb: "case.create", Args: json.RawMessage(`{}`)}

	result, err := e.Execute(context.Background(), step)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Outcome != exec.Parked {
		t.Fatalf("expected Parked outcome, got %v", result.Outcome)
	}
	if result.CorrelationKey == "" {
		t.Fatal("expected a correlation key for the parked step")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
