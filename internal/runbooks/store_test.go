package runbooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/ob-poc/runbook-engine/internal/ids"
	"github.com/ob-poc/runbook-engine/internal/planner"
)

func TestSaveFreezesRunbookAsReadyToExecute(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rb := planner.CompiledRunbook{
		ID:             ids.NewRunbookID(),
		RunbookVersion: 1,
		Steps:          []planner.CompiledStep{{Verb: "case.create", Args: json.RawMessage(`{}`)}},
		WriteSet:       []string{"case"},
	}

	mock.ExpectExec(`INSERT INTO "ob-poc".runbooks`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, NewStore(db).Save(context.Background(), rb))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionFailsWhenStatusNotEligible(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := ids.NewRunbookID()
	mock.ExpectExec(`UPDATE "ob-poc".runbooks SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewStore(db).Transition(context.Background(), id, StatusExecuting, StatusReadyToExecute, StatusParked)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindParkedByCorrelationMiss(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, document FROM "ob-poc".runbooks`).
		WithArgs("corr-1", string(StatusParked)).
		WillReturnError(sql.ErrNoRows)

	_, _, found, err := NewStore(db).FindParkedByCorrelation(context.Background(), "corr-1")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindParkedByCorrelationHit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rbID := ids.NewRunbookID()
	doc, err := json.Marshal(planner.CompiledRunbook{ID: rbID, RunbookVersion: 2})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, document FROM "ob-poc".runbooks`).
		WithArgs("corr-2", string(StatusParked)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "document"}).AddRow(rbID.String(), doc))

	rec, gotID, found, err := NewStore(db).FindParkedByCorrelation(context.Background(), "corr-2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rbID.String(), gotID.String())
	require.Equal(t, int64(2), rec.Runbook.RunbookVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}
