package events

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresStoreFlushWritesEachBufferedEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	events := []Event{
		{Kind: "runbook.compiled", Payload: []byte(`{}`), EmittedAt: time.Unix(0, 0)},
		{Kind: "runbook.executed", Payload: []byte(`{}`), EmittedAt: time.Unix(0, 0)},
	}
	for _, e := range events {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "ob-poc".events`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO "ob-poc".events`).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	if err := store.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(store.pending) != 0 {
		t.Fatalf("expected pending buffer to be cleared after flush, got %d", len(store.pending))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreFlushIsNoopWhenEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db)
	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
