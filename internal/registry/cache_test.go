package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestCachedStoreInvalidate(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cached := NewCachedStore(nil, rdb, 0)

	if err := rdb.Set(ctx, activeSetCacheKey, []byte(`{"version":1}`), 0).Err(); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if err := cached.Invalidate(ctx); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if mr.Exists(activeSetCacheKey) {
		t.Fatal("expected cache key to be removed after invalidate")
	}
}

func TestCachedStoreServesSeededSetWithoutDB(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	seeded, err := json.Marshal(SnapshotSet{Version: 7, Hash: "abc"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := rdb.Set(ctx, activeSetCacheKey, seeded, 0).Err(); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	// Store is nil: a cache hit must never touch Postgres.
	cached := NewCachedStore(nil, rdb, 0)
	set, err := cached.ActiveSnapshotSet(ctx)
	if err != nil {
		t.Fatalf("active set: %v", err)
	}
	if set.Version != 7 || set.Hash != "abc" {
		t.Fatalf("unexpected cached set: %+v", set)
	}
}

func TestCachedStoreMissFallsBackToLatestSetAndPrimes(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT version, hash, frozen_at FROM "ob-poc".snapshot_sets`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "hash", "frozen_at"}).
			AddRow(int64(4), "abc", time.Now()))
	mock.ExpectQuery(`SELECT id, kind, name, version, status, payload, content_sha, security_label, provenance`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "name", "version", "status", "payload", "content_sha", "security_label", "provenance"}))

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cached := NewCachedStore(NewStore(db), rdb, 0)

	ctx := context.Background()
	set, err := cached.ActiveSnapshotSet(ctx)
	if err != nil {
		t.Fatalf("active set: %v", err)
	}
	if set.Version != 4 || set.Hash != "abc" {
		t.Fatalf("unexpected set from store fallback: %+v", set)
	}
	if !mr.Exists(activeSetCacheKey) {
		t.Fatal("expected the miss to prime the cache")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
