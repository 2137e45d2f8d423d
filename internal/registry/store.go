package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/ob-poc/runbook-engine/internal/ids"
	"github.com/ob-poc/runbook-engine/internal/policy"
)

// Store is the Postgres-backed Semantic Registry Store: a thin struct
// wrapping sqlx.DB, one method per operation, schema-qualified table
// names, ON CONFLICT ... DO UPDATE ... RETURNING upserts so
// re-authoring the same row is idempotent.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: sqlx.NewDb(db, "postgres")} }

func Open(connStr string) (*Store, error) {
	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("registry: open db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB  { return s.db.DB }
func (s *Store) Close() error { return s.db.Close() }

// UpsertSnapshot idempotently inserts or updates a draft snapshot.
// Re-submitting the same (kind, name, version) is a no-op content-wise
// and returns the same row, which is what makes authoring idempotent.
func (s *Store) UpsertSnapshot(ctx context.Context, snap Snapshot) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO "ob-poc".snapshots (id, kind, name, version, status, payload, content_sha, security_label, provenance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (kind, name, version) DO UPDATE SET
			payload = EXCLUDED.payload,
			content_sha = EXCLUDED.content_sha,
			security_label = EXCLUDED.security_label,
			provenance = EXCLUDED.provenance
		RETURNING id, kind, name, version, status, payload, content_sha, security_label, provenance`,
		snap.ID.String(), snap.Kind, snap.Name, snap.Version, snap.Status,
		snap.Payload, snap.ContentSHA, snap.SecurityLabel, provenanceJSON(snap.Provenance))
	return scanSnapshot(row)
}

// MarkStatus transitions a snapshot's lifecycle status (Draft ->
// Published -> Superseded/Retracted). Callers enforce the legal
// transition table; this just persists it.
func (s *Store) MarkStatus(ctx context.Context, id ids.SnapshotID, status Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE "ob-poc".snapshots SET status = $2 WHERE id = $1`,
		id.String(), status)
	if err != nil {
		return fmt.Errorf("registry: mark status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("registry: snapshot %s not found", id)
	}
	return nil
}

// ActiveSnapshots returns every Published, non-Superseded snapshot —
// the set that makes up the currently live SnapshotSet.
func (s *Store) ActiveSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, kind, name, version, status, payload, content_sha, security_label, provenance
		FROM "ob-poc".snapshots WHERE status = $1 ORDER BY kind, name, version`,
		StatusPublished)
	if err != nil {
		return nil, fmt.Errorf("registry: query active snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshotRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func provenanceJSON(p Provenance) []byte {
	b, _ := json.Marshal(p)
	return b
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (Snapshot, error) {
	return scanSnapshotRows(row)
}

func scanSnapshotRows(row rowScanner) (Snapshot, error) {
	var (
		snap  Snapshot
		idStr string
		prov  []byte
	)
	if err := row.Scan(&idStr, &snap.Kind, &snap.Name, &snap.Version, &snap.Status,
		&snap.Payload, &snap.ContentSHA, &snap.SecurityLabel, &prov); err != nil {
		return Snapshot{}, fmt.Errorf("registry: scan snapshot: %w", err)
	}
	id, err := ids.ParseSnapshotID(idStr)
	if err != nil {
		return Snapshot{}, err
	}
	snap.ID = id
	if len(prov) > 0 {
		_ = json.Unmarshal(prov, &snap.Provenance)
	}
	return snap, nil
}

// GetActive returns the published snapshot whose name matches, or
// false when the active set has no such object.
func (s *Store) GetActive(ctx context.Context, kind Kind, name string) (Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, version, status, payload, content_sha, security_label, provenance
		FROM "ob-poc".snapshots
		WHERE status = $1 AND kind = $2 AND name = $3
		ORDER BY version DESC LIMIT 1`,
		StatusPublished, kind, name)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// ListActiveFiltered returns the active snapshots of one kind, split
// into rows the actor may read and redacted stubs for those ABAC
// denies. A snapshot with no or a broken security label lands in the
// stubs, never in the allowed list.
func (s *Store) ListActiveFiltered(ctx context.Context, kind Kind, actor policy.Actor, purpose string) ([]Snapshot, []policy.RedactedStub, error) {
	all, err := s.ActiveSnapshots(ctx)
	if err != nil {
		return nil, nil, err
	}

	var (
		candidates []Snapshot
		rows       []policy.LabeledRow
	)
	for _, snap := range all {
		if snap.Kind != kind {
			continue
		}
		candidates = append(candidates, snap)
		rows = append(rows, policy.LabeledRow{Kind: string(snap.Kind), Name: snap.Name, Label: snap.SecurityLabel})
	}

	allowedRows, stubs := policy.FilterList(actor, purpose, rows)
	allowedNames := make(map[string]bool, len(allowedRows))
	for _, r := range allowedRows {
		allowedNames[r.Name] = true
	}

	var allowed []Snapshot
	for _, snap := range candidates {
		if allowedNames[snap.Name] {
			allowed = append(allowed, snap)
		}
	}
	return allowed, stubs, nil
}

// LatestSet returns the most recently frozen SnapshotSet (header plus
// its member snapshots) without freezing a new one — the read-side
// complement of publish-time freezing. An empty registry yields a
// zero-version, empty set.
func (s *Store) LatestSet(ctx context.Context) (SnapshotSet, error) {
	var set SnapshotSet
	err := s.db.QueryRowContext(ctx, `
		SELECT version, hash, frozen_at FROM "ob-poc".snapshot_sets
		ORDER BY version DESC LIMIT 1`).Scan(&set.Version, &set.Hash, &set.FrozenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotSet{}, nil
	}
	if err != nil {
		return SnapshotSet{}, fmt.Errorf("registry: latest set: %w", err)
	}

	snaps, err := s.ActiveSnapshots(ctx)
	if err != nil {
		return SnapshotSet{}, err
	}
	set.Snapshots = snaps
	return set, nil
}
