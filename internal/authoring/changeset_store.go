package authoring

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ob-poc/runbook-engine/internal/ids"
)

// ChangeSetStore persists ChangeSet proposal headers: just enough to
// enforce idempotent propose and track lifecycle status across the
// propose/validate/dry-run/publish stages. The artifacts, migrations,
// and snapshots a caller proposed live only in memory for the rest of
// that process's pipeline run — they are not reloaded from this store.
type ChangeSetStore struct {
	db *sql.DB
}

func NewChangeSetStore(db *sql.DB) *ChangeSetStore { return &ChangeSetStore{db: db} }

// FindByContentHash returns the existing non-Rejected, non-Superseded
// changeset proposed under the same (hash_version, content_hash), if
// any — the idempotent-propose lookup key.
func (s *ChangeSetStore) FindByContentHash(ctx context.Context, hashVersion int, contentHash string) (ChangeSet, bool, error) {
	var (
		cs    ChangeSet
		idStr string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, hash_version, content_hash, status
		FROM "ob-poc".changesets
		WHERE hash_version = $1 AND content_hash = $2
		  AND status NOT IN ($3, $4)
		ORDER BY created_at ASC LIMIT 1`,
		hashVersion, contentHash, StatusRejected, StatusSuperseded).
		Scan(&idStr, &cs.Name, &cs.HashVersion, &cs.ContentHash, &cs.Status)
	if err == sql.ErrNoRows {
		return ChangeSet{}, false, nil
	}
	if err != nil {
		return ChangeSet{}, false, fmt.Errorf("authoring: find change set by content hash: %w", err)
	}
	id, err := ids.ParseChangeSetID(idStr)
	if err != nil {
		return ChangeSet{}, false, err
	}
	cs.ID = id
	return cs, true, nil
}

// Insert persists a newly proposed ChangeSet's header row.
func (s *ChangeSetStore) Insert(ctx context.Context, cs ChangeSet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO "ob-poc".changesets (id, name, hash_version, content_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())`,
		cs.ID.String(), cs.Name, cs.HashVersion, cs.ContentHash, cs.Status)
	if err != nil {
		return fmt.Errorf("authoring: insert change set %s: %w", cs.Name, err)
	}
	return nil
}

// UpdateStatus transitions a changeset's persisted status.
func (s *ChangeSetStore) UpdateStatus(ctx context.Context, id ids.ChangeSetID, status Status) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE "ob-poc".changesets SET status = $2, updated_at = now() WHERE id = $1`,
		id.String(), status)
	if err != nil {
		return fmt.Errorf("authoring: update change set %s status: %w", id, err)
	}
	return nil
}
