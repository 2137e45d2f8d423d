// Package authoring implements the three-stage authoring pipeline that
// turns a bundle of draft artifacts into published Semantic Registry
// snapshots: Propose (idempotent intake), Stage-1 pure validation,
// Stage-2 scratch-schema dry run, and Publish under a single-writer
// advisory lock with drift detection.
//
// The per-stage error taxonomy lives in internal/errcode; callers
// distinguish "your bundle is malformed" (Stage-1), "your migrations
// don't apply" (Stage-2), and "someone else is publishing right now"
// (publish) by stable code prefix.
package authoring

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/ob-poc/runbook-engine/internal/errcode"
	"github.com/ob-poc/runbook-engine/internal/ids"
	"github.com/ob-poc/runbook-engine/internal/registry"
)

// ArtifactKind is what a ChangeSetArtifact's bytes represent.
type ArtifactKind string

const (
	ArtifactForwardMigration ArtifactKind = "forward_migration"
	ArtifactDownMigration    ArtifactKind = "down_migration"
	ArtifactAttributeYAML    ArtifactKind = "attribute_yaml"
	ArtifactVerbYAML         ArtifactKind = "verb_yaml"
	ArtifactEntityYAML       ArtifactKind = "entity_yaml"
	ArtifactTaxonomyYAML     ArtifactKind = "taxonomy_yaml"
	ArtifactPolicyYAML       ArtifactKind = "policy_yaml"
)

// Artifact is one file-shaped unit inside a ChangeSet bundle. ContentHash
// is declared by whatever built the bundle (e.g. a CLI hashing the file
// on disk); Stage-1 validation recomputes it from ContentBytes and
// rejects the bundle if the two disagree (V:HASH:MISMATCH).
type Artifact struct {
	Path         string
	Kind         ArtifactKind
	ContentHash  string
	ContentBytes []byte
}

// Status is a ChangeSet's place in the propose -> validate -> dry-run ->
// publish lifecycle.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusValidated      Status = "validated"
	StatusDryRunOk       Status = "dry_run_ok"
	StatusDryRunFailed   Status = "dry_run_failed"
	StatusReadyToPublish Status = "ready_to_publish"
	StatusPublishing     Status = "publishing"
	StatusPublished      Status = "published"
	StatusRejected       Status = "rejected"
	StatusSuperseded     Status = "superseded"
)

// ChangeSet is a bundle of draft artifacts submitted together: new or
// updated verb contracts, macro templates, policy rules, or vocabulary
// entries, plus the migration SQL (if any) they depend on.
//
// ContentHash is the Merkle root of Artifacts under HashVersion; it
// is stamped by Propose, not by the caller.
type ChangeSet struct {
	ID          ids.ChangeSetID
	Name        string
	HashVersion int
	ContentHash string
	Status      Status
	Migrations  []string // forward SQL statements, applied in order
	Artifacts   []Artifact
	Snapshots   []registry.Snapshot
	Breaking    bool
}

// ValidationResult is Stage-1's pure, no-DB output.
type ValidationResult struct {
	OK     bool
	Errors []*errcode.Err
}

// DryRunResult is Stage-2's scratch-schema output.
type DryRunResult struct {
	OK           bool
	Errors       []*errcode.Err
	ObservedHash string // the active SnapshotSet hash seen during dry-run
}

// ProposeResult is Propose's outcome: the (possibly pre-existing)
// ChangeSet plus the Stage-1 validation Propose ran as part of intake.
type ProposeResult struct {
	ChangeSet  ChangeSet
	Validation ValidationResult
}

// Pipeline drives a ChangeSet through Propose and all three stages.
type Pipeline struct {
	reg        *registry.Store
	db         *sql.DB
	changesets *ChangeSetStore
}

func NewPipeline(reg *registry.Store, db *sql.DB) *Pipeline {
	return &Pipeline{reg: reg, db: db, changesets: NewChangeSetStore(db)}
}

// ComputeContentHash derives a ChangeSet's content_hash: the Merkle
// root of its artifacts' declared content hashes, sorted by path so
// artifact order never changes the result.
func ComputeContentHash(hashVersion int, artifacts []Artifact) string {
	sorted := append([]Artifact{}, artifacts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	fmt.Fprintf(h, "v%d", hashVersion)
	for _, a := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(a.Path))
		h.Write([]byte{0})
		h.Write([]byte(a.ContentHash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func recomputeArtifactHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Propose is the pipeline's entry point: it stamps the
// ChangeSet's content_hash from its artifacts and, if a non-rejected,
// non-superseded changeset was already proposed under the same
// (hash_version, content_hash), returns that one unchanged instead of
// creating a duplicate row. A fresh proposal runs Stage-1 validation
// immediately; a hash mismatch or any other Stage-1 error leaves the
// changeset Rejected with no snapshots ever written.
func (p *Pipeline) Propose(ctx context.Context, cs ChangeSet) (ProposeResult, error) {
	cs.ContentHash = ComputeContentHash(cs.HashVersion, cs.Artifacts)

	existing, found, err := p.changesets.FindByContentHash(ctx, cs.HashVersion, cs.ContentHash)
	if err != nil {
		return ProposeResult{}, err
	}
	if found {
		return ProposeResult{ChangeSet: existing, Validation: ValidationResult{OK: true}}, nil
	}

	cs.ID = ids.NewChangeSetID()
	validation := p.ValidateChangeSet(ctx, cs)
	if validation.OK {
		cs.Status = StatusValidated
	} else {
		cs.Status = StatusRejected
	}

	if err := p.changesets.Insert(ctx, cs); err != nil {
		return ProposeResult{}, err
	}
	return ProposeResult{ChangeSet: cs, Validation: validation}, nil
}

// ValidateChangeSet is Stage 1: structural and semantic checks with no
// database access. Every problem it finds is reported as an entry in
// ValidationResult.Errors; it has no Go error return.
func (p *Pipeline) ValidateChangeSet(_ context.Context, cs ChangeSet) ValidationResult {
	var errs []*errcode.Err

	if cs.Name == "" {
		errs = append(errs, errcode.New(errcode.VTypeContractIncomplete, "change set must have a name"))
	}

	for _, a := range cs.Artifacts {
		if len(a.ContentBytes) == 0 {
			errs = append(errs, errcode.New(errcode.VHashMissingArtifact,
				fmt.Sprintf("artifact %s is declared but its content is missing from the bundle", a.Path)))
			continue
		}
		if recomputed := recomputeArtifactHash(a.ContentBytes); recomputed != a.ContentHash {
			errs = append(errs, errcode.New(errcode.VHashMismatch,
				fmt.Sprintf("artifact %s declared content_hash %s, recomputed %s", a.Path, a.ContentHash, recomputed)))
		}
	}
	if len(cs.Artifacts) > 0 && cs.ContentHash != "" {
		if recomputed := ComputeContentHash(cs.HashVersion, cs.Artifacts); recomputed != cs.ContentHash {
			errs = append(errs, errcode.New(errcode.VHashMismatch,
				fmt.Sprintf("change set content_hash %s does not match the recomputed Merkle root %s under hash_version %d",
					cs.ContentHash, recomputed, cs.HashVersion)))
		}
	}

	seen := make(map[string]bool, len(cs.Snapshots))
	for _, snap := range cs.Snapshots {
		if snap.Name == "" {
			errs = append(errs, errcode.New(errcode.VTypeContractIncomplete, "snapshot missing name"))
			continue
		}
		key := fmt.Sprintf("%s/%s/%d", snap.Kind, snap.Name, snap.Version)
		if seen[key] {
			errs = append(errs, errcode.New(errcode.VRefCircularDependency,
				fmt.Sprintf("duplicate snapshot %s within change set", key)))
		}
		seen[key] = true

		if len(snap.Payload) == 0 {
			errs = append(errs, errcode.New(errcode.VParseJSONSyntax,
				fmt.Sprintf("snapshot %s has empty payload", key)))
		}
	}

	return ValidationResult{OK: len(errs) == 0, Errors: errs}
}

// DryRunChangeSet is Stage 2: applies the change set's migrations (if
// any) inside a rolled-back transaction against a scratch schema, and
// checks the resulting snapshots for compatibility conflicts against
// the currently active SnapshotSet. It never commits.
func (p *Pipeline) DryRunChangeSet(ctx context.Context, cs ChangeSet) (DryRunResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return DryRunResult{}, fmt.Errorf("authoring: begin dry-run tx: %w", err)
	}
	defer tx.Rollback()

	// Unqualified DDL in the migrations lands in a throwaway schema; the
	// deferred rollback discards it along with everything applied to it.
	if _, err := tx.ExecContext(ctx, `CREATE SCHEMA dry_run_scratch`); err != nil {
		return DryRunResult{}, fmt.Errorf("authoring: create scratch schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SET LOCAL search_path TO dry_run_scratch, public`); err != nil {
		return DryRunResult{}, fmt.Errorf("authoring: select scratch schema: %w", err)
	}

	var errs []*errcode.Err

	for _, stmt := range cs.Migrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			errs = append(errs, errcode.Wrap(errcode.DSchemaApplyFailed,
				"migration failed to apply in scratch schema", err))
		}
	}

	active, err := p.reg.ActiveSnapshots(ctx)
	if err != nil {
		return DryRunResult{}, fmt.Errorf("authoring: load active snapshots: %w", err)
	}
	activeHash := registry.ComputeHash(active)

	activeByKey := make(map[string]registry.Snapshot, len(active))
	for _, snap := range active {
		activeByKey[fmt.Sprintf("%s/%s", snap.Kind, snap.Name)] = snap
	}
	for _, snap := range cs.Snapshots {
		if existing, ok := activeByKey[fmt.Sprintf("%s/%s", snap.Kind, snap.Name)]; ok {
			if existing.Version >= snap.Version && !cs.Breaking {
				errs = append(errs, errcode.New(errcode.DCompatBreakingUndeclared,
					fmt.Sprintf("snapshot %s/%s would downgrade or collide with active version %d and is not marked breaking",
						snap.Kind, snap.Name, existing.Version)))
			}
		}
	}

	status := StatusDryRunOk
	if len(errs) != 0 {
		status = StatusDryRunFailed
	}
	if updateErr := p.changesets.UpdateStatus(ctx, cs.ID, status); updateErr != nil {
		return DryRunResult{}, updateErr
	}

	return DryRunResult{OK: len(errs) == 0, Errors: errs, ObservedHash: activeHash}, nil
}

// publishLockKey is the fixed advisory-lock key every publisher
// contends for: the Semantic Registry has exactly one writer at a
// time, so a single well-known lock id is
// enough — there is no write-set to derive one from, unlike the
// Execution Gate's per-runbook locks.
const publishLockKey = 0x0B_F0C0001

// Publish commits a ChangeSet's snapshots as Draft -> Published under a
// transaction-level Postgres advisory lock, re-checking for
// drift against the hash a prior DryRunChangeSet observed.
func (p *Pipeline) Publish(ctx context.Context, cs ChangeSet, observedHash string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("authoring: begin publish tx: %w", err)
	}
	defer tx.Rollback()

	var locked bool
	if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, publishLockKey).Scan(&locked); err != nil {
		return fmt.Errorf("authoring: acquire publish lock: %w", err)
	}
	if !locked {
		return errcode.New(errcode.PublishLockContention, "another publisher holds the registry lock")
	}

	active, err := p.reg.ActiveSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("authoring: reload active snapshots for drift check: %w", err)
	}
	if registry.ComputeHash(active) != observedHash {
		_ = p.changesets.UpdateStatus(ctx, cs.ID, StatusDryRunOk)
		return errcode.New(errcode.PublishDriftDetected,
			"active snapshot set changed since dry-run was evaluated")
	}

	for _, stmt := range cs.Migrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errcode.Wrap(errcode.DSchemaApplyFailed, "migration failed at publish time", err)
		}
	}

	for i := range cs.Snapshots {
		snap := cs.Snapshots[i]
		snap.Status = registry.StatusPublished

		// Earlier published versions of the same object are superseded,
		// never rewritten.
		if _, err := tx.ExecContext(ctx, `
			UPDATE "ob-poc".snapshots SET status = $4
			WHERE kind = $1 AND name = $2 AND version < $3 AND status = $5`,
			snap.Kind, snap.Name, snap.Version,
			registry.StatusSuperseded, registry.StatusPublished); err != nil {
			return fmt.Errorf("authoring: supersede prior versions of %s: %w", snap.Name, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO "ob-poc".snapshots (id, kind, name, version, status, payload, content_sha, security_label, provenance)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (kind, name, version) DO UPDATE SET
				status = EXCLUDED.status,
				payload = EXCLUDED.payload,
				content_sha = EXCLUDED.content_sha,
				security_label = EXCLUDED.security_label`,
			snap.ID.String(), snap.Kind, snap.Name, snap.Version, snap.Status,
			snap.Payload, snap.ContentSHA, snap.SecurityLabel, []byte("{}")); err != nil {
			return fmt.Errorf("authoring: publish snapshot %s: %w", snap.Name, err)
		}
	}

	// Freeze the successor snapshot-set in the same transaction that
	// published its members, so "what is active" moves atomically.
	merged := make(map[string]registry.Snapshot, len(active)+len(cs.Snapshots))
	for _, snap := range active {
		merged[fmt.Sprintf("%s/%s", snap.Kind, snap.Name)] = snap
	}
	for _, snap := range cs.Snapshots {
		snap.Status = registry.StatusPublished
		merged[fmt.Sprintf("%s/%s", snap.Kind, snap.Name)] = snap
	}
	successor := make([]registry.Snapshot, 0, len(merged))
	for _, snap := range merged {
		successor = append(successor, snap)
	}

	var setVersion int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM "ob-poc".snapshot_sets`).Scan(&setVersion); err != nil {
		return fmt.Errorf("authoring: next snapshot set version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO "ob-poc".snapshot_sets (version, hash, frozen_at) VALUES ($1, $2, now())`,
		setVersion, registry.ComputeHash(successor)); err != nil {
		return fmt.Errorf("authoring: freeze snapshot set: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("authoring: commit publish tx: %w", err)
	}
	return p.changesets.UpdateStatus(ctx, cs.ID, StatusPublished)
}
