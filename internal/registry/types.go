// Package registry implements the Semantic Registry Store: the
// versioned, immutable snapshot store backing verb contracts, macro
// templates, entity lifecycles, policy rules, and vocabulary entries.
package registry

import (
	"time"

	"github.com/ob-poc/runbook-engine/internal/ids"
)

// Status is a Snapshot's publication lifecycle state. Supersession
// never rewrites a row: a successor publishes and the predecessor is
// marked superseded.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPublished  Status = "published"
	StatusSuperseded Status = "superseded"
	StatusRetracted  Status = "retracted"
)

// Kind identifies what a Snapshot's payload represents.
type Kind string

const (
	KindVerbContract Kind = "verb_contract"
	KindMacro        Kind = "macro"
	KindEntityType   Kind = "entity_type"
	KindPolicyRule   Kind = "policy_rule"
	KindVocabEntry   Kind = "vocab_entry"
)

// Provenance records who or what authored a Snapshot.
type Provenance struct {
	Source    string    `json:"source"` // "dsl_literal", "migrated_legacy", "dry_run_promotion"
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is one versioned, immutable unit in the registry.
// SecurityLabel is the raw JSON label ABAC reads enforce over (see
// internal/policy); a row without one fails closed on every filtered
// read.
type Snapshot struct {
	ID            ids.SnapshotID `json:"id"`
	Kind          Kind           `json:"kind"`
	Name          string         `json:"name"`
	Version       int            `json:"version"`
	Status        Status         `json:"status"`
	Payload       []byte         `json:"payload"` // canonical JSON of the kind-specific body
	ContentSHA    string         `json:"content_sha"`
	SecurityLabel []byte         `json:"security_label,omitempty"`
	Provenance    Provenance     `json:"provenance"`
}

// SnapshotSet is the full collection of snapshots live at a given
// registry version, plus a content hash over the sorted (id, version)
// pairs used for drift detection at publish time.
type SnapshotSet struct {
	Version   int64      `json:"version"`
	Snapshots []Snapshot `json:"snapshots"`
	Hash      string     `json:"hash"`
	FrozenAt  time.Time  `json:"frozen_at"`
}
