package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/ob-poc/runbook-engine/internal/authoring"
)

func TestLoadBundleDeclaresMatchingContentHashes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "verbs_case.create.yaml"), []byte("verb: case.create\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "0001_case.up.sql"), []byte("CREATE TABLE x (id uuid);\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	artifacts, err := loadBundle(dir)
	if err != nil {
		t.Fatalf("loadBundle: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(artifacts))
	}

	cs := authoringChangeSet("cs-test", 1, artifacts)
	cs.ContentHash = computeContentHashFor(cs)

	for _, a := range artifacts {
		sum := sha256.Sum256(a.ContentBytes)
		if a.ContentHash != hex.EncodeToString(sum[:]) {
			t.Fatalf("artifact %s declared content hash %q does not match its content", a.Path, a.ContentHash)
		}
	}

	var kinds []authoring.ArtifactKind
	for _, a := range artifacts {
		kinds = append(kinds, a.Kind)
	}
	if kinds[0] != authoring.ArtifactForwardMigration && kinds[1] != authoring.ArtifactForwardMigration {
		t.Fatalf("expected one artifact classified as a forward migration, got %v", kinds)
	}
}

func TestMigrationsFromExtractsOnlyForwardMigrations(t *testing.T) {
	artifacts := []authoring.Artifact{
		{Path: "0001_case.up.sql", Kind: authoring.ArtifactForwardMigration, ContentBytes: []byte("CREATE TABLE a (id uuid);")},
		{Path: "0001_case.down.sql", Kind: authoring.ArtifactDownMigration, ContentBytes: []byte("DROP TABLE a;")},
		{Path: "verbs_case.create.yaml", Kind: authoring.ArtifactVerbYAML, ContentBytes: []byte("verb: case.create\n")},
	}

	stmts := migrationsFrom(artifacts)
	if len(stmts) != 1 {
		t.Fatalf("expected exactly 1 forward migration, got %d: %v", len(stmts), stmts)
	}
	if stmts[0] != "CREATE TABLE a (id uuid);" {
		t.Fatalf("unexpected migration statement: %q", stmts[0])
	}
}
