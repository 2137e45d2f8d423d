package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ob-poc/runbook-engine/internal/authoring"
)

// loadBundle reads every regular file directly under dir into a
// ChangeSet's artifact list, declaring each artifact's content_hash as
// its own recomputed sha256 — the CLI hashes files off disk before
// handing them to Propose. A file altered between hashing and Propose
// (or a bundle assembled by a stale tool) is exactly the scenario
// Stage-1's hash check (V:HASH:MISMATCH) exists to catch.
func loadBundle(dir string) ([]authoring.Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cmd: read bundle directory %s: %w", dir, err)
	}

	var artifacts []authoring.Artifact
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cmd: read artifact %s: %w", path, err)
		}
		sum := sha256.Sum256(content)
		artifacts = append(artifacts, authoring.Artifact{
			Path:         entry.Name(),
			Kind:         artifactKindFor(entry.Name()),
			ContentHash:  hex.EncodeToString(sum[:]),
			ContentBytes: content,
		})
	}

	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })
	return artifacts, nil
}

// authoringChangeSet builds a draft ChangeSet around a freshly loaded
// artifact bundle; Propose stamps its ID and content_hash.
func authoringChangeSet(name string, hashVersion int, artifacts []authoring.Artifact) authoring.ChangeSet {
	return authoring.ChangeSet{
		Name:        name,
		HashVersion: hashVersion,
		Status:      authoring.StatusDraft,
		Artifacts:   artifacts,
	}
}

func computeContentHashFor(cs authoring.ChangeSet) string {
	return authoring.ComputeContentHash(cs.HashVersion, cs.Artifacts)
}

func artifactKindFor(name string) authoring.ArtifactKind {
	switch {
	case strings.HasSuffix(name, ".up.sql"):
		return authoring.ArtifactForwardMigration
	case strings.HasSuffix(name, ".down.sql"):
		return authoring.ArtifactDownMigration
	case strings.Contains(name, "verb"):
		return authoring.ArtifactVerbYAML
	case strings.Contains(name, "entity"):
		return authoring.ArtifactEntityYAML
	case strings.Contains(name, "taxonomy"):
		return authoring.ArtifactTaxonomyYAML
	case strings.Contains(name, "policy"):
		return authoring.ArtifactPolicyYAML
	default:
		return authoring.ArtifactAttributeYAML
	}
}
