package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// ComputeHash derives a SnapshotSet's content hash: sha256 over the
// sorted (id, version) pairs of its snapshots. Publish compares the
// hash a dry-run observed against the one live at commit time to
// detect drift.
func ComputeHash(snaps []Snapshot) string {
	keys := make([]string, 0, len(snaps))
	for _, s := range snaps {
		keys = append(keys, fmt.Sprintf("%s@%d", s.ID.String(), s.Version))
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
