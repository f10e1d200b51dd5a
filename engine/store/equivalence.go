package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/dshills/targetflow/engine"
)

// equivalenceKey computes the hash backends index alive targets by, so
// FindEquivalent is O(1) expected rather than an O(alive) scan. A
// sha256-derived key over (BuildProcess, Condition), the same technique
// used elsewhere to derive a stable key from a small tuple of fields.
//
// Returns ok=false for EquivalenceNone, which never participates in the
// index.
func equivalenceKey(t engine.Target) (key string, ok bool) {
	if t.Equivalence != engine.EquivalenceSameMakeAndCondition {
		return "", false
	}
	payload := struct {
		BuildProcess any `json:"build_process"`
		Condition    any `json:"condition"`
	}{t.BuildProcess, t.Condition}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), true
}
