package engine

import (
	"time"

	"github.com/dshills/targetflow/engine/executor"
)

// Equivalence controls whether a submitted target collapses into an
// existing alive target instead of being stored anew.
//
// The store indexes alive targets by a hash of (BuildProcess,
// Condition) so FindEquivalent is O(1) expected rather than an O(alive)
// scan.
type Equivalence int

const (
	// EquivalenceNone means the target is never considered equivalent to
	// any other target, even one with an identical build process.
	EquivalenceNone Equivalence = iota
	// EquivalenceSameMakeAndCondition means two targets collapse when both
	// their BuildProcess and Condition compare structurally equal.
	EquivalenceSameMakeAndCondition
)

// ProductDescriptor describes the artifact a target produces. The automaton
// never reads it; it exists for downstream queries only.
type ProductDescriptor struct {
	Kind     string            `json:"kind"`
	Location string            `json:"location"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Target is a node in the workflow DAG: an immutable identity plus an
// append-only lifecycle history.
//
// Invariants:
//   - ID, once assigned, is never reused or changed.
//   - History is append-only and monotonically timestamped.
//   - A target in a terminal state (Successful, Dead) never transitions again.
//   - For a dependency edge a -> b, b cannot enter Running_successfully
//     before a reaches Successful (enforced by the automaton, not here).
type Target struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	Dependencies    []string `json:"dependencies,omitempty"`
	IfFailsActivate []string `json:"if_fails_activate,omitempty"`

	Equivalence  Equivalence         `json:"equivalence"`
	Condition    *executor.Condition `json:"condition,omitempty"`
	BuildProcess executor.BuildProcess `json:"build_process"`

	// ActivatedByUser records whether activation was user-driven, as
	// opposed to cascade activation as a dependency or fallback. Consumed
	// by the Activated_by_user protocol filter.
	ActivatedByUser bool `json:"activated_by_user,omitempty"`

	// FallbacksActivated records that if_fails_activate has already fired
	// for this target, so death never activates fallbacks twice.
	FallbacksActivated bool `json:"fallbacks_activated,omitempty"`

	History []State `json:"history"`

	Product *ProductDescriptor `json:"product,omitempty"`
}

// Current returns the target's most recent state entry.
//
// A Target always has at least one History entry (the Passive entry
// written at submission), so Current never operates on an empty slice
// for a Target obtained from the store.
func (t *Target) Current() State {
	return t.History[len(t.History)-1]
}

// IsTerminal reports whether the target's current state is terminal.
func (t *Target) IsTerminal() bool {
	return t.Current().Kind.IsTerminal()
}

// IsAlive reports whether the target is in a non-terminal state, i.e. it
// still participates in the store's "alive" index.
func (t *Target) IsAlive() bool {
	return !t.IsTerminal()
}

// Append adds a new state entry to the target's history, keeping it
// strictly time-ordered: an entry whose Time is not after the previous
// entry's is stamped one nanosecond after it. Callers must not append to
// a target that is already terminal; Step never does.
func (t *Target) Append(st State) {
	if n := len(t.History); n > 0 && !st.Time.After(t.History[n-1].Time) {
		st.Time = t.History[n-1].Time.Add(time.Nanosecond)
	}
	t.History = append(t.History, st)
}

// Attempts returns the non-fatal-failure attempt count accumulated so
// far. Each retry cycle stamps its Active entry with the new count, but
// the intermediate states it passes through on the way to the next
// failure (Building, Tried_to_start, Started_running, ...) don't carry
// it forward, so the count is read back as the maximum Attempts value
// recorded anywhere in history rather than off the current entry alone.
func (t *Target) Attempts() int {
	max := 0
	for _, h := range t.History {
		if h.Attempts > max {
			max = h.Attempts
		}
	}
	return max
}

// EquivalentTo reports whether t and o collapse under t's equivalence
// policy. Equivalence is evaluated from the perspective of the newly
// submitted target.
func (t *Target) EquivalentTo(o *Target) bool {
	switch t.Equivalence {
	case EquivalenceNone:
		return false
	case EquivalenceSameMakeAndCondition:
		return t.BuildProcess.Equal(o.BuildProcess) && t.Condition.Equal(o.Condition)
	default:
		return false
	}
}
