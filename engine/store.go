package engine

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested target id does not exist.
var ErrNotFound = errors.New("target not found")

// ErrConflict is returned when a concurrent write by a different writer
// is detected. The engine assumes a single writer; this check is
// defensive.
var ErrConflict = errors.New("conflicting concurrent write")

// UpdateFunc mutates a target and returns the new value. It must be pure
// with respect to the target: side effects happen after the store commits
// the result, never inside f.
type UpdateFunc func(Target) (Target, error)

// Store is the persistent target-id -> Target mapping the driver and
// protocol dispatcher operate on. Concrete backends live in the store
// subpackage; declaring the interface here keeps the driver free of any
// dependency on them.
//
// Put and Update are atomic per id. Readers may observe state no staler
// than the last committed write for that id.
type Store interface {
	// Get returns the target with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (Target, error)

	// Put idempotently upserts a target. Returns ErrConflict if a
	// concurrent writer is detected for the same id.
	Put(ctx context.Context, t Target) error

	// Update performs a read-modify-write under a per-id lock.
	Update(ctx context.Context, id string, f UpdateFunc) (Target, error)

	// IterActive yields targets in non-terminal states that have been
	// activated (Activable or later), i.e. the driver's work source.
	IterActive(ctx context.Context) ([]Target, error)

	// IterAlive yields all targets in non-terminal states, including
	// Passive ones.
	IterAlive(ctx context.Context) ([]Target, error)

	// IterAll yields every target the store has ever persisted,
	// terminal or not. The protocol dispatcher uses it to answer
	// Get_targets/Get_target_ids queries that are not restricted to the
	// alive set, since a target's history remains queryable after death.
	IterAll(ctx context.Context) ([]Target, error)

	// FindEquivalent returns the id of an alive target equivalent to
	// candidate under candidate.Equivalence, if one exists.
	FindEquivalent(ctx context.Context, candidate Target) (string, bool, error)

	// Close releases any resources held by the store.
	Close() error
}
