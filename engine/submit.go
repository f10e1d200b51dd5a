package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SubmitTargets implements batch submission with equivalence-class
// deduplication and cycle rejection.
//
// Targets are processed in order. Each is first checked for an
// equivalent alive target (Store.FindEquivalent, under its own
// Equivalence policy); if one exists, the submitted target is dropped
// and its id maps to the existing one. Dependency and IfFailsActivate
// references within the same batch are rewritten to canonical ids before
// a target is persisted, so a later target in the batch can depend on an
// earlier one that collapsed. Otherwise the target is stored as Passive
// history, and activated immediately if ActivatedByUser is set.
//
// The full batch is rejected with an error, before anything is
// persisted, if it would introduce a dependency cycle either within
// itself or against the existing alive graph.
func SubmitTargets(ctx context.Context, s Store, d *Driver, targets []Target) (map[string]string, error) {
	if err := checkAcyclic(ctx, s, targets); err != nil {
		return nil, err
	}

	canonical := make(map[string]string, len(targets))
	now := time.Now()

	for _, t := range targets {
		rewriteDependencies(&t, canonical)

		existing, ok, err := s.FindEquivalent(ctx, t)
		if err != nil {
			return nil, err
		}
		if ok {
			canonical[t.ID] = existing
			continue
		}

		if len(t.History) == 0 {
			t.History = []State{{Kind: Passive, Time: now, Cause: CauseUser}}
		}
		if err := s.Put(ctx, t); err != nil {
			return nil, err
		}
		canonical[t.ID] = t.ID

		if t.ActivatedByUser && d != nil {
			if err := d.Activate(ctx, t.ID); err != nil {
				return nil, err
			}
		}
	}
	return canonical, nil
}

// rewriteDependencies replaces any dependency or fallback reference to an
// id already resolved earlier in this batch with its canonical id.
func rewriteDependencies(t *Target, canonical map[string]string) {
	for i, dep := range t.Dependencies {
		if c, ok := canonical[dep]; ok {
			t.Dependencies[i] = c
		}
	}
	for i, dep := range t.IfFailsActivate {
		if c, ok := canonical[dep]; ok {
			t.IfFailsActivate[i] = c
		}
	}
}

// checkAcyclic runs a DFS over the proposed batch's dependency edges,
// falling back to the store for ids the batch itself doesn't define, and
// fails on the first back edge found (a gray node revisited).
func checkAcyclic(ctx context.Context, s Store, targets []Target) error {
	batchDeps := make(map[string][]string, len(targets))
	for _, t := range targets {
		batchDeps[t.ID] = t.Dependencies
	}

	getDeps := func(id string) ([]string, error) {
		if deps, ok := batchDeps[id]; ok {
			return deps, nil
		}
		existing, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return existing.Dependencies, nil
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("engine: dependency cycle detected at target %q", id)
		}
		color[id] = gray
		deps, err := getDeps(id)
		if err != nil {
			return err
		}
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, t := range targets {
		if err := visit(t.ID); err != nil {
			return err
		}
	}
	return nil
}
