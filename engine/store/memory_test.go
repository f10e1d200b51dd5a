package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/targetflow/engine"
	"github.com/dshills/targetflow/engine/executor"
	"github.com/dshills/targetflow/engine/store"
)

func passiveTarget(id string) engine.Target {
	return engine.Target{
		ID:           id,
		Name:         id,
		BuildProcess: executor.BuildProcess{Kind: executor.DirectCommand, Host: "local", Program: "true"},
		History:      []engine.State{{Kind: engine.Passive, Time: time.Now(), Cause: engine.CauseUser}},
	}
}

func TestMemStoreGetPut(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	tg := passiveTarget("a")
	if err := s.Put(ctx, tg); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "a" {
		t.Fatalf("expected id a, got %q", got.ID)
	}
}

func TestMemStoreUpdateIsAtomicPerID(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	if err := s.Put(ctx, passiveTarget("a")); err != nil {
		t.Fatalf("put: %v", err)
	}

	const n = 50
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			_, _ = s.Update(ctx, "a", func(cur engine.Target) (engine.Target, error) {
				cur.Append(engine.State{Kind: engine.Activable, Time: time.Now(), Cause: engine.CauseUser})
				return cur, nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	final, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(final.History) != 1+n {
		t.Fatalf("expected %d history entries after %d concurrent updates, got %d", 1+n, n, len(final.History))
	}
}

func TestMemStoreIterActiveExcludesPassive(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	passive := passiveTarget("p")
	_ = s.Put(ctx, passive)

	active := passiveTarget("act")
	active.Append(engine.State{Kind: engine.Activable, Time: time.Now(), Cause: engine.CauseUser})
	_ = s.Put(ctx, active)

	got, err := s.IterActive(ctx)
	if err != nil {
		t.Fatalf("iter active: %v", err)
	}
	if len(got) != 1 || got[0].ID != "act" {
		t.Fatalf("expected only %q in IterActive, got %+v", "act", got)
	}

	alive, err := s.IterAlive(ctx)
	if err != nil {
		t.Fatalf("iter alive: %v", err)
	}
	if len(alive) != 2 {
		t.Fatalf("expected both targets in IterAlive, got %d", len(alive))
	}
}

func TestMemStoreFindEquivalentUniqueness(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	mk := func(id string) engine.Target {
		tg := passiveTarget(id)
		tg.Equivalence = engine.EquivalenceSameMakeAndCondition
		tg.Condition = &executor.Condition{Kind: executor.FileExists, Host: "local", Path: "/tmp/out"}
		return tg
	}

	candidate := mk("probe")
	if _, ok, err := s.FindEquivalent(ctx, candidate); err != nil || ok {
		t.Fatalf("expected no equivalent before insertion, got ok=%v err=%v", ok, err)
	}

	if err := s.Put(ctx, mk("first")); err != nil {
		t.Fatalf("put: %v", err)
	}

	id, ok, err := s.FindEquivalent(ctx, candidate)
	if err != nil {
		t.Fatalf("find_equivalent: %v", err)
	}
	if !ok || id != "first" {
		t.Fatalf("expected equivalent match on %q, got id=%q ok=%v", "first", id, ok)
	}

	// A target with EquivalenceNone never participates in the index.
	none := mk("second")
	none.Equivalence = engine.EquivalenceNone
	if _, ok, err := s.FindEquivalent(ctx, none); err != nil || ok {
		t.Fatalf("expected EquivalenceNone to never match, got ok=%v err=%v", ok, err)
	}
}

func TestMemStoreFindEquivalentDropsOnDeath(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	tg := passiveTarget("dying")
	tg.Equivalence = engine.EquivalenceSameMakeAndCondition
	if err := s.Put(ctx, tg); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, ok, _ := s.FindEquivalent(ctx, tg); !ok {
		t.Fatal("expected equivalent match while alive")
	}

	if _, err := s.Update(ctx, "dying", func(cur engine.Target) (engine.Target, error) {
		cur.Append(engine.State{Kind: engine.Dead, Time: time.Now(), Cause: engine.CauseUser})
		return cur, nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, ok, _ := s.FindEquivalent(ctx, tg); ok {
		t.Fatal("expected equivalence index entry to be dropped once the target is terminal")
	}
}
