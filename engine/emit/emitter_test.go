package emit

import (
	"context"
	"testing"
)

type mockEmitter struct {
	events []Event
}

func (m *mockEmitter) Emit(event Event) {
	m.events = append(m.events, event)
}

func (m *mockEmitter) EmitBatch(_ context.Context, events []Event) error {
	m.events = append(m.events, events...)
	return nil
}

func (m *mockEmitter) Flush(context.Context) error { return nil }

func TestEmitterInterfaceContract(t *testing.T) {
	var _ Emitter = (*mockEmitter)(nil)
}

func TestEmitterEmit(t *testing.T) {
	t.Run("emit single event", func(t *testing.T) {
		emitter := &mockEmitter{}
		emitter.Emit(Event{TargetID: "t1", Msg: "state_transition"})

		if len(emitter.events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(emitter.events))
		}
	})

	t.Run("emit multiple events preserves order", func(t *testing.T) {
		emitter := &mockEmitter{}
		for i := 0; i < 3; i++ {
			emitter.Emit(Event{TargetID: "t1", Attempts: i})
		}

		for i, e := range emitter.events {
			if e.Attempts != i {
				t.Errorf("event %d: expected Attempts = %d, got %d", i, i, e.Attempts)
			}
		}
	})

	t.Run("emit batch preserves order", func(t *testing.T) {
		emitter := &mockEmitter{}
		events := []Event{
			{TargetID: "t1", Msg: "a"},
			{TargetID: "t1", Msg: "b"},
		}
		if err := emitter.EmitBatch(context.Background(), events); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(emitter.events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(emitter.events))
		}
	})
}
