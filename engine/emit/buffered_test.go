package emit

import (
	"testing"
	"time"

	"github.com/dshills/targetflow/engine"
)

func TestBufferedEmitterStoresEvents(t *testing.T) {
	t.Run("stores single event", func(t *testing.T) {
		emitter := NewBufferedEmitter()
		emitter.Emit(Event{TargetID: "t1", Kind: engine.Active, Msg: "state_transition"})

		history := emitter.GetHistory("t1")
		if len(history) != 1 {
			t.Fatalf("expected 1 event, got %d", len(history))
		}
		if history[0].Kind != engine.Active {
			t.Errorf("expected Kind = Active, got %v", history[0].Kind)
		}
	})

	t.Run("isolates events by target id", func(t *testing.T) {
		emitter := NewBufferedEmitter()
		emitter.Emit(Event{TargetID: "t1", Msg: "event1"})
		emitter.Emit(Event{TargetID: "t2", Msg: "event2"})
		emitter.Emit(Event{TargetID: "t1", Msg: "event3"})

		if len(emitter.GetHistory("t1")) != 2 {
			t.Errorf("expected 2 events for t1, got %d", len(emitter.GetHistory("t1")))
		}
		if len(emitter.GetHistory("t2")) != 1 {
			t.Errorf("expected 1 event for t2, got %d", len(emitter.GetHistory("t2")))
		}
	})

	t.Run("returns empty slice for unknown id", func(t *testing.T) {
		emitter := NewBufferedEmitter()
		history := emitter.GetHistory("unknown")
		if len(history) != 0 {
			t.Errorf("expected 0 events, got %d", len(history))
		}
	})
}

func TestBufferedEmitterGetHistoryWithFilter(t *testing.T) {
	t.Run("filters by message", func(t *testing.T) {
		emitter := NewBufferedEmitter()
		emitter.Emit(Event{TargetID: "t1", Msg: "state_transition"})
		emitter.Emit(Event{TargetID: "t1", Msg: "action_dispatched"})
		emitter.Emit(Event{TargetID: "t1", Msg: "state_transition"})

		history := emitter.GetHistoryWithFilter("t1", HistoryFilter{Msg: "state_transition"})
		if len(history) != 2 {
			t.Fatalf("expected 2 events, got %d", len(history))
		}
		for _, e := range history {
			if e.Msg != "state_transition" {
				t.Errorf("expected Msg = 'state_transition', got %q", e.Msg)
			}
		}
	})

	t.Run("filters by index range", func(t *testing.T) {
		emitter := NewBufferedEmitter()
		for i := 0; i < 4; i++ {
			emitter.Emit(Event{TargetID: "t1", Msg: "event"})
		}

		minStep, maxStep := 1, 2
		history := emitter.GetHistoryWithFilter("t1", HistoryFilter{MinStep: &minStep, MaxStep: &maxStep})
		if len(history) != 2 {
			t.Fatalf("expected 2 events, got %d", len(history))
		}
	})

	t.Run("empty filter returns all events", func(t *testing.T) {
		emitter := NewBufferedEmitter()
		emitter.Emit(Event{TargetID: "t1", Msg: "a"})
		emitter.Emit(Event{TargetID: "t1", Msg: "b"})

		history := emitter.GetHistoryWithFilter("t1", HistoryFilter{})
		if len(history) != 2 {
			t.Fatalf("expected 2 events, got %d", len(history))
		}
	})
}

func TestBufferedEmitterClear(t *testing.T) {
	t.Run("clears events for one target", func(t *testing.T) {
		emitter := NewBufferedEmitter()
		emitter.Emit(Event{TargetID: "t1", Msg: "a"})
		emitter.Emit(Event{TargetID: "t2", Msg: "b"})

		emitter.Clear("t1")

		if len(emitter.GetHistory("t1")) != 0 {
			t.Error("expected t1 history cleared")
		}
		if len(emitter.GetHistory("t2")) != 1 {
			t.Error("expected t2 history intact")
		}
	})

	t.Run("clears all when id is empty", func(t *testing.T) {
		emitter := NewBufferedEmitter()
		emitter.Emit(Event{TargetID: "t1", Msg: "a"})
		emitter.Emit(Event{TargetID: "t2", Msg: "b"})

		emitter.Clear("")

		if len(emitter.GetHistory("t1")) != 0 || len(emitter.GetHistory("t2")) != 0 {
			t.Error("expected all history cleared")
		}
	})
}

func TestBufferedEmitterThreadSafety(t *testing.T) {
	emitter := NewBufferedEmitter()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				emitter.Emit(Event{TargetID: "t1", Msg: "concurrent"})
			}
			done <- true
		}()
	}

	readDone := make(chan bool)
	go func() {
		for i := 0; i < 100; i++ {
			emitter.GetHistory("t1")
			time.Sleep(time.Millisecond)
		}
		readDone <- true
	}()

	for i := 0; i < 10; i++ {
		<-done
	}
	<-readDone

	if got := len(emitter.GetHistory("t1")); got != 1000 {
		t.Errorf("expected 1000 events, got %d", got)
	}
}

func TestBufferedEmitterInterfaceContract(t *testing.T) {
	var _ Emitter = NewBufferedEmitter()
}
