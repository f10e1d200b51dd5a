package emit

import (
	"testing"

	"github.com/dshills/targetflow/engine"
)

func TestEventStruct(t *testing.T) {
	t.Run("complete event with all fields", func(t *testing.T) {
		event := Event{
			TargetID: "target-001",
			Kind:     engine.Successful,
			Msg:      "state_transition",
			Attempts: 2,
			Meta:     map[string]interface{}{"reason": "probe failed"},
		}

		if event.TargetID != "target-001" {
			t.Errorf("expected TargetID = 'target-001', got %q", event.TargetID)
		}
		if event.Attempts != 2 {
			t.Errorf("expected Attempts = 2, got %d", event.Attempts)
		}
		if event.Meta["reason"] != "probe failed" {
			t.Errorf("expected Meta['reason'] = 'probe failed', got %v", event.Meta["reason"])
		}
	})

	t.Run("zero value event", func(t *testing.T) {
		var event Event
		if event.TargetID != "" {
			t.Errorf("expected zero value TargetID, got %q", event.TargetID)
		}
		if event.Attempts != 0 {
			t.Errorf("expected zero value Attempts, got %d", event.Attempts)
		}
		if event.Meta != nil {
			t.Error("expected zero value Meta to be nil")
		}
	})
}
