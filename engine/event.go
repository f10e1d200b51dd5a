package engine

import "context"

// Event is a single observable occurrence in a target's lifecycle: a
// state transition, a dispatched executor action, or an error.
type Event struct {
	// TargetID identifies the target that produced this event.
	TargetID string

	// Kind is the state the target transitioned into. Zero value
	// (Passive) for events that aren't state transitions (e.g. "error").
	Kind StateKind

	// Msg is a short event tag: "state_transition", "action_dispatched",
	// "error", "orphan_reaped".
	Msg string

	// Attempts is the retry counter at the time of the event, 0 if not
	// applicable.
	Attempts int

	// Meta carries event-specific structured data, e.g. {"reason": "..."}
	// for a Dead transition or {"action": "probe"} for a dispatch.
	Meta map[string]interface{}
}

// Emitter receives lifecycle events from the driver. Implementations
// live in the emit package; Driver only depends on this interface so
// the engine package never has to import a concrete observability
// backend.
//
// Implementations must not block the driver's batch loop for long and
// must not panic; Emit is called from worker goroutines processing a
// batch.
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}

// noopEmitter is the Driver's default Emitter: it discards every event.
// Callers that want observability wire in an emit.LogEmitter,
// emit.BufferedEmitter, or emit.OtelEmitter instead.
type noopEmitter struct{}

func (noopEmitter) Emit(Event)                                 {}
func (noopEmitter) EmitBatch(context.Context, []Event) error   { return nil }
func (noopEmitter) Flush(context.Context) error                { return nil }
