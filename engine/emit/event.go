package emit

import "github.com/dshills/targetflow/engine"

// Event is the engine's lifecycle event type, re-exported here so emit
// implementations read naturally as emit.Event without a second
// definition to keep in sync.
type Event = engine.Event
