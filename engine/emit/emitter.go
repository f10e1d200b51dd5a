// Package emit provides pluggable observability for the target driver:
// every committed state transition, dispatched executor action, and
// orphan reap can be emitted to a logging, tracing, or in-memory sink.
package emit

import "github.com/dshills/targetflow/engine"

// Emitter is the engine's lifecycle event sink, re-exported here so
// implementations in this package satisfy engine.Driver's Emitter
// field without engine importing this package.
type Emitter = engine.Emitter
