// Package store provides persistence backends for the target graph: a
// key/value mapping from target id to engine.Target, with indexes over
// the active and alive sets and equivalence-class lookup.
package store

import (
	"fmt"
	"strings"

	"github.com/dshills/targetflow/engine"
)

// The Store interface, UpdateFunc, and the error sentinels are declared
// in package engine alongside the driver that consumes them; the aliases
// here keep backend implementations and their callers reading naturally
// as store.Store / store.ErrNotFound.
type (
	Store      = engine.Store
	UpdateFunc = engine.UpdateFunc
)

var (
	ErrNotFound = engine.ErrNotFound
	ErrConflict = engine.ErrConflict
)

// Open dispatches a database_parameters URI to the matching backend
// constructor.
//
// Recognized schemes:
//   - "memory://" or "" -> MemStore
//   - "sqlite://<path>" -> SQLiteStore
//   - "mysql://<dsn>"   -> MySQLStore
func Open(uri string) (Store, error) {
	if uri == "" || uri == "memory://" {
		return NewMemStore(), nil
	}
	switch {
	case strings.HasPrefix(uri, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(uri, "sqlite://"))
	case strings.HasPrefix(uri, "mysql://"):
		return NewMySQLStore(strings.TrimPrefix(uri, "mysql://"))
	default:
		return nil, fmt.Errorf("store: unrecognized database_parameters uri %q", uri)
	}
}
