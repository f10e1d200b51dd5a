package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/dshills/targetflow/engine"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS targets (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	alive      INTEGER NOT NULL,
	activated  INTEGER NOT NULL,
	equiv_key  TEXT,
	data       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_targets_alive ON targets(alive);
CREATE INDEX IF NOT EXISTS idx_targets_equiv ON targets(equiv_key);
`

// SQLiteStore is a SQLite-backed Store implementation for
// single-process deployments, selected by sqlite:// database_parameters.
//
// WAL mode for concurrent readers, auto-migration on open, a
// single-file database.
// Library: modernc.org/sqlite (pure Go, no cgo).
type SQLiteStore struct {
	db   *sql.DB
	path string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path.
// Use ":memory:" for an ephemeral in-process database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %q: %w", path, err)
	}
	// SQLite supports one writer at a time, and a pooled second connection
	// to ":memory:" would see its own empty database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *SQLiteStore) idLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (engine.Target, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM targets WHERE id = ?`, id)
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return engine.Target{}, ErrNotFound
		}
		return engine.Target{}, fmt.Errorf("store: get %q: %w", id, err)
	}
	var t engine.Target
	if err := json.Unmarshal(blob, &t); err != nil {
		return engine.Target{}, fmt.Errorf("store: decode %q: %w", id, err)
	}
	return t, nil
}

func (s *SQLiteStore) Put(ctx context.Context, t engine.Target) error {
	lock := s.idLock(t.ID)
	lock.Lock()
	defer lock.Unlock()
	return s.writeLocked(ctx, t)
}

func (s *SQLiteStore) writeLocked(ctx context.Context, t engine.Target) error {
	blob, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: encode %q: %w", t.ID, err)
	}
	key, _ := equivalenceKey(t)
	alive := 0
	if t.IsAlive() {
		alive = 1
	}
	activated := 0
	if t.Current().Kind != engine.Passive {
		activated = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO targets (id, name, alive, activated, equiv_key, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			alive = excluded.alive,
			activated = excluded.activated,
			equiv_key = excluded.equiv_key,
			data = excluded.data
	`, t.ID, t.Name, alive, activated, key, blob)
	if err != nil {
		return fmt.Errorf("store: put %q: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, f UpdateFunc) (engine.Target, error) {
	lock := s.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	cur, err := s.Get(ctx, id)
	if err != nil {
		return engine.Target{}, err
	}
	next, err := f(cur)
	if err != nil {
		return engine.Target{}, err
	}
	if err := s.writeLocked(ctx, next); err != nil {
		return engine.Target{}, err
	}
	return next, nil
}

func (s *SQLiteStore) queryTargets(ctx context.Context, where string) ([]engine.Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM targets WHERE `+where)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []engine.Target
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		var t engine.Target
		if err := json.Unmarshal(blob, &t); err != nil {
			return nil, fmt.Errorf("store: decode: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) IterActive(ctx context.Context) ([]engine.Target, error) {
	return s.queryTargets(ctx, `alive = 1 AND activated = 1`)
}

func (s *SQLiteStore) IterAlive(ctx context.Context) ([]engine.Target, error) {
	return s.queryTargets(ctx, `alive = 1`)
}

func (s *SQLiteStore) IterAll(ctx context.Context) ([]engine.Target, error) {
	return s.queryTargets(ctx, `1 = 1`)
}

func (s *SQLiteStore) FindEquivalent(ctx context.Context, candidate engine.Target) (string, bool, error) {
	key, ok := equivalenceKey(candidate)
	if !ok {
		return "", false, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT id FROM targets WHERE equiv_key = ? AND alive = 1 LIMIT 1`, key)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: find_equivalent: %w", err)
	}
	return id, true, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
