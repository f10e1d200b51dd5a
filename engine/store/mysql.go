package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dshills/targetflow/engine"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS targets (
	id         VARCHAR(191) PRIMARY KEY,
	name       VARCHAR(255) NOT NULL,
	alive      TINYINT NOT NULL,
	activated  TINYINT NOT NULL,
	equiv_key  VARCHAR(64),
	data       MEDIUMBLOB NOT NULL,
	INDEX idx_targets_alive (alive),
	INDEX idx_targets_equiv (equiv_key)
) ENGINE=InnoDB;
`

// MySQLStore is a MySQL-backed Store implementation for clustered
// deployments addressed via a "mysql://" database_parameters URI.
//
// The row schema mirrors SQLiteStore's so both backends share the same
// equivalence-index and JSON-blob-per-target design.
// Library: github.com/go-sql-driver/mysql.
type MySQLStore struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMySQLStore opens a MySQL connection using dsn (the go-sql-driver/mysql
// DSN format, e.g. "user:pass@tcp(host:3306)/dbname?parseTime=true").
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}
	if _, err := db.Exec(mysqlSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate schema: %w", err)
	}
	return &MySQLStore{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *MySQLStore) idLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MySQLStore) Get(ctx context.Context, id string) (engine.Target, error) {
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

func (s *MySQLStore) Put(ctx context.Context, t engine.Target) error {
	lock := s.idLock(t.ID)
	lock.Lock()
	defer lock.Unlock()
	return s.writeLocked(ctx, t)
}

func (s *MySQLStore) writeLocked(ctx context.Context, t engine.Target) error {
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
		ON DUPLICATE KEY UPDATE
			name = VALUES(name),
			alive = VALUES(alive),
			activated = VALUES(activated),
			equiv_key = VALUES(equiv_key),
			data = VALUES(data)
	`, t.ID, t.Name, alive, activated, key, blob)
	if err != nil {
		return fmt.Errorf("store: put %q: %w", t.ID, err)
	}
	return nil
}

func (s *MySQLStore) Update(ctx context.Context, id string, f UpdateFunc) (engine.Target, error) {
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

func (s *MySQLStore) queryTargets(ctx context.Context, where string) ([]engine.Target, error) {
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

func (s *MySQLStore) IterActive(ctx context.Context) ([]engine.Target, error) {
	return s.queryTargets(ctx, `alive = 1 AND activated = 1`)
}

func (s *MySQLStore) IterAlive(ctx context.Context) ([]engine.Target, error) {
	return s.queryTargets(ctx, `alive = 1`)
}

func (s *MySQLStore) IterAll(ctx context.Context) ([]engine.Target, error) {
	return s.queryTargets(ctx, `1 = 1`)
}

func (s *MySQLStore) FindEquivalent(ctx context.Context, candidate engine.Target) (string, bool, error) {
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

func (s *MySQLStore) Close() error { return s.db.Close() }
