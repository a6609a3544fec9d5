// Package opstate persists small pieces of operational state that must
// survive a restart, such as the last values shown on the dashboard.
// Values are plain strings grouped by namespace.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db     *sql.DB
	ownsDB bool
	now    func() time.Time
}

// NewStore creates or opens a store at dbPath using the cgo SQLite driver.
// The schema is created automatically on first use. The returned store
// owns the handle and closes it in [Store.Close].
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New wraps an already-open database handle. The caller keeps
// ownership of db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`)
	return err
}

const upsertSQL = `INSERT INTO operational_state (namespace, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (namespace, key) DO UPDATE
	SET value = excluded.value, updated_at = excluded.updated_at`

// SetMany upserts every pair in values inside one transaction, so a
// reader never sees half of a snapshot.
func (s *Store) SetMany(namespace string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("set %s: begin: %w", namespace, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stamp := s.stamp()
	for k, v := range values {
		if _, err := tx.Exec(upsertSQL, namespace, k, v, stamp); err != nil {
			return fmt.Errorf("set %s/%s: %w", namespace, k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set %s: commit: %w", namespace, err)
	}
	return nil
}

// Delete removes a namespace/key entry. Deleting a missing key is not
// an error.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns all key/value pairs for a namespace. The map is empty,
// never nil, when the namespace has no entries.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM operational_state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}

// UpdatedAt reports when namespace/key was last written. The zero time
// is returned for a missing key.
func (s *Store) UpdatedAt(namespace, key string) (time.Time, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT updated_at FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("updated_at %s/%s: %w", namespace, key, err)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("updated_at %s/%s: %w", namespace, key, err)
	}
	return t, nil
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}
