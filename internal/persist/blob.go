// To handle all database interactions. This is our data access layer,
// keeping SQL queries separate from the snapshot/restore logic.

package persist

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when no blob exists under a key.
var ErrNotFound = errors.New("persist: blob not found")

// BlobStore is the generic keyed blob storage the adapter writes to. The
// sqlite implementation below is the production backend; tests may supply
// an in-memory one.
type BlobStore interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// SQLiteStore stores blobs in the app_state table.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLiteStore) Put(key string, value []byte) error {
	query := `
        INSERT INTO app_state (key, value, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
    `
	_, err := s.db.Exec(query, key, value, time.Now())
	return err
}

func (s *SQLiteStore) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM app_state WHERE key = ?", key)
	return err
}
