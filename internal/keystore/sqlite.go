package keystore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store backend. The schema is a plain
// key-value table: namespaced key hashes (or alias names) map to JSON
// documents, mirroring how the records would live in any external KV
// store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("keystore: open sqlite at %s: %w", path, err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT NOT NULL);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("keystore: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) getJSON(storageKey string, out any) error {
	var raw string
	err := s.db.QueryRow("SELECT v FROM kv WHERE k = ?", storageKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("keystore: query: %w", err)
	}
	return json.Unmarshal([]byte(raw), out)
}

func (s *SQLiteStore) putJSON(storageKey string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("keystore: marshal: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v",
		storageKey, string(raw),
	)
	if err != nil {
		return fmt.Errorf("keystore: upsert: %w", err)
	}
	return nil
}

// Get returns the Info stored under the hash of key.
func (s *SQLiteStore) Get(key string) (Info, error) {
	var info Info
	if err := s.getJSON(keyNamespace+HashKey(key), &info); err != nil {
		return Info{}, err
	}
	return info, nil
}

// Put stores info under the hash of key.
func (s *SQLiteStore) Put(key string, info Info) error {
	return s.putJSON(keyNamespace+HashKey(key), info)
}

// Delete removes the record for key.
func (s *SQLiteStore) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM kv WHERE k = ?", keyNamespace+HashKey(key))
	return err
}

// Touch updates LastUsedAt for key.
func (s *SQLiteStore) Touch(key string) error {
	info, err := s.Get(key)
	if err != nil {
		return err
	}
	now := time.Now()
	info.LastUsedAt = &now
	return s.Put(key, info)
}

// CreateAlias maps a human-readable alias to the hash of key. The alias
// record stores only the hash, never the key material.
func (s *SQLiteStore) CreateAlias(alias, key string) error {
	if _, err := s.Get(key); err != nil {
		return err
	}
	return s.putJSON(aliasNamespace+alias, HashKey(key))
}

// ResolveAlias returns the Info referenced by alias along with the key
// hash it points at.
func (s *SQLiteStore) ResolveAlias(alias string) (Info, string, error) {
	var hash string
	if err := s.getJSON(aliasNamespace+alias, &hash); err != nil {
		return Info{}, "", err
	}
	var info Info
	if err := s.getJSON(keyNamespace+hash, &info); err != nil {
		return Info{}, "", err
	}
	return info, hash, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
