// Copyright 2026 The tkeyfido Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package u2fhost

import (
	"context"
	"crypto/sha256"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gravitational/trace"
)

const createCounterTable = `
CREATE TABLE IF NOT EXISTS counters (
	key_handle_hash BLOB PRIMARY KEY,
	value INTEGER NOT NULL
)`

// SQLiteCounterStore persists the per-key-handle counter in a SQLite
// database, resolving the "hard-coded to 1" weakness spec.md §9 flags in
// the reference host. Key handles are hashed before use as a row key so
// the database at rest never holds a credential secret verbatim.
type SQLiteCounterStore struct {
	db *sql.DB
}

// OpenSQLiteCounterStore opens (creating if necessary) a counter database
// at path.
func OpenSQLiteCounterStore(path string) (*SQLiteCounterStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := db.Exec(createCounterTable); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &SQLiteCounterStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteCounterStore) Close() error {
	return trace.Wrap(s.db.Close())
}

// Next increments and returns the counter for keyHandle, atomically.
func (s *SQLiteCounterStore) Next(ctx context.Context, keyHandle []byte) (uint32, error) {
	hash := sha256.Sum256(keyHandle)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	defer tx.Rollback()

	var current uint32
	row := tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE key_handle_hash = ?`, hash[:])
	switch err := row.Scan(&current); err {
	case nil:
		current++
		if _, err := tx.ExecContext(ctx, `UPDATE counters SET value = ? WHERE key_handle_hash = ?`, current, hash[:]); err != nil {
			return 0, trace.Wrap(err)
		}
	case sql.ErrNoRows:
		current = 1
		if _, err := tx.ExecContext(ctx, `INSERT INTO counters (key_handle_hash, value) VALUES (?, ?)`, hash[:], current); err != nil {
			return 0, trace.Wrap(err)
		}
	default:
		return 0, trace.Wrap(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, trace.Wrap(err)
	}
	return current, nil
}

// MemoryCounterStore is an in-process, non-persistent CounterStore used by
// tests. The agent binary always uses SQLiteCounterStore.
type MemoryCounterStore struct {
	counts map[[32]byte]uint32
}

// NewMemoryCounterStore builds an empty MemoryCounterStore.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counts: make(map[[32]byte]uint32)}
}

func (m *MemoryCounterStore) Next(_ context.Context, keyHandle []byte) (uint32, error) {
	hash := sha256.Sum256(keyHandle)
	m.counts[hash]++
	return m.counts[hash], nil
}
