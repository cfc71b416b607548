// Package memostore persists partition lookups in SQLite so that a restarted
// server does not probe every partition again for entities it has seen.
package memostore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/omero-tiles/server/internal/partition"
	"github.com/omero-tiles/server/internal/store"
)

// Store is a partition.Memo backed by a SQLite table with an in-memory
// front. Write failures are logged and leave the in-memory entry in place.
type Store struct {
	db    *sql.DB
	mu    sync.Mutex
	front *partition.MapMemo
	log   *zap.Logger
}

var _ partition.Memo = (*Store)(nil)

// NewStore opens (or creates) the memo database at dbPath.
func NewStore(dbPath string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db, front: partition.NewMapMemo(), log: log.Named("memostore")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS partition_memo (
		kind INTEGER NOT NULL,
		entity_id INTEGER NOT NULL,
		partition_id INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, entity_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns the remembered partition for k.
func (s *Store) Load(k partition.Key) (store.PartitionID, bool) {
	if p, ok := s.front.Load(k); ok {
		return p, true
	}
	var p int64
	err := s.db.QueryRow(`SELECT partition_id FROM partition_memo WHERE kind = ? AND entity_id = ?`, int(k.Kind), k.ID).Scan(&p)
	if err == sql.ErrNoRows {
		return 0, false
	}
	if err != nil {
		s.log.Warn("memo lookup failed", zap.Stringer("kind", k.Kind), zap.Int64("id", k.ID), zap.Error(err))
		return 0, false
	}
	s.front.Store(k, store.PartitionID(p))
	return store.PartitionID(p), true
}

// Store remembers p as the partition of k.
func (s *Store) Store(k partition.Key, p store.PartitionID) {
	s.front.Store(k, p)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO partition_memo (kind, entity_id, partition_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, entity_id) DO UPDATE SET partition_id = excluded.partition_id, updated_at = excluded.updated_at
	`, int(k.Kind), k.ID, int64(p), time.Now().Format(time.RFC3339))
	if err != nil {
		s.log.Warn("memo write failed", zap.Stringer("kind", k.Kind), zap.Int64("id", k.ID), zap.Error(err))
	}
}

// Clear forgets every remembered lookup.
func (s *Store) Clear() {
	s.front.Clear()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM partition_memo`); err != nil {
		s.log.Warn("memo clear failed", zap.Error(err))
	}
}

// Len returns the number of persisted lookups.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM partition_memo").Scan(&n)
	return n, err
}
