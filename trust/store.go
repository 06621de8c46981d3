// Package trust persists the durable pairing state: one record per peer the
// user has ever paired with, outliving discovery sightings and sessions.
package trust

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the app data dir.
const DefaultDBFileName = "trust.db"

// ErrNotFound indicates a requested record does not exist.
var ErrNotFound = errors.New("trust: record not found")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS trusted_peers (
  peer_id      TEXT PRIMARY KEY,
  display_name TEXT NOT NULL,
  credential   TEXT NOT NULL DEFAULT '',
  paired_at    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_trusted_peers_paired_at
ON trusted_peers (paired_at DESC, peer_id);
`,
}

// Record is one paired peer. Credential is an opaque token proving prior
// pairing and may be empty when the pairing flow produced no durable secret.
type Record struct {
	PeerID      string
	DisplayName string
	Credential  string
	PairedAt    int64
}

// Store is a thin wrapper around a SQLite connection. Writes are durable
// before the call returns; database/sql serializes concurrent writers.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) trust.db under the given data directory and runs
// migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create trust store directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LoadAll returns every trust record, most recently paired first.
func (s *Store) LoadAll() ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, display_name, credential, paired_at
		FROM trusted_peers
		ORDER BY paired_at DESC, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trust records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Record
	for rows.Next() {
		var record Record
		if err := rows.Scan(&record.PeerID, &record.DisplayName, &record.Credential, &record.PairedAt); err != nil {
			return nil, fmt.Errorf("scan trust record: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trust records: %w", err)
	}
	return out, nil
}

// Get fetches one record by peer ID.
func (s *Store) Get(peerID string) (*Record, error) {
	row := s.db.QueryRow(
		`SELECT peer_id, display_name, credential, paired_at
		FROM trusted_peers
		WHERE peer_id = ?`,
		peerID,
	)

	var record Record
	if err := row.Scan(&record.PeerID, &record.DisplayName, &record.Credential, &record.PairedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trust record %q: %w", peerID, err)
	}
	return &record, nil
}

// Upsert inserts or wholesale-replaces a record by peer ID.
func (s *Store) Upsert(record Record) error {
	if record.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if record.DisplayName == "" {
		return errors.New("display_name is required")
	}
	if record.PairedAt == 0 {
		record.PairedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO trusted_peers (peer_id, display_name, credential, paired_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = excluded.display_name,
			credential   = excluded.credential,
			paired_at    = excluded.paired_at`,
		record.PeerID,
		record.DisplayName,
		record.Credential,
		record.PairedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert trust record %q: %w", record.PeerID, err)
	}
	return nil
}

// Remove deletes a record, reporting whether it existed.
func (s *Store) Remove(peerID string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM trusted_peers WHERE peer_id = ?`, peerID)
	if err != nil {
		return false, fmt.Errorf("remove trust record %q: %w", peerID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove trust record %q: %w", peerID, err)
	}
	return affected > 0, nil
}

// IsTrusted reports whether a record exists for the peer.
func (s *Store) IsTrusted(peerID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM trusted_peers WHERE peer_id = ?`, peerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check trust record %q: %w", peerID, err)
	}
	return true, nil
}

// ClearAll removes every record.
func (s *Store) ClearAll() error {
	if _, err := s.db.Exec(`DELETE FROM trusted_peers`); err != nil {
		return fmt.Errorf("clear trust records: %w", err)
	}
	return nil
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}
