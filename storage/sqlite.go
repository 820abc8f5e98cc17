// Package storage persists connections, permission grants, pending request
// records and budget ledgers in SQLite. Secrets, request parameters and
// response payloads are encrypted at rest with a 32-byte data encryption key.
package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the connection store. Every mutating method runs in a
// single transaction, so concurrent callers never observe partial updates.
type SQLiteStore struct {
	db     *sql.DB
	dek    []byte
	dbPath string
	now    func() time.Time

	mu sync.RWMutex
}

// Option customizes a store.
type Option func(*SQLiteStore)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// Open opens (creating if needed) the database at path. Use ":memory:" for
// an ephemeral store. The store keeps its own copy of dek.
func Open(path string, dek []byte, opts ...Option) (*SQLiteStore, error) {
	if len(dek) != 32 {
		return nil, fmt.Errorf("DEK must be 32 bytes")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// One writer connection; the mutex orders access above it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		dek:    append([]byte(nil), dek...),
		dbPath: path,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("Connection store opened")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS connections (
		connection_id TEXT PRIMARY KEY,
		protocol TEXT NOT NULL CHECK(protocol IN ('nip46', 'nip47')),
		remote_pubkey TEXT NOT NULL,
		local_identity TEXT NOT NULL,
		relay_hints TEXT NOT NULL,
		trust_level TEXT NOT NULL CHECK(trust_level IN ('low', 'medium', 'high')),
		status TEXT NOT NULL CHECK(status IN ('active', 'revoked')),
		secret BLOB,
		display_name TEXT NOT NULL DEFAULT '',
		display_url TEXT NOT NULL DEFAULT '',
		display_image TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		revoked_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_active_remote
		ON connections(protocol, remote_pubkey) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_connections_identity ON connections(local_identity, status);

	-- Selector is "method" or "method:kind"
	CREATE TABLE IF NOT EXISTS permission_grants (
		connection_id TEXT NOT NULL REFERENCES connections(connection_id) ON DELETE CASCADE,
		selector TEXT NOT NULL,
		effect TEXT NOT NULL CHECK(effect IN ('allow', 'deny')),
		daily_budget_limit INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (connection_id, selector)
	);

	-- request_id is the relay event id; it is the dedupe key
	CREATE TABLE IF NOT EXISTS pending_requests (
		connection_id TEXT NOT NULL REFERENCES connections(connection_id) ON DELETE CASCADE,
		request_id TEXT NOT NULL,
		envelope_id TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		params BLOB,
		scheme TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		response_payload BLOB,
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		received_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER,
		PRIMARY KEY (connection_id, request_id)
	);
	CREATE INDEX IF NOT EXISTS idx_pending_open ON pending_requests(connection_id, state)
		WHERE state NOT IN ('completed', 'denied', 'failed');
	CREATE INDEX IF NOT EXISTS idx_pending_request ON pending_requests(request_id);

	CREATE TABLE IF NOT EXISTS budget_state (
		connection_id TEXT PRIMARY KEY REFERENCES connections(connection_id) ON DELETE CASCADE,
		date_key TEXT NOT NULL,
		spent_today INTEGER NOT NULL DEFAULT 0,
		daily_limit INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		CHECK (spent_today >= 0 AND spent_today <= daily_limit)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Backup writes a consistent copy of the database to path.
func (s *SQLiteStore) Backup(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("failed to back up store: %w", err)
	}
	return nil
}

// Close closes the database and wipes the key.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.dek {
		s.dek[i] = 0
	}
	return s.db.Close()
}

func (s *SQLiteStore) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *SQLiteStore) decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
}

// sealString encrypts s; the empty string is stored as NULL.
func (s *SQLiteStore) sealString(v string) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	return s.encrypt([]byte(v))
}

func (s *SQLiteStore) openString(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	plain, err := s.decrypt(blob)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt column: %w", err)
	}
	return string(plain), nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := fromMillis(ns.Int64)
	return &t
}
