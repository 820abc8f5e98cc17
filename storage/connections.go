package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mesmerverse/bunker"
)

const connectionColumns = `connection_id, protocol, remote_pubkey, local_identity, relay_hints,
	trust_level, status, secret, display_name, display_url, display_image, created_at, revoked_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanConnection(row rowScanner) (*bunker.Connection, error) {
	var (
		c         bunker.Connection
		relays    string
		secret    []byte
		createdAt int64
		revokedAt sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.Protocol, &c.RemotePubkey, &c.LocalIdentity, &relays,
		&c.TrustLevel, &c.Status, &secret, &c.Metadata.Name, &c.Metadata.URL, &c.Metadata.Image,
		&createdAt, &revokedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(relays), &c.RelayHints); err != nil {
		return nil, fmt.Errorf("failed to decode relay hints: %w", err)
	}
	if c.Secret, err = s.openString(secret); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(createdAt)
	c.RevokedAt = nullMillis(revokedAt)
	return &c, nil
}

// CreateConnection inserts a new active connection together with its
// initial grants.
func (s *SQLiteStore) CreateConnection(ctx context.Context, conn *bunker.Connection, grants []bunker.PermissionGrant) error {
	if conn.ID == "" || !conn.Protocol.Valid() {
		return fmt.Errorf("connection needs an id and a valid protocol")
	}
	relays, err := json.Marshal(nonNil(conn.RelayHints))
	if err != nil {
		return fmt.Errorf("failed to encode relay hints: %w", err)
	}
	secret, err := s.sealString(conn.Secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = s.now().UTC()
	}
	conn.Status = bunker.StatusActive

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT connection_id FROM connections WHERE protocol = ? AND remote_pubkey = ? AND status = 'active'`,
			conn.Protocol, conn.RemotePubkey).Scan(&existing)
		if err == nil {
			return ErrConnectionExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check existing connection: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO connections (`+connectionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		`, conn.ID, conn.Protocol, conn.RemotePubkey, conn.LocalIdentity, string(relays),
			conn.TrustLevel, conn.Status, secret, conn.Metadata.Name, conn.Metadata.URL, conn.Metadata.Image,
			millis(conn.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert connection: %w", err)
		}

		for _, g := range grants {
			g.ConnectionID = conn.ID
			if err := s.putGrant(ctx, tx, g); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetConnection loads a connection by id.
func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*bunker.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE connection_id = ?`, id)
	conn, err := s.scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return conn, nil
}

// FindByRemotePubkey returns the active connection for a remote key, or the
// most recently revoked one when no active pairing exists.
func (s *SQLiteStore) FindByRemotePubkey(ctx context.Context, protocol bunker.Protocol, remotePubkey string) (*bunker.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE protocol = ? AND remote_pubkey = ?
		ORDER BY CASE status WHEN 'active' THEN 0 ELSE 1 END, created_at DESC
		LIMIT 1
	`, protocol, remotePubkey)
	conn, err := s.scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find connection: %w", err)
	}
	return conn, nil
}

// ListConnections returns the connections of an identity, or of every
// identity when identity is empty.
func (s *SQLiteStore) ListConnections(ctx context.Context, identity string) ([]*bunker.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + connectionColumns + ` FROM connections`
	var args []any
	if identity != "" {
		query += ` WHERE local_identity = ?`
		args = append(args, identity)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var out []*bunker.Connection
	for rows.Next() {
		conn, err := s.scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

// ActiveRemotes returns the remote keys of every active connection of an
// identity. The relay subscription filter is built from it.
func (s *SQLiteStore) ActiveRemotes(ctx context.Context, identity string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT remote_pubkey FROM connections
		WHERE local_identity = ? AND status = 'active'
		ORDER BY remote_pubkey
	`, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to list active remotes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

// SetTrustLevel changes the trust level of an active connection.
func (s *SQLiteStore) SetTrustLevel(ctx context.Context, id string, level bunker.TrustLevel) error {
	if _, err := bunker.ParseTrustLevel(string(level)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET trust_level = ? WHERE connection_id = ? AND status = 'active'`, level, id)
	if err != nil {
		return fmt.Errorf("failed to set trust level: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke marks the connection revoked and, in the same transaction, resolves
// every unfinished record to Denied(revoked). The records it resolved are
// returned. Revoking twice is a no-op.
func (s *SQLiteStore) Revoke(ctx context.Context, id string) ([]*bunker.PendingRequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cascaded []*bunker.PendingRequestRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status bunker.ConnectionStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM connections WHERE connection_id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load connection: %w", err)
		}
		if status == bunker.StatusRevoked {
			return nil
		}

		now := millis(s.now())
		if _, err := tx.ExecContext(ctx,
			`UPDATE connections SET status = 'revoked', revoked_at = ? WHERE connection_id = ?`, now, id); err != nil {
			return fmt.Errorf("failed to revoke connection: %w", err)
		}

		open, err := s.queryRecords(ctx, tx, `WHERE connection_id = ? AND state NOT IN ('completed', 'denied', 'failed')`, id)
		if err != nil {
			return err
		}
		for _, rec := range open {
			denied := rec.With(bunker.StateDenied, "", bunker.ErrRevoked)
			if err := s.updateRecord(ctx, tx, denied); err != nil {
				return err
			}
			cascaded = append(cascaded, denied)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cascaded, nil
}

// GrantPermission inserts or replaces a grant. A grant with a daily budget
// limit also sets the connection's budget ceiling.
func (s *SQLiteStore) GrantPermission(ctx context.Context, g bunker.PermissionGrant) error {
	if g.Effect != bunker.EffectAllow && g.Effect != bunker.EffectDeny {
		return fmt.Errorf("invalid grant effect %q", g.Effect)
	}
	if strings.TrimSpace(g.Selector) == "" {
		return fmt.Errorf("grant selector is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM connections WHERE connection_id = ?`, g.ConnectionID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load connection: %w", err)
		}
		return s.putGrant(ctx, tx, g)
	})
}

func (s *SQLiteStore) putGrant(ctx context.Context, tx *sql.Tx, g bunker.PermissionGrant) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO permission_grants (connection_id, selector, effect, daily_budget_limit, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, selector) DO UPDATE SET
			effect = excluded.effect,
			daily_budget_limit = excluded.daily_budget_limit
	`, g.ConnectionID, g.Selector, g.Effect, g.DailyBudgetLimit, millis(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	if g.DailyBudgetLimit > 0 {
		return s.setDailyLimit(ctx, tx, g.ConnectionID, g.DailyBudgetLimit)
	}
	return nil
}

// Grants returns every grant of a connection.
func (s *SQLiteStore) Grants(ctx context.Context, id string) ([]bunker.PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants(ctx, s.db, id)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) grants(ctx context.Context, q querier, id string) ([]bunker.PermissionGrant, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT connection_id, selector, effect, daily_budget_limit, created_at
		FROM permission_grants WHERE connection_id = ? ORDER BY selector
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	defer rows.Close()

	var out []bunker.PermissionGrant
	for rows.Next() {
		var (
			g         bunker.PermissionGrant
			createdAt int64
		)
		if err := rows.Scan(&g.ConnectionID, &g.Selector, &g.Effect, &g.DailyBudgetLimit, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.CreatedAt = fromMillis(createdAt)
		out = append(out, g)
	}
	return out, rows.Err()
}

// Snapshot reads a connection, its grants and its budget in one
// transaction so policy evaluates a consistent view.
func (s *SQLiteStore) Snapshot(ctx context.Context, id string) (*bunker.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	conn, err := s.scanConnection(tx.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE connection_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	grants, err := s.grants(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	budget, err := s.budgetState(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	return &bunker.Snapshot{
		Connection: *conn,
		Grants:     grants,
		Budget:     budget,
		DateKey:    bunker.DateKey(s.now()),
	}, nil
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
