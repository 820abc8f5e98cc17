package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mesmerverse/bunker"
)

const recordColumns = `connection_id, request_id, envelope_id, method, params, scheme, state,
	response_payload, error_code, error_message, received_at, updated_at, completed_at`

func (s *SQLiteStore) scanRecord(row rowScanner) (*bunker.PendingRequestRecord, error) {
	var (
		r           bunker.PendingRequestRecord
		params      []byte
		payload     []byte
		receivedAt  int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&r.ConnectionID, &r.RequestID, &r.EnvelopeID, &r.Method, &params, &r.Scheme, &r.State,
		&payload, &r.ErrorCode, &r.ErrorMessage, &receivedAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	paramsJSON, err := s.openString(params)
	if err != nil {
		return nil, err
	}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &r.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
	}
	if r.ResponsePayload, err = s.openString(payload); err != nil {
		return nil, err
	}
	r.ReceivedAt = fromMillis(receivedAt)
	r.UpdatedAt = fromMillis(updatedAt)
	r.CompletedAt = nullMillis(completedAt)
	return &r, nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, q querier, where string, args ...any) ([]*bunker.PendingRequestRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM pending_requests `+where+` ORDER BY received_at, rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []*bunker.PendingRequestRecord
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRecord loads the record of one request.
func (s *SQLiteStore) GetRecord(ctx context.Context, connectionID, requestID string) (*bunker.PendingRequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRecord(ctx, s.db, connectionID, requestID)
}

func (s *SQLiteStore) getRecord(ctx context.Context, q querier, connectionID, requestID string) (*bunker.PendingRequestRecord, error) {
	rec, err := s.scanRecord(q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM pending_requests WHERE connection_id = ? AND request_id = ?`,
		connectionID, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return rec, nil
}

// FindRecord looks a request up by id alone. Relay event ids are hashes, so
// they do not collide across connections.
func (s *SQLiteStore) FindRecord(ctx context.Context, requestID string) (*bunker.PendingRequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.queryRecords(ctx, s.db, `WHERE request_id = ?`, requestID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// RecordOutcome writes rec idempotently. A missing record is created. A
// terminal record is never overwritten: the stored record is returned
// unchanged. Moving a record backwards returns ErrInvalidTransition along
// with the stored record.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, rec *bunker.PendingRequestRecord) (*bunker.PendingRequestRecord, error) {
	if !rec.State.Valid() {
		return nil, fmt.Errorf("invalid request state %q", rec.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stored *bunker.PendingRequestRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getRecord(ctx, tx, rec.ConnectionID, rec.RequestID)
		if errors.Is(err, ErrNotFound) {
			stored, err = s.insertRecord(ctx, tx, rec)
			return err
		}
		if err != nil {
			return err
		}

		if existing.State.Terminal() {
			stored = existing
			return nil
		}
		if !existing.State.CanTransition(rec.State) {
			stored = existing
			return ErrInvalidTransition
		}

		next := *existing
		next.State = rec.State
		next.ResponsePayload = rec.ResponsePayload
		next.ErrorCode = rec.ErrorCode
		next.ErrorMessage = rec.ErrorMessage
		if err := s.updateRecord(ctx, tx, &next); err != nil {
			return err
		}
		stored = &next
		return nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		return stored, err
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *SQLiteStore) insertRecord(ctx context.Context, tx *sql.Tx, rec *bunker.PendingRequestRecord) (*bunker.PendingRequestRecord, error) {
	out := *rec
	now := s.now().UTC()
	if out.ReceivedAt.IsZero() {
		out.ReceivedAt = now
	}
	out.UpdatedAt = now
	if out.State.Terminal() {
		out.CompletedAt = &now
	}

	paramsJSON, err := json.Marshal(nonNil(out.Params))
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	params, err := s.sealString(string(paramsJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt params: %w", err)
	}
	payload, err := s.sealString(out.ResponsePayload)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	var completed any
	if out.CompletedAt != nil {
		completed = millis(*out.CompletedAt)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_requests (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, out.ConnectionID, out.RequestID, out.EnvelopeID, out.Method, params, out.Scheme, out.State,
		payload, out.ErrorCode, out.ErrorMessage, millis(out.ReceivedAt), millis(out.UpdatedAt), completed)
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}
	return &out, nil
}

// updateRecord rewrites the mutable columns of rec.
func (s *SQLiteStore) updateRecord(ctx context.Context, tx *sql.Tx, rec *bunker.PendingRequestRecord) error {
	now := s.now().UTC()
	rec.UpdatedAt = now
	if rec.State.Terminal() && rec.CompletedAt == nil {
		rec.CompletedAt = &now
	}

	payload, err := s.sealString(rec.ResponsePayload)
	if err != nil {
		return fmt.Errorf("failed to encrypt payload: %w", err)
	}
	var completed any
	if rec.CompletedAt != nil {
		completed = millis(*rec.CompletedAt)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE pending_requests
		SET state = ?, response_payload = ?, error_code = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE connection_id = ? AND request_id = ?
	`, rec.State, payload, rec.ErrorCode, rec.ErrorMessage, millis(now), completed, rec.ConnectionID, rec.RequestID)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	return nil
}

// LoadPending returns the unfinished records of a connection in arrival order.
func (s *SQLiteStore) LoadPending(ctx context.Context, connectionID string) ([]*bunker.PendingRequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryRecords(ctx, s.db,
		`WHERE connection_id = ? AND state NOT IN ('completed', 'denied', 'failed')`, connectionID)
}

// LoadAllPending returns every unfinished record in arrival order.
func (s *SQLiteStore) LoadAllPending(ctx context.Context) ([]*bunker.PendingRequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryRecords(ctx, s.db, `WHERE state NOT IN ('completed', 'denied', 'failed')`)
}

// PruneCompleted deletes terminal records older than the cutoff and returns
// how many were removed.
func (s *SQLiteStore) PruneCompleted(ctx context.Context, olderThanMillis int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_requests
		WHERE state IN ('completed', 'denied', 'failed') AND completed_at < ?
	`, olderThanMillis)
	if err != nil {
		return 0, fmt.Errorf("failed to prune records: %w", err)
	}
	return res.RowsAffected()
}
