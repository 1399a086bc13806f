package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Restore session statuses.
const (
	SessionInProgress = "IN_PROGRESS"
	SessionCompleted  = "COMPLETED"
)

// Reject reasons recorded in restore_rejects.
const (
	RejectHashMismatch = "HASH_MISMATCH"
	RejectHashInvalid  = "HASH_INVALID"
)

// RestoreSession is the audit record of one multi-batch restore.
type RestoreSession struct {
	SessionID            string `json:"restore_session_id" yaml:"restore_session_id"`
	SourceDeviceID       string `json:"source_device_id" yaml:"source_device_id"`
	TotalBatches         int    `json:"total_batches" yaml:"total_batches"`
	BatchesReceived      int    `json:"batches_received" yaml:"batches_received"`
	EventsInserted       int64  `json:"events_inserted" yaml:"events_inserted"`
	EventsAlreadyPresent int64  `json:"events_already_present" yaml:"events_already_present"`
	EventsRejected       int64  `json:"events_rejected" yaml:"events_rejected"`
	Status               string `json:"status" yaml:"status"`
	CreatedAt            int64  `json:"created_at" yaml:"created_at"`
	UpdatedAt            int64  `json:"updated_at" yaml:"updated_at"`
	CompletedAt          *int64 `json:"completed_at" yaml:"completed_at"`
}

// Completed reports whether the final batch has been applied.
func (rs RestoreSession) Completed() bool {
	return rs.Status == SessionCompleted
}

// BatchRecord is one applied batch. A retried batch is recorded again.
type BatchRecord struct {
	SessionID            string `json:"restore_session_id" yaml:"restore_session_id"`
	BatchNumber          int    `json:"batch_number" yaml:"batch_number"`
	EventsReceived       int    `json:"events_received" yaml:"events_received"`
	EventsInserted       int    `json:"events_inserted" yaml:"events_inserted"`
	EventsAlreadyPresent int    `json:"events_already_present" yaml:"events_already_present"`
	EventsRejected       int    `json:"events_rejected" yaml:"events_rejected"`
	SnapshotRows         int    `json:"snapshot_rows" yaml:"snapshot_rows"`
	AppliedAt            int64  `json:"applied_at" yaml:"applied_at"`
}

// RejectRecord is the audit row for an event restore refused to store.
type RejectRecord struct {
	ID          int64  `json:"id" yaml:"id"`
	SessionID   string `json:"restore_session_id" yaml:"restore_session_id"`
	BatchNumber int    `json:"batch_number" yaml:"batch_number"`
	EventID     string `json:"event_id" yaml:"event_id"`
	OldHash     string `json:"old_hash" yaml:"old_hash"`
	NewHash     string `json:"new_hash" yaml:"new_hash"`
	Reason      string `json:"reason" yaml:"reason"`
	CreatedAt   int64  `json:"created_at" yaml:"created_at"`
}

const sessionColumns = `session_id, source_device_id, total_batches, batches_received, events_inserted,
	events_already_present, events_rejected, status, created_at, updated_at, completed_at`

func getSession(ctx context.Context, q querier, sessionID string) (RestoreSession, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM restore_sessions WHERE session_id = ?`, sessionID)
	rs, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RestoreSession{}, false, nil
	}
	if err != nil {
		return RestoreSession{}, false, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return rs, true, nil
}

func scanSession(row rowScanner) (RestoreSession, error) {
	var (
		rs          RestoreSession
		completedAt sql.NullInt64
	)
	if err := row.Scan(
		&rs.SessionID, &rs.SourceDeviceID, &rs.TotalBatches, &rs.BatchesReceived, &rs.EventsInserted,
		&rs.EventsAlreadyPresent, &rs.EventsRejected, &rs.Status, &rs.CreatedAt, &rs.UpdatedAt, &completedAt,
	); err != nil {
		return RestoreSession{}, err
	}
	if completedAt.Valid {
		v := completedAt.Int64
		rs.CompletedAt = &v
	}
	return rs, nil
}

// GetSession reads a restore session. ok is false when it does not exist.
func (s *Store) GetSession(ctx context.Context, sessionID string) (RestoreSession, bool, error) {
	return getSession(ctx, s.db, sessionID)
}

// GetSession reads a restore session inside the transaction.
func (tx *Tx) GetSession(ctx context.Context, sessionID string) (RestoreSession, bool, error) {
	return getSession(ctx, tx.tx, sessionID)
}

// CreateSession inserts a new in-progress session.
func (tx *Tx) CreateSession(ctx context.Context, rs RestoreSession) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO restore_sessions
		(session_id, source_device_id, total_batches, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rs.SessionID, rs.SourceDeviceID, rs.TotalBatches, SessionInProgress, rs.CreatedAt, rs.CreatedAt)
	if err != nil {
		return fmt.Errorf("create session %s: %w", rs.SessionID, err)
	}
	return nil
}

// RecordBatch appends the batch audit row and recomputes the session
// totals from the audit trail, so a resent batch never inflates them:
//   - events_inserted sums every attempt, since an event is inserted once
//   - events_rejected counts the session's distinct reject rows
//   - events_already_present counts events of the latest attempt of each
//     batch that were neither rejected nor inserted by this session
//   - batches_received counts distinct batch numbers
func (tx *Tx) RecordBatch(ctx context.Context, b BatchRecord) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO restore_batches
		(session_id, batch_number, events_received, events_inserted, events_already_present,
		 events_rejected, snapshot_rows, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, b.SessionID, b.BatchNumber, b.EventsReceived, b.EventsInserted, b.EventsAlreadyPresent,
		b.EventsRejected, b.SnapshotRows, b.AppliedAt)
	if err != nil {
		return fmt.Errorf("record batch %s/%d: %w", b.SessionID, b.BatchNumber, err)
	}

	_, err = tx.tx.ExecContext(ctx, `
		UPDATE restore_sessions SET
			events_inserted = (
				SELECT COALESCE(SUM(events_inserted), 0) FROM restore_batches WHERE session_id = ?1
			),
			events_rejected = (
				SELECT COUNT(*) FROM restore_rejects WHERE session_id = ?1
			),
			events_already_present = MAX(0, (
				SELECT COALESCE(SUM(rb.events_received - rb.events_rejected), 0)
				FROM restore_batches rb
				WHERE rb.session_id = ?1
				  AND rb.id = (
					SELECT MAX(id) FROM restore_batches
					WHERE session_id = rb.session_id AND batch_number = rb.batch_number
				  )
			) - (
				SELECT COALESCE(SUM(events_inserted), 0) FROM restore_batches WHERE session_id = ?1
			)),
			batches_received = (
				SELECT COUNT(DISTINCT batch_number) FROM restore_batches WHERE session_id = ?1
			),
			updated_at = ?2
		WHERE session_id = ?1
	`, b.SessionID, b.AppliedAt)
	if err != nil {
		return fmt.Errorf("update session %s: %w", b.SessionID, err)
	}
	return nil
}

// CompleteSession marks the session completed at the given time.
func (tx *Tx) CompleteSession(ctx context.Context, sessionID string, at int64) error {
	_, err := tx.tx.ExecContext(ctx, `
		UPDATE restore_sessions SET status = ?, completed_at = ?, updated_at = ?
		WHERE session_id = ?
	`, SessionCompleted, at, at, sessionID)
	if err != nil {
		return fmt.Errorf("complete session %s: %w", sessionID, err)
	}
	return nil
}

// InsertReject writes an audit row for a refused event. A session audits a
// given (event_id, new_hash) conflict once; inserted is false when the row
// already exists.
func (tx *Tx) InsertReject(ctx context.Context, r RejectRecord) (inserted bool, err error) {
	result, err := tx.tx.ExecContext(ctx, `
		INSERT INTO restore_rejects
		(session_id, batch_number, event_id, old_hash, new_hash, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, event_id, new_hash) DO NOTHING
	`, r.SessionID, r.BatchNumber, r.EventID, r.OldHash, r.NewHash, r.Reason, r.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert reject %s: %w", r.EventID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert reject %s: rows affected: %w", r.EventID, err)
	}
	return n == 1, nil
}

// AddSessionEntityTypes remembers which entity types a session touched, so
// the final batch can rebuild exactly those projections.
func (tx *Tx) AddSessionEntityTypes(ctx context.Context, sessionID string, entityTypes []string) error {
	for _, t := range entityTypes {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO restore_session_entity_types (session_id, entity_type)
			VALUES (?, ?)
			ON CONFLICT(session_id, entity_type) DO NOTHING
		`, sessionID, t)
		if err != nil {
			return fmt.Errorf("add session entity type %s: %w", t, err)
		}
	}
	return nil
}

// SessionEntityTypes returns the entity types a session touched, sorted.
func (tx *Tx) SessionEntityTypes(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := tx.tx.QueryContext(ctx, `
		SELECT entity_type FROM restore_session_entity_types
		WHERE session_id = ?
		ORDER BY entity_type COLLATE BINARY ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session entity types: %w", err)
	}
	defer rows.Close()

	types := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan session entity type: %w", err)
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session entity types: %w", err)
	}
	return types, nil
}

// ListSessions returns the most recent restore sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]RestoreSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM restore_sessions
		ORDER BY created_at DESC, session_id COLLATE BINARY ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []RestoreSession{}
	for rows.Next() {
		rs, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ListBatches returns every applied batch of a session in application order.
func (s *Store) ListBatches(ctx context.Context, sessionID string) ([]BatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, batch_number, events_received, events_inserted, events_already_present,
			events_rejected, snapshot_rows, applied_at
		FROM restore_batches
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	batches := []BatchRecord{}
	for rows.Next() {
		var b BatchRecord
		if err := rows.Scan(&b.SessionID, &b.BatchNumber, &b.EventsReceived, &b.EventsInserted,
			&b.EventsAlreadyPresent, &b.EventsRejected, &b.SnapshotRows, &b.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}

// ListRejects returns the reject audit rows of a session in insertion order.
func (s *Store) ListRejects(ctx context.Context, sessionID string) ([]RejectRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, batch_number, event_id, old_hash, new_hash, reason, created_at
		FROM restore_rejects
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query rejects: %w", err)
	}
	defer rows.Close()

	rejects := []RejectRecord{}
	for rows.Next() {
		var r RejectRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.BatchNumber, &r.EventID, &r.OldHash,
			&r.NewHash, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reject: %w", err)
		}
		rejects = append(rejects, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rejects: %w", err)
	}
	return rejects, nil
}
