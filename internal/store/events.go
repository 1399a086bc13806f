package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/lifeboat/internal/event"
)

const eventColumns = `event_id, entity_type, entity_id, actor_id, device_id, ts_device, ts_server,
	hlc, event_type, schema_version, payload, payload_hash, synced, acknowledged`

// Page is one page of events in log order.
type Page struct {
	Events     []event.Event
	HasMore    bool
	NextCursor string
}

// EntityTypeStats summarizes stored events of one entity type.
type EntityTypeStats struct {
	EntityType    string `json:"entity_type" yaml:"entity_type"`
	Count         int64  `json:"count" yaml:"count"`
	FirstTsDevice int64  `json:"first_ts_device" yaml:"first_ts_device"`
	LastTsDevice  int64  `json:"last_ts_device" yaml:"last_ts_device"`
}

// EncodeCursor builds the opaque pagination cursor for a position in the log.
func EncodeCursor(sortKey, eventID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sortKey + "\n" + eventID))
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (sortKey, eventID string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", &ValidationError{Field: "since_cursor", Message: "malformed cursor"}
	}
	sortKey, eventID, ok := strings.Cut(string(raw), "\n")
	if !ok || sortKey == "" || eventID == "" {
		return "", "", &ValidationError{Field: "since_cursor", Message: "malformed cursor"}
	}
	return sortKey, eventID, nil
}

// Append inserts a new event and returns it as stored, with its payload
// normalized and payload_hash computed.
// Returns *DuplicateIDError if the id is already used.
func (s *Store) Append(ctx context.Context, e event.Event) (event.Event, error) {
	if err := e.Validate(); err != nil {
		return event.Event{}, &ValidationError{Field: "event", Message: err.Error()}
	}
	if _, err := e.Normalize(); err != nil {
		return event.Event{}, &ValidationError{Field: "payload", Message: err.Error()}
	}

	if _, err := insertEvent(ctx, s.db, e, false); err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return event.Event{}, &DuplicateIDError{EventID: e.EventID}
		}
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}
	return e, nil
}

// InsertEventIfAbsent inserts e unless its id is already stored.
// When the id exists, inserted is false and storedHash is the hash on record.
// The caller must have normalized e.
func (tx *Tx) InsertEventIfAbsent(ctx context.Context, e event.Event) (inserted bool, storedHash string, err error) {
	result, err := insertEvent(ctx, tx.tx, e, true)
	if err != nil {
		return false, "", fmt.Errorf("insert event %s: %w", e.EventID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, "", fmt.Errorf("insert event %s: rows affected: %w", e.EventID, err)
	}
	if n == 1 {
		return true, e.PayloadHash, nil
	}

	err = tx.tx.QueryRowContext(ctx, `SELECT payload_hash FROM events WHERE event_id = ?`, e.EventID).Scan(&storedHash)
	if err != nil {
		return false, "", fmt.Errorf("read stored hash %s: %w", e.EventID, err)
	}
	return false, storedHash, nil
}

func insertEvent(ctx context.Context, q querier, e event.Event, ignoreConflict bool) (sql.Result, error) {
	query := `INSERT INTO events (` + eventColumns + `, sort_key) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if ignoreConflict {
		query += ` ON CONFLICT(event_id) DO NOTHING`
	}
	return q.ExecContext(ctx, query, eventArgs(e)...)
}

func eventArgs(e event.Event) []any {
	return []any{
		e.EventID,
		e.EntityType,
		e.EntityID,
		e.ActorID,
		e.DeviceID,
		e.TsDevice,
		nullInt64(e.TsServer),
		nullString(e.HLC),
		e.EventType,
		e.SchemaVersion,
		string(e.Payload),
		e.PayloadHash,
		e.Synced,
		e.Acknowledged,
		e.SortKey(),
	}
}

// Query returns up to limit events strictly after cursor, in log order:
// sort_key then event_id by binary collation. An empty cursor starts at the
// beginning of the log.
//
// NextCursor points at the last returned event, so a caller may resume from
// it later even when HasMore is false. It is empty when no events were
// returned.
func (s *Store) Query(ctx context.Context, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		return Page{}, &ValidationError{Field: "limit", Message: "must be positive"}
	}

	var (
		rows *sql.Rows
		err  error
	)
	if cursor == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+eventColumns+`
			FROM events
			ORDER BY sort_key ASC, event_id COLLATE BINARY ASC
			LIMIT ?
		`, limit+1)
	} else {
		sortKey, eventID, derr := DecodeCursor(cursor)
		if derr != nil {
			return Page{}, derr
		}
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+eventColumns+`
			FROM events
			WHERE sort_key > ? OR (sort_key = ? AND event_id > ? COLLATE BINARY)
			ORDER BY sort_key ASC, event_id COLLATE BINARY ASC
			LIMIT ?
		`, sortKey, sortKey, eventID, limit+1)
	}
	if err != nil {
		return Page{}, fmt.Errorf("query events: %w", err)
	}

	events, err := collectEvents(rows)
	if err != nil {
		return Page{}, err
	}

	page := Page{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.HasMore = true
	}
	if n := len(page.Events); n > 0 {
		last := page.Events[n-1]
		page.NextCursor = EncodeCursor(last.SortKey(), last.EventID)
	}
	return page, nil
}

// EventsByEntityTypes returns every event of the given entity types in log
// order. Used by projection rebuilds inside a restore transaction.
func (tx *Tx) EventsByEntityTypes(ctx context.Context, entityTypes []string) ([]event.Event, error) {
	if len(entityTypes) == 0 {
		return []event.Event{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(entityTypes)), ",")
	args := make([]any, len(entityTypes))
	for i, t := range entityTypes {
		args[i] = t
	}

	rows, err := tx.tx.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE entity_type IN (`+placeholders+`)
		ORDER BY sort_key ASC, event_id COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query events by entity type: %w", err)
	}
	return collectEvents(rows)
}

// GetEvent retrieves a single event by id.
// Returns an error wrapping sql.ErrNoRows if not found.
func (s *Store) GetEvent(ctx context.Context, eventID string) (event.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = ?`, eventID)
	e, err := scanEvent(row)
	if err != nil {
		return event.Event{}, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return e, nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// LatestEventID returns the id of the last event in log order, or "" for an
// empty log.
func (s *Store) LatestEventID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id FROM events
		ORDER BY sort_key DESC, event_id COLLATE BINARY DESC
		LIMIT 1
	`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest event id: %w", err)
	}
	return id, nil
}

// LatestHLC returns the greatest stored HLC, or "" if no event carries one.
func (s *Store) LatestHLC(ctx context.Context) (string, error) {
	var hlc sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(hlc) FROM events`).Scan(&hlc); err != nil {
		return "", fmt.Errorf("latest hlc: %w", err)
	}
	return hlc.String, nil
}

// StatsByEntityType returns event counts per entity type, ordered by type.
func (s *Store) StatsByEntityType(ctx context.Context) ([]EntityTypeStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, COUNT(*), MIN(ts_device), MAX(ts_device)
		FROM events
		GROUP BY entity_type
		ORDER BY entity_type COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := []EntityTypeStats{}
	for rows.Next() {
		var st EntityTypeStats
		if err := rows.Scan(&st.EntityType, &st.Count, &st.FirstTsDevice, &st.LastTsDevice); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

// MarkSynced sets synced on the given events and returns how many changed.
func (s *Store) MarkSynced(ctx context.Context, eventIDs []string) (int64, error) {
	return s.setFlag(ctx, "synced", eventIDs)
}

// MarkAcknowledged sets acknowledged on the given events and returns how
// many changed.
func (s *Store) MarkAcknowledged(ctx context.Context, eventIDs []string) (int64, error) {
	return s.setFlag(ctx, "acknowledged", eventIDs)
}

// setFlag updates one of the two mutable columns. column is never caller
// input.
func (s *Store) setFlag(ctx context.Context, column string, eventIDs []string) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}

	var total int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		for _, id := range eventIDs {
			result, err := tx.tx.ExecContext(ctx,
				`UPDATE events SET `+column+` = 1 WHERE event_id = ? AND `+column+` = 0`, id)
			if err != nil {
				return fmt.Errorf("mark %s %s: %w", column, id, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("mark %s %s: rows affected: %w", column, id, err)
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		e        event.Event
		tsServer sql.NullInt64
		hlc      sql.NullString
		payload  string
	)
	if err := row.Scan(
		&e.EventID, &e.EntityType, &e.EntityID, &e.ActorID, &e.DeviceID, &e.TsDevice, &tsServer,
		&hlc, &e.EventType, &e.SchemaVersion, &payload, &e.PayloadHash, &e.Synced, &e.Acknowledged,
	); err != nil {
		return event.Event{}, err
	}
	if tsServer.Valid {
		v := tsServer.Int64
		e.TsServer = &v
	}
	if hlc.Valid {
		v := hlc.String
		e.HLC = &v
	}
	e.Payload = json.RawMessage(payload)
	return e, nil
}

// collectEvents drains and closes rows.
// Returns an empty slice (not nil) when there are no rows.
func collectEvents(rows *sql.Rows) ([]event.Event, error) {
	defer rows.Close()

	events := []event.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
