package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
)

// Row is one table row keyed by column name.
type Row map[string]any

// TableSpec names a snapshot table and its primary key columns.
type TableSpec struct {
	Name       string   `koanf:"name" json:"name"`
	PrimaryKey []string `koanf:"primary_key" json:"primary_key"`
}

// EntityStateTable is the projection table rebuilt from the event log.
var EntityStateTable = TableSpec{Name: "entity_state", PrimaryKey: []string{"entity_type", "entity_id"}}

// internalTables are never readable or writable as snapshot tables.
var internalTables = map[string]bool{
	"events":                       true,
	"node_config":                  true,
	"restore_sessions":             true,
	"restore_batches":              true,
	"restore_rejects":              true,
	"restore_session_entity_types": true,
	"goose_db_version":             true,
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func tableColumns(ctx context.Context, q querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table info %s: %w", table, err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table info %s: %w", table, err)
	}
	return cols, nil
}

// checkTable validates a snapshot table against the live schema and returns
// its columns.
func checkTable(ctx context.Context, q querier, spec TableSpec) ([]string, error) {
	if !identifierPattern.MatchString(spec.Name) || internalTables[spec.Name] {
		return nil, &ValidationError{Field: "snapshot", Message: fmt.Sprintf("table %q is not a snapshot table", spec.Name)}
	}
	cols, err := tableColumns(ctx, q, spec.Name)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, &ValidationError{Field: "snapshot", Message: fmt.Sprintf("unknown table %q", spec.Name)}
	}
	if len(spec.PrimaryKey) == 0 {
		return nil, &ValidationError{Field: "snapshot", Message: fmt.Sprintf("table %q has no primary key configured", spec.Name)}
	}
	for _, pk := range spec.PrimaryKey {
		if !slices.Contains(cols, pk) {
			return nil, &ValidationError{Field: "snapshot", Message: fmt.Sprintf("table %q has no column %q", spec.Name, pk)}
		}
	}
	return cols, nil
}

// ValidateTable checks that spec names an existing, non-internal table whose
// primary key columns exist.
func (s *Store) ValidateTable(ctx context.Context, spec TableSpec) error {
	_, err := checkTable(ctx, s.db, spec)
	return err
}

// ReadTable returns every row of a snapshot table ordered by primary key.
// Returns an empty slice (not nil) for an empty table.
func (s *Store) ReadTable(ctx context.Context, spec TableSpec) ([]Row, error) {
	cols, err := checkTable(ctx, s.db, spec)
	if err != nil {
		return nil, err
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	order := make([]string, len(spec.PrimaryKey))
	for i, c := range spec.PrimaryKey {
		order[i] = quoteIdent(c) + " COLLATE BINARY ASC"
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s`,
		strings.Join(quoted, ", "), quoteIdent(spec.Name), strings.Join(order, ", ")))
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", spec.Name, err)
	}
	defer rows.Close()

	result := []Row{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan table %s: %w", spec.Name, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table %s: %w", spec.Name, err)
	}
	return result, nil
}

// UpsertRows writes rows into a snapshot table with INSERT OR REPLACE keyed
// by its primary key. Every column must exist in the live table and every
// row must carry the primary key.
func (tx *Tx) UpsertRows(ctx context.Context, spec TableSpec, rows []Row) (int, error) {
	cols, err := checkTable(ctx, tx.tx, spec)
	if err != nil {
		return 0, err
	}

	for i, row := range rows {
		for _, pk := range spec.PrimaryKey {
			if v, ok := row[pk]; !ok || v == nil {
				return 0, &ValidationError{
					Field:   "snapshot",
					Message: fmt.Sprintf("table %q row %d: missing primary key column %q", spec.Name, i, pk),
				}
			}
		}

		names := make([]string, 0, len(row))
		for name := range row {
			if !slices.Contains(cols, name) {
				return 0, &ValidationError{
					Field:   "snapshot",
					Message: fmt.Sprintf("table %q has no column %q", spec.Name, name),
				}
			}
			names = append(names, name)
		}
		sort.Strings(names)

		quoted := make([]string, len(names))
		args := make([]any, len(names))
		for j, name := range names {
			quoted[j] = quoteIdent(name)
			v, err := columnValue(row[name])
			if err != nil {
				return 0, &ValidationError{
					Field:   "snapshot",
					Message: fmt.Sprintf("table %q row %d column %q: %v", spec.Name, i, name, err),
				}
			}
			args[j] = v
		}

		query := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
			quoteIdent(spec.Name), strings.Join(quoted, ", "),
			strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", "))
		if _, err := tx.tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("upsert %s row %d: %w", spec.Name, i, err)
		}
	}
	return len(rows), nil
}

// columnValue converts a decoded JSON value into a SQLite bind value.
// Nested objects and arrays are stored as JSON text.
func columnValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, int, int64, float64:
		return val, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		return val.Float64()
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// EntityState is one row of the entity_state projection.
type EntityState struct {
	EntityType    string
	EntityID      string
	LastEventID   string
	LastEventType string
	LastSortKey   string
	LastTsDevice  int64
	EventCount    int64
	State         string
	UpdatedAt     int64
}

// ReplaceEntityState discards the projection rows of the given entity types
// and writes states in their place.
func (tx *Tx) ReplaceEntityState(ctx context.Context, entityTypes []string, states []EntityState) error {
	for _, t := range entityTypes {
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM entity_state WHERE entity_type = ?`, t); err != nil {
			return fmt.Errorf("clear entity state %s: %w", t, err)
		}
	}

	for _, st := range states {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO entity_state
			(entity_type, entity_id, last_event_id, last_event_type, last_sort_key, last_ts_device,
			 event_count, state, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, st.EntityType, st.EntityID, st.LastEventID, st.LastEventType, st.LastSortKey, st.LastTsDevice,
			st.EventCount, st.State, st.UpdatedAt)
		if err != nil {
			return fmt.Errorf("write entity state %s/%s: %w", st.EntityType, st.EntityID, err)
		}
	}
	return nil
}
