package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/lifeboat/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []BatchOutcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, o := range e.Trace {
			outcome := o.Status
			if o.Error != "" {
				outcome = o.Error
			}
			fmt.Fprintf(&buf, "  [%d] step %d batch %d %s inserted=%d present=%d rejected=%d\n",
				i+1, o.Step, o.BatchNumber, outcome, o.Inserted, o.AlreadyPresent, o.Rejected)
		}
	}
	return buf.String()
}

// AssertionContext provides the target node for evaluating assertions.
type AssertionContext struct {
	Ctx       context.Context
	Target    *store.Store
	SessionID string
}

func assertEventCount(actx *AssertionContext, result *Result, a Assertion) error {
	if a.Count == nil {
		return fmt.Errorf("event_count: count is required")
	}
	n, err := actx.Target.Count(actx.Ctx)
	if err != nil {
		return fmt.Errorf("event_count: %w", err)
	}
	if n != int64(*a.Count) {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d events on target", *a.Count),
			Actual:   fmt.Sprintf("%d events", n),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertRejectCount(actx *AssertionContext, result *Result, a Assertion) error {
	if a.Count == nil {
		return fmt.Errorf("reject_count: count is required")
	}
	rejects, err := actx.Target.ListRejects(actx.Ctx, actx.SessionID)
	if err != nil {
		return fmt.Errorf("reject_count: %w", err)
	}
	n := 0
	for _, r := range rejects {
		if a.Reason == "" || r.Reason == a.Reason {
			n++
		}
	}
	if n != *a.Count {
		what := "rejects"
		if a.Reason != "" {
			what = a.Reason + " rejects"
		}
		return &AssertionError{
			Type:     AssertRejectCount,
			Expected: fmt.Sprintf("%d %s in session %s", *a.Count, what, actx.SessionID),
			Actual:   fmt.Sprintf("%d %s", n, what),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertSessionStatus(actx *AssertionContext, result *Result, a Assertion) error {
	rs, found, err := actx.Target.GetSession(actx.Ctx, actx.SessionID)
	if err != nil {
		return fmt.Errorf("session_status: %w", err)
	}
	actual := "no session"
	if found {
		actual = rs.Status
	}
	if actual != a.Status {
		return &AssertionError{
			Type:     AssertSessionStatus,
			Expected: fmt.Sprintf("session %s %s", actx.SessionID, a.Status),
			Actual:   actual,
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertFingerprintMatch(result *Result) error {
	if result.SourceFingerprint != result.TargetFingerprint {
		return &AssertionError{
			Type:     AssertFingerprintMatch,
			Expected: "target fingerprint " + result.SourceFingerprint,
			Actual:   result.TargetFingerprint,
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertFinalState checks that exactly one row of the table matches Where
// and that it carries the Expect values (subset match).
//
// Table and column names are validated against a whitelist pattern since
// identifiers cannot be bound as parameters.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.DB().QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// buildWhereClause constructs a parameterized WHERE clause. Keys are sorted
// for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, bool, float64:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares expected and actual values from state tables.
// SQLite hands back int64 for integers, 0/1 for booleans and sometimes
// []byte for text.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil && actual == nil {
		return true
	}
	if expected == nil || actual == nil {
		return false
	}
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		if actualStr, ok := actual.(string); ok {
			return exp == actualStr
		}
		return false
	case int:
		if actualInt, ok := actual.(int64); ok {
			return int64(exp) == actualInt
		}
		if actualInt, ok := actual.(int); ok {
			return exp == actualInt
		}
		return false
	case int64:
		if actualInt, ok := actual.(int64); ok {
			return exp == actualInt
		}
		return false
	case bool:
		if actualBool, ok := actual.(bool); ok {
			return exp == actualBool
		}
		if actualInt, ok := actual.(int64); ok {
			return exp == (actualInt != 0)
		}
		return false
	}

	return reflect.DeepEqual(expected, actual)
}

// EvaluateAssertions evaluates all assertions against the result and the
// target node. Returns a message per failed assertion.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		needsTarget := assertion.Type != AssertFingerprintMatch
		if needsTarget && (actx == nil || actx.Target == nil) {
			errors = append(errors, fmt.Sprintf("assertion[%d]: %s requires a target store", i, assertion.Type))
			continue
		}

		switch assertion.Type {
		case AssertEventCount:
			err = assertEventCount(actx, result, assertion)
		case AssertRejectCount:
			err = assertRejectCount(actx, result, assertion)
		case AssertSessionStatus:
			err = assertSessionStatus(actx, result, assertion)
		case AssertFingerprintMatch:
			err = assertFingerprintMatch(result)
		case AssertFinalState:
			err = assertFinalState(actx.Ctx, actx.Target, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
