package repo_test

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type execCall struct {
	SQL  string
	Args []any
}

// stubDB scripts pgx results by the first keyword of the statement.
type stubDB struct {
	row      []any
	rowErr   error
	rows     [][]any
	queryErr error
	tag      string
	execErr  error

	execs   []execCall
	queries []execCall
}

func (s *stubDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.execs = append(s.execs, execCall{SQL: sql, Args: args})
	if s.execErr != nil {
		return pgconn.CommandTag{}, s.execErr
	}
	return pgconn.NewCommandTag(s.tag), nil
}

func (s *stubDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	s.queries = append(s.queries, execCall{SQL: sql, Args: args})
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return &stubRows{rows: s.rows, idx: -1}, nil
}

func (s *stubDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	s.queries = append(s.queries, execCall{SQL: sql, Args: args})
	return stubRow{values: s.row, err: s.rowErr}
}

type stubRow struct {
	values []any
	err    error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.values, dest)
}

type stubRows struct {
	rows [][]any
	idx  int
}

func (r *stubRows) Close() {}
func (r *stubRows) Err() error { return nil }
func (r *stubRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *stubRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *stubRows) Values() ([]any, error) { return r.rows[r.idx], nil }
func (r *stubRows) RawValues() [][]byte { return nil }
func (r *stubRows) Conn() *pgx.Conn { return nil }

func (r *stubRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *stubRows) Scan(dest ...any) error {
	return assign(r.rows[r.idx], dest)
}

func assign(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("stub: %d values for %d destinations", len(values), len(dest))
	}
	for i, v := range values {
		target := reflect.ValueOf(dest[i])
		if target.Kind() != reflect.Pointer {
			return fmt.Errorf("stub: destination %d is not a pointer", i)
		}
		val := reflect.ValueOf(v)
		if !val.Type().AssignableTo(target.Elem().Type()) {
			return fmt.Errorf("stub: cannot assign %T to %s", v, target.Elem().Type())
		}
		target.Elem().Set(val)
	}
	return nil
}

func firstWord(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
