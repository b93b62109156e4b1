package db

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// callArgs returns the positional SQL arguments of the i-th recorded call.
func (m *mockDBTX) callArgs(i int) []any {
	return m.Calls[i].Arguments.Get(2).([]any)
}

// --- Mock Row ---

type mockRow struct {
	values  []any
	scanErr error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	return assignAll(dest, r.values)
}

// --- Mock Rows ---

type mockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	return assignAll(dest, r.data[r.idx])
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// assignAll copies row values into scan destinations the way pgx would for
// the column types used by the repositories: sql.Scanner targets receive the
// raw value, nil clears the destination, and T values fill *T or **T.
func assignAll(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, d := range dest {
		if err := assign(d, values[i]); err != nil {
			return fmt.Errorf("scan column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dest, value any) error {
	if sc, ok := dest.(sql.Scanner); ok {
		return sc.Scan(value)
	}
	dv := reflect.ValueOf(dest).Elem()
	if value == nil {
		dv.Set(reflect.Zero(dv.Type()))
		return nil
	}
	vv := reflect.ValueOf(value)
	switch {
	case vv.Type().AssignableTo(dv.Type()):
		dv.Set(vv)
	case dv.Kind() == reflect.Ptr && vv.Type().AssignableTo(dv.Type().Elem()):
		p := reflect.New(dv.Type().Elem())
		p.Elem().Set(vv)
		dv.Set(p)
	case vv.Type().ConvertibleTo(dv.Type()):
		dv.Set(vv.Convert(dv.Type()))
	default:
		return fmt.Errorf("cannot assign %T to %s", value, dv.Type())
	}
	return nil
}
