package engine

import (
	"context"
	"sync"
	"testing"

	"gridbase/internal/metadata"
	"gridbase/internal/store"
)

// testSchemas is the introspected shape of the fixture tables: authors with a
// hidden column, books referencing authors, and profiles as a 1:1 extension.
func testSchemas() map[string]*store.TableSchema {
	return map[string]*store.TableSchema{
		"authors": {
			Schema:     "public",
			Name:       "authors",
			PrimaryKey: "id",
			Columns: []store.Column{
				{Name: "id", DataType: "integer"},
				{Name: "name", DataType: "text"},
				{Name: "rating", DataType: "integer", Nullable: true},
				{Name: "secret", DataType: "text", Nullable: true},
			},
		},
		"books": {
			Schema:     "public",
			Name:       "books",
			PrimaryKey: "id",
			Columns: []store.Column{
				{Name: "id", DataType: "integer"},
				{Name: "title", DataType: "text"},
				{Name: "pages", DataType: "integer", Nullable: true},
				{Name: "author_id", DataType: "integer"},
			},
			ForeignKeys: []store.ForeignKey{
				{Column: "author_id", RefSchema: "public", RefTable: "authors", RefColumn: "id"},
			},
		},
		"profiles": {
			Schema:     "public",
			Name:       "profiles",
			PrimaryKey: "id",
			Columns: []store.Column{
				{Name: "id", DataType: "integer"},
				{Name: "bio", DataType: "text", Nullable: true},
			},
			ForeignKeys: []store.ForeignKey{
				{Column: "id", RefSchema: "public", RefTable: "authors", RefColumn: "id"},
			},
		},
	}
}

func testDescriptors() []*metadata.TableDescriptor {
	return []*metadata.TableDescriptor{
		{Schema: "public", Table: "authors", Hidden: []string{"secret"}},
		{Schema: "public", Table: "books"},
		{Schema: "public", Table: "profiles"},
	}
}

func testSnapshot(t *testing.T) *metadata.Snapshot {
	t.Helper()
	snap, err := metadata.BuildSnapshot(testDescriptors(), testSchemas())
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	return snap
}

// fakeConn scripts query results in FIFO order and records every statement
// it is handed.
type fakeConn struct {
	mu       sync.Mutex
	queries  []string
	args     [][]any
	execs    []string
	results  [][]map[string]any
	affected int64

	begun     int
	commits   int
	rollbacks int
}

func (f *fakeConn) push(rows ...map[string]any) {
	f.results = append(f.results, rows)
}

func (f *fakeConn) pop() []map[string]any {
	if len(f.results) == 0 {
		return nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r
}

func (f *fakeConn) statements() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries) + len(f.execs)
}

func (f *fakeConn) QueryRows(_ context.Context, sql string, args ...any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	f.args = append(f.args, args)
	return f.pop(), nil
}

func (f *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) (map[string]any, error) {
	rows, err := f.QueryRows(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return rows[0], nil
}

func (f *fakeConn) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	f.args = append(f.args, args)
	return f.affected, nil
}

func (f *fakeConn) Begin(context.Context) (store.Tx, error) {
	f.mu.Lock()
	f.begun++
	f.mu.Unlock()
	return &fakeTx{conn: f}, nil
}

type fakeTx struct {
	conn *fakeConn
	done bool
}

func (t *fakeTx) QueryRows(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	return t.conn.QueryRows(ctx, sql, args...)
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) (map[string]any, error) {
	return t.conn.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return t.conn.Exec(ctx, sql, args...)
}

func (t *fakeTx) Commit(context.Context) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.done = true
	t.conn.commits++
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if !t.done {
		t.conn.rollbacks++
		t.done = true
	}
	return nil
}
