package engine

import (
	"reflect"
	"testing"

	sq "github.com/Masterminds/squirrel"

	"gridbase/internal/metadata"
	"gridbase/internal/store"
)

func TestSelectCollection(t *testing.T) {
	snap := testSnapshot(t)
	books := snap.Table("books")
	filters, err := CompileFilters(books, map[string][]string{"author_id": {"5"}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	sql, args, err := NewPlanner(snap).Select(&ReadQuery{Table: books, Filters: filters})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	want := "SELECT books.id, books.title, books.pages, books.author_id " +
		"FROM public.books AS books " +
		"WHERE (books.author_id = $1) " +
		"ORDER BY books.id ASC LIMIT 50"
	if sql != want {
		t.Errorf("sql = %q\nwant  %q", sql, want)
	}
	if !reflect.DeepEqual(args, []any{int64(5)}) {
		t.Errorf("args = %v", args)
	}
}

func TestSelectHidesColumns(t *testing.T) {
	snap := testSnapshot(t)
	authors := snap.Table("authors")
	sql, _, err := NewPlanner(snap).Select(&ReadQuery{Table: authors})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	want := "SELECT authors.id, authors.name, authors.rating " +
		"FROM public.authors AS authors " +
		"ORDER BY authors.id ASC LIMIT 50"
	if sql != want {
		t.Errorf("sql = %q\nwant  %q", sql, want)
	}
}

func TestSelectPagination(t *testing.T) {
	snap := testSnapshot(t)
	books := snap.Table("books")
	sql, _, err := NewPlanner(snap).Select(&ReadQuery{Table: books, Page: 3, Limit: 10})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	want := "SELECT books.id, books.title, books.pages, books.author_id " +
		"FROM public.books AS books " +
		"ORDER BY books.id ASC LIMIT 10 OFFSET 20"
	if sql != want {
		t.Errorf("sql = %q\nwant  %q", sql, want)
	}
}

func TestSelectScopeOrdering(t *testing.T) {
	schemas := map[string]*store.TableSchema{
		"notes": {
			Schema:     "public",
			Name:       "notes",
			PrimaryKey: "id",
			Columns: []store.Column{
				{Name: "id", DataType: "integer"},
				{Name: "org_id", DataType: "text"},
				{Name: "author_id", DataType: "integer"},
				{Name: "title", DataType: "text"},
			},
		},
	}
	snap, err := metadata.BuildSnapshot([]*metadata.TableDescriptor{
		{Schema: "public", Table: "notes", TenantColumn: "org_id"},
	}, schemas)
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	notes := snap.Table("notes")
	filters, err := CompileFilters(notes, map[string][]string{"title": {"x"}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	sql, args, err := NewPlanner(snap).Select(&ReadQuery{
		Table:   notes,
		Filters: filters,
		Scope:   Scope{TenantColumn: "org_id", TenantID: "t1", ParentFK: "author_id", ParentID: int64(7)},
		PK:      int64(3),
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	// Scope constraints land ahead of user filters and cannot be displaced
	// by them.
	want := "SELECT notes.id, notes.org_id, notes.author_id, notes.title " +
		"FROM public.notes AS notes " +
		"WHERE notes.org_id = $1 AND notes.author_id = $2 AND notes.id = $3 AND (notes.title = $4) " +
		"ORDER BY notes.id ASC LIMIT 50"
	if sql != want {
		t.Errorf("sql = %q\nwant  %q", sql, want)
	}
	wantArgs := []any{"t1", int64(7), int64(3), "x"}
	if !reflect.DeepEqual(args, wantArgs) {
		t.Errorf("args = %v, want %v", args, wantArgs)
	}
}

func TestSelectBelongsToInclude(t *testing.T) {
	snap := testSnapshot(t)
	books := snap.Table("books")
	includes, err := ParseIncludes(snap, books, "author")
	if err != nil {
		t.Fatalf("includes: %v", err)
	}
	sql, args, err := NewPlanner(snap).Select(&ReadQuery{Table: books, Includes: includes})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	want := "SELECT books.id, books.title, books.pages, books.author_id, " +
		"((SELECT row_to_json(sub) FROM (" +
		"SELECT authors_1.id, authors_1.name, authors_1.rating " +
		"FROM public.authors AS authors_1 " +
		"WHERE authors_1.id = books.author_id LIMIT 1) sub)) AS author " +
		"FROM public.books AS books " +
		"ORDER BY books.id ASC LIMIT 50"
	if sql != want {
		t.Errorf("sql = %q\nwant  %q", sql, want)
	}
	if len(args) != 0 {
		t.Errorf("args = %v, want none", args)
	}
}

func TestSelectHasManyInclude(t *testing.T) {
	snap := testSnapshot(t)
	authors := snap.Table("authors")
	includes, err := ParseIncludes(snap, authors, "books")
	if err != nil {
		t.Fatalf("includes: %v", err)
	}
	sql, _, err := NewPlanner(snap).Select(&ReadQuery{Table: authors, Includes: includes})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	want := "SELECT authors.id, authors.name, authors.rating, " +
		"((SELECT COALESCE(json_agg(sub), '[]'::json) FROM (" +
		"SELECT books_1.id, books_1.title, books_1.pages, books_1.author_id " +
		"FROM public.books AS books_1 " +
		"WHERE books_1.author_id = authors.id " +
		"ORDER BY books_1.id ASC LIMIT 50) sub)) AS books " +
		"FROM public.authors AS authors " +
		"ORDER BY authors.id ASC LIMIT 50"
	if sql != want {
		t.Errorf("sql = %q\nwant  %q", sql, want)
	}
}

func TestSelectNestedInclude(t *testing.T) {
	snap := testSnapshot(t)
	books := snap.Table("books")
	includes, err := ParseIncludes(snap, books, "author.profiles")
	if err != nil {
		t.Fatalf("includes: %v", err)
	}
	sql, _, err := NewPlanner(snap).Select(&ReadQuery{Table: books, Includes: includes})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	// Inner aliases carry the nesting depth, so self-referential chains
	// cannot collide.
	want := "SELECT books.id, books.title, books.pages, books.author_id, " +
		"((SELECT row_to_json(sub) FROM (" +
		"SELECT authors_1.id, authors_1.name, authors_1.rating, " +
		"((SELECT row_to_json(sub) FROM (" +
		"SELECT profiles_2.id, profiles_2.bio " +
		"FROM public.profiles AS profiles_2 " +
		"WHERE profiles_2.id = authors_1.id LIMIT 1) sub)) AS profiles " +
		"FROM public.authors AS authors_1 " +
		"WHERE authors_1.id = books.author_id LIMIT 1) sub)) AS author " +
		"FROM public.books AS books " +
		"ORDER BY books.id ASC LIMIT 50"
	if sql != want {
		t.Errorf("sql = %q\nwant  %q", sql, want)
	}
}

func TestParseIncludesMergesPaths(t *testing.T) {
	snap := testSnapshot(t)
	authors := snap.Table("authors")
	includes, err := ParseIncludes(snap, authors, "books, profiles, books")
	if err != nil {
		t.Fatalf("includes: %v", err)
	}
	if len(includes) != 2 {
		t.Fatalf("expected 2 merged roots, got %d", len(includes))
	}

	if _, err := ParseIncludes(snap, authors, "nope"); err == nil {
		t.Error("expected error for unknown relation")
	}
}

func TestSelectEagerGetterColumns(t *testing.T) {
	descs := testDescriptors()
	descs[0].EagerGetters = map[string]metadata.EagerGetter{
		"book_count": func(outer string) sq.Sqlizer {
			return sq.Expr("(SELECT COUNT(*) FROM public.books b WHERE b.author_id = " + outer + ".id)")
		},
	}
	snap, err := metadata.BuildSnapshot(descs, testSchemas())
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	sql, _, err := NewPlanner(snap).Select(&ReadQuery{Table: snap.Table("authors")})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	want := "SELECT authors.id, authors.name, authors.rating, " +
		"((SELECT COUNT(*) FROM public.books b WHERE b.author_id = authors.id)) AS book_count " +
		"FROM public.authors AS authors " +
		"ORDER BY authors.id ASC LIMIT 50"
	if sql != want {
		t.Errorf("sql = %q\nwant  %q", sql, want)
	}
}

func TestSelectIDs(t *testing.T) {
	snap := testSnapshot(t)
	books := snap.Table("books")
	sql, _, err := NewPlanner(snap).SelectIDs(&ReadQuery{Table: books})
	if err != nil {
		t.Fatalf("select ids: %v", err)
	}
	want := "SELECT books.id FROM public.books AS books ORDER BY books.id ASC LIMIT 1000"
	if sql != want {
		t.Errorf("sql = %q\nwant  %q", sql, want)
	}
}

func TestCount(t *testing.T) {
	snap := testSnapshot(t)
	books := snap.Table("books")
	filters, err := CompileFilters(books, map[string][]string{"author_id": {"5"}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	sql, args, err := NewPlanner(snap).Count(&ReadQuery{Table: books, Filters: filters, Page: 9, Limit: 5})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	// Pagination never leaks into the aggregate.
	want := "SELECT COUNT(*) FROM public.books AS books WHERE (books.author_id = $1)"
	if sql != want {
		t.Errorf("sql = %q\nwant  %q", sql, want)
	}
	if !reflect.DeepEqual(args, []any{int64(5)}) {
		t.Errorf("args = %v", args)
	}
}
