package engine

import (
	"reflect"
	"testing"
)

func TestValidatePayloadCreate(t *testing.T) {
	snap := testSnapshot(t)
	books := snap.Table("books")

	fields, errs := ValidatePayload(books, map[string]any{
		"title":     "Go",
		"author_id": float64(3),
		"pages":     float64(120),
	}, true)
	if errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
	want := map[string]any{"title": "Go", "author_id": int64(3), "pages": int64(120)}
	if !reflect.DeepEqual(fields, want) {
		t.Errorf("fields = %v, want %v", fields, want)
	}
}

func TestValidatePayloadMissingRequired(t *testing.T) {
	snap := testSnapshot(t)
	books := snap.Table("books")

	_, errs := ValidatePayload(books, map[string]any{"title": "Go"}, true)
	if errs == nil {
		t.Fatal("expected errors")
	}
	if errs["author_id"] != "is required" {
		t.Errorf("author_id error = %q", errs["author_id"])
	}
	// pages is nullable, so it is not required.
	if _, ok := errs["pages"]; ok {
		t.Errorf("pages should not be required: %v", errs)
	}
}

func TestValidatePayloadPatchSkipsAbsent(t *testing.T) {
	snap := testSnapshot(t)
	books := snap.Table("books")

	fields, errs := ValidatePayload(books, map[string]any{"pages": float64(5)}, false)
	if errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if !reflect.DeepEqual(fields, map[string]any{"pages": int64(5)}) {
		t.Errorf("fields = %v", fields)
	}
}

func TestValidatePayloadErrors(t *testing.T) {
	snap := testSnapshot(t)
	books := snap.Table("books")

	cases := []struct {
		name string
		body map[string]any
		key  string
		msg  string
	}{
		{"unknown column", map[string]any{"nope": 1}, "nope", "unknown column"},
		{"null non-nullable", map[string]any{"title": nil}, "title", "must not be null"},
		{"wrong type", map[string]any{"pages": "many"}, "pages", "expected integer"},
		{"fractional integer", map[string]any{"pages": float64(1.5)}, "pages", "expected integer"},
	}
	for _, c := range cases {
		_, errs := ValidatePayload(books, c.body, false)
		if errs == nil {
			t.Errorf("%s: expected errors", c.name)
			continue
		}
		if errs[c.key] != c.msg {
			t.Errorf("%s: errs[%s] = %q, want %q", c.name, c.key, errs[c.key], c.msg)
		}
	}
}

func TestValidatePayloadStripsNonWritable(t *testing.T) {
	snap := testSnapshot(t)
	books := snap.Table("books")

	// The primary key and shape decorations are silently dropped, never
	// errors: read-modify-write round trips must stay valid.
	fields, errs := ValidatePayload(books, map[string]any{
		"id":     float64(9),
		"_type":  "public/books",
		"_url":   "/api/books/9",
		"_links": map[string]any{},
		"pages":  float64(5),
	}, false)
	if errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if _, ok := fields["id"]; ok {
		t.Error("primary key must not be writable")
	}
	if !reflect.DeepEqual(fields, map[string]any{"pages": int64(5)}) {
		t.Errorf("fields = %v", fields)
	}
}

func TestValidatePayloadNullableNull(t *testing.T) {
	snap := testSnapshot(t)
	books := snap.Table("books")
	fields, errs := ValidatePayload(books, map[string]any{"pages": nil}, false)
	if errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
	v, ok := fields["pages"]
	if !ok || v != nil {
		t.Errorf("pages = %v (present=%v), want explicit null", v, ok)
	}
}

func TestCoerceBodyAcceptsNativeTypes(t *testing.T) {
	snap := testSnapshot(t)
	books := snap.Table("books")

	// Merged payloads carry values that already came out of the database.
	fields, errs := ValidatePayload(books, map[string]any{
		"title":     "Go",
		"author_id": int64(3),
		"pages":     int64(9),
	}, true)
	if errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if fields["author_id"] != int64(3) {
		t.Errorf("author_id = %v", fields["author_id"])
	}
}
