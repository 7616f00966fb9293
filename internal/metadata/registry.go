package metadata

import (
	"fmt"
	"sync/atomic"

	"gridbase/internal/store"
)

// Snapshot is one immutable resolution of all registered tables and their
// relation graph. Requests only ever see a fully built snapshot.
type Snapshot struct {
	tables    map[string]*Table
	relations map[string][]*Relation
}

// BuildSnapshot merges descriptors with their introspected schemas and
// resolves the relation graph. Any inconsistency is fatal here, never at
// request time.
func BuildSnapshot(descriptors []*TableDescriptor, schemas map[string]*store.TableSchema) (*Snapshot, error) {
	tables := make(map[string]*Table, len(descriptors))
	for _, td := range descriptors {
		if _, dup := tables[td.Table]; dup {
			return nil, fmt.Errorf("table %q registered twice", td.Table)
		}
		ts, ok := schemas[td.Table]
		if !ok {
			return nil, fmt.Errorf("no schema loaded for table %q", td.Table)
		}
		t, err := newTable(td, ts)
		if err != nil {
			return nil, err
		}
		tables[td.Table] = t
	}

	relations, err := deriveRelations(tables)
	if err != nil {
		return nil, err
	}

	return &Snapshot{tables: tables, relations: relations}, nil
}

// Table returns the table by name, or nil.
func (s *Snapshot) Table(name string) *Table {
	return s.tables[name]
}

// TableByPath returns the table with the given "schema/table" tag, or nil.
func (s *Snapshot) TableByPath(path string) *Table {
	for _, t := range s.tables {
		if t.Path() == path {
			return t
		}
	}
	return nil
}

// Tables returns all registered tables.
func (s *Snapshot) Tables() []*Table {
	out := make([]*Table, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t)
	}
	return out
}

// Relations returns every relation traversable from the named table.
func (s *Snapshot) Relations(table string) []*Relation {
	return s.relations[table]
}

// Relation resolves one relation of a table by name, or nil.
func (s *Snapshot) Relation(table, name string) *Relation {
	for _, r := range s.relations[table] {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// ParentRoutesOf returns the belongs-to edges of a table, used to mount
// single-row traversal routes through the foreign key.
func (s *Snapshot) ParentRoutesOf(table string) []*Relation {
	var out []*Relation
	for _, r := range s.relations[table] {
		if r.Kind == BelongsTo {
			out = append(out, r)
		}
	}
	return out
}

// ChildRoutesOf returns the has-many/has-one edges of a table, used to mount
// parent-scoped child listing and creation routes.
func (s *Snapshot) ChildRoutesOf(table string) []*Relation {
	var out []*Relation
	for _, r := range s.relations[table] {
		if r.Kind == HasMany || r.Kind == HasOne {
			out = append(out, r)
		}
	}
	return out
}

// Registry publishes snapshots atomically: readers load the current pointer
// and never observe a half-built graph.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Current returns the active snapshot, nil before the first Load.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Load swaps in a freshly built snapshot.
func (r *Registry) Load(s *Snapshot) {
	r.current.Store(s)
}
