package metadata

import (
	"fmt"
	"strings"
)

type RelationKind string

const (
	BelongsTo RelationKind = "belongs_to"
	HasMany   RelationKind = "has_many"
	HasOne    RelationKind = "has_one"
)

// Relation is one directional edge of the relation graph, attached to the
// table it is traversed from. For BelongsTo the foreign key lives on the
// owning table; for HasMany/HasOne it lives on the target.
type Relation struct {
	Name     string
	Kind     RelationKind
	Table    string // table this relation is mounted on
	Target   string // table the traversal reaches
	FKColumn string // foreign-key column on the child side
}

// Singular reports whether the traversal yields at most one row.
func (r *Relation) Singular() bool {
	return r.Kind == BelongsTo || r.Kind == HasOne
}

// deriveRelations computes the full relation graph from introspected foreign
// keys. Foreign keys referencing unregistered tables are ignored. Two foreign
// keys from one child to the same parent get names derived from their columns,
// so derivation is never ambiguous.
func deriveRelations(tables map[string]*Table) (map[string][]*Relation, error) {
	rels := make(map[string][]*Relation, len(tables))

	for _, child := range tables {
		for _, fk := range child.ForeignKeys {
			parent, ok := tables[fk.RefTable]
			if !ok || parent.Schema != fk.RefSchema {
				continue
			}
			if fk.RefColumn != parent.PrimaryKey {
				return nil, fmt.Errorf("relation %s.%s -> %s.%s: referenced column is not the primary key",
					child.Table, fk.Column, parent.Table, fk.RefColumn)
			}

			inverse := HasMany
			if fk.Column == child.PrimaryKey {
				// FK doubling as the primary key is a 1:1 extension table.
				inverse = HasOne
			}

			rels[child.Table] = append(rels[child.Table], &Relation{
				Name:     parentRelationName(fk.Column, parent.Table),
				Kind:     BelongsTo,
				Table:    child.Table,
				Target:   parent.Table,
				FKColumn: fk.Column,
			})
			rels[parent.Table] = append(rels[parent.Table], &Relation{
				Name:     childRelationName(child, fk.Column, parent.Table),
				Kind:     inverse,
				Table:    parent.Table,
				Target:   child.Table,
				FKColumn: fk.Column,
			})
		}
	}

	for table, list := range rels {
		seen := make(map[string]bool, len(list))
		for _, r := range list {
			if seen[r.Name] {
				return nil, fmt.Errorf("table %s: duplicate relation name %q", table, r.Name)
			}
			seen[r.Name] = true
		}
	}
	return rels, nil
}

// parentRelationName names the belongs-to edge after the FK column
// ("author_id" -> "author"), falling back to the singular parent table name.
func parentRelationName(fkColumn, parentTable string) string {
	if name := strings.TrimSuffix(fkColumn, "_id"); name != fkColumn && name != "" {
		return name
	}
	return singularize(parentTable)
}

// childRelationName names the inverse edge after the child table, qualified
// by the FK role when the child holds several FKs to the same parent.
func childRelationName(child *Table, fkColumn, parentTable string) string {
	count := 0
	for _, fk := range child.ForeignKeys {
		if fk.RefTable == parentTable {
			count++
		}
	}
	if count > 1 {
		return child.Table + "_as_" + parentRelationName(fkColumn, parentTable)
	}
	return child.Table
}

func singularize(s string) string {
	switch {
	case strings.HasSuffix(s, "ies"):
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(s, "ses"):
		return s[:len(s)-2]
	case strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss"):
		return s[:len(s)-1]
	default:
		return s
	}
}
