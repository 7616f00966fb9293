package engine

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"gridbase/internal/metadata"
)

const (
	// DefaultLimit caps collection listings.
	DefaultLimit = 50
	// IDsLimit caps the primary-key-only listing.
	IDsLimit = 1000
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Scope carries the non-bypassable constraints derived from the request path
// and caller context. Scope predicates are ANDed into the statement ahead of
// user filters and cannot be removed by them.
type Scope struct {
	TenantColumn string
	TenantID     any
	ParentFK     string
	ParentID     any
}

// QueryValues renders the active scope as query parameters for canonical URLs.
func (s Scope) QueryValues() url.Values {
	v := url.Values{}
	if s.TenantColumn != "" {
		v.Set(s.TenantColumn, fmt.Sprintf("%v", s.TenantID))
	}
	if s.ParentFK != "" {
		v.Set(s.ParentFK, fmt.Sprintf("%v", s.ParentID))
	}
	return v
}

// IncludeNode is one requested eager load, possibly nested.
type IncludeNode struct {
	Relation *metadata.Relation
	Children []*IncludeNode
}

// ParseIncludes resolves a comma-separated include parameter (dot paths for
// nesting) against the table's relation graph.
func ParseIncludes(snap *metadata.Snapshot, t *metadata.Table, param string) ([]*IncludeNode, error) {
	if param == "" {
		return nil, nil
	}
	var roots []*IncludeNode
	for _, item := range strings.Split(param, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		table := t
		nodes := &roots
		for _, name := range strings.Split(item, ".") {
			rel := snap.Relation(table.Table, name)
			if rel == nil {
				return nil, ParamError("include", fmt.Sprintf("unknown relation %q on %s", name, table.Table))
			}
			node := findNode(*nodes, name)
			if node == nil {
				node = &IncludeNode{Relation: rel}
				*nodes = append(*nodes, node)
			}
			table = snap.Table(rel.Target)
			nodes = &node.Children
		}
	}
	return roots, nil
}

func findNode(nodes []*IncludeNode, name string) *IncludeNode {
	for _, n := range nodes {
		if n.Relation.Name == name {
			return n
		}
	}
	return nil
}

// ReadQuery is one planned read against a table.
type ReadQuery struct {
	Table    *metadata.Table
	Filters  *FilterGroup
	Scope    Scope
	Includes []*IncludeNode
	PK       any // optional primary-key equality (/:id)
	Page     int
	Limit    int
}

func (q *ReadQuery) limit() uint64 {
	if q.Limit > 0 {
		return uint64(q.Limit)
	}
	return DefaultLimit
}

// Planner composes relational statements for reads. It holds an immutable
// snapshot, so plans never observe a half-updated relation graph.
type Planner struct {
	snap *metadata.Snapshot
}

func NewPlanner(snap *metadata.Snapshot) *Planner {
	return &Planner{snap: snap}
}

// Select builds the collection statement: visible columns, scope constraints,
// user filters, eager-load sub-selects, deterministic ordering, pagination.
func (p *Planner) Select(q *ReadQuery) (string, []any, error) {
	t := q.Table
	alias := t.Table
	b := psql.Select(aliasColumns(alias, t.VisibleColumns())...).
		From(fromClause(t, alias))

	for _, node := range q.Includes {
		sub, err := p.includeSubquery(node, alias, 1, q.limit())
		if err != nil {
			return "", nil, err
		}
		b = b.Column(sq.Alias(sub, node.Relation.Name))
	}
	for _, name := range sortedGetterNames(t) {
		b = b.Column(sq.Alias(t.EagerGetters[name](alias), name))
	}

	b = p.applyWhere(b, q, alias)
	b = b.OrderBy(alias + "." + t.OrderColumn() + " ASC").
		Limit(q.limit())
	if q.Page > 1 {
		b = b.Offset(uint64(q.Page-1) * q.limit())
	}
	return b.ToSql()
}

// SelectIDs builds the primary-key-only listing.
func (p *Planner) SelectIDs(q *ReadQuery) (string, []any, error) {
	t := q.Table
	alias := t.Table
	limit := uint64(IDsLimit)
	if q.Limit > 0 {
		limit = uint64(q.Limit)
	}
	b := psql.Select(alias + "." + t.PrimaryKey).
		From(fromClause(t, alias))
	b = p.applyWhere(b, q, alias)
	b = b.OrderBy(alias + "." + t.OrderColumn() + " ASC").Limit(limit)
	if q.Page > 1 {
		b = b.Offset(uint64(q.Page-1) * limit)
	}
	return b.ToSql()
}

// Count wraps the same scope and filter logic in a count aggregate.
func (p *Planner) Count(q *ReadQuery) (string, []any, error) {
	t := q.Table
	alias := t.Table
	b := psql.Select("COUNT(*)").From(fromClause(t, alias))
	b = p.applyWhere(b, q, alias)
	return b.ToSql()
}

func (p *Planner) applyWhere(b sq.SelectBuilder, q *ReadQuery, alias string) sq.SelectBuilder {
	if q.Scope.TenantColumn != "" {
		b = b.Where(sq.Eq{alias + "." + q.Scope.TenantColumn: q.Scope.TenantID})
	}
	if q.Scope.ParentFK != "" {
		b = b.Where(sq.Eq{alias + "." + q.Scope.ParentFK: q.Scope.ParentID})
	}
	if q.PK != nil {
		b = b.Where(sq.Eq{alias + "." + q.Table.PrimaryKey: q.PK})
	}
	if q.Filters != nil {
		if szr := q.Filters.Sqlizer(alias); szr != nil {
			b = b.Where(szr)
		}
	}
	return b
}

// includeSubquery builds the correlated sub-select for one eager load.
// Set-valued relations aggregate to a JSON array capped at the collection
// limit; singular relations return one JSON object or null. Inner aliases
// are depth-qualified so self-referential chains cannot collide.
func (p *Planner) includeSubquery(node *IncludeNode, outerAlias string, depth int, limit uint64) (sq.Sqlizer, error) {
	rel := node.Relation
	target := p.snap.Table(rel.Target)
	if target == nil {
		return nil, fmt.Errorf("include %s: unregistered table %q", rel.Name, rel.Target)
	}
	owner := p.snap.Table(rel.Table)
	alias := fmt.Sprintf("%s_%d", target.Table, depth)

	inner := sq.Select(aliasColumns(alias, target.VisibleColumns())...).
		From(fromClause(target, alias))
	for _, child := range node.Children {
		sub, err := p.includeSubquery(child, alias, depth+1, limit)
		if err != nil {
			return nil, err
		}
		inner = inner.Column(sq.Alias(sub, child.Relation.Name))
	}

	switch rel.Kind {
	case metadata.BelongsTo:
		inner = inner.
			Where(sq.Expr(alias + "." + target.PrimaryKey + " = " + outerAlias + "." + rel.FKColumn)).
			Limit(1)
		return sq.Expr("(SELECT row_to_json(sub) FROM (?) sub)", inner), nil
	case metadata.HasOne:
		inner = inner.
			Where(sq.Expr(alias + "." + rel.FKColumn + " = " + outerAlias + "." + owner.PrimaryKey)).
			Limit(1)
		return sq.Expr("(SELECT row_to_json(sub) FROM (?) sub)", inner), nil
	default: // HasMany
		inner = inner.
			Where(sq.Expr(alias + "." + rel.FKColumn + " = " + outerAlias + "." + owner.PrimaryKey)).
			OrderBy(alias + "." + target.OrderColumn() + " ASC").
			Limit(limit)
		return sq.Expr("(SELECT COALESCE(json_agg(sub), '[]'::json) FROM (?) sub)", inner), nil
	}
}

func fromClause(t *metadata.Table, alias string) string {
	return fmt.Sprintf("%s.%s AS %s", t.Schema, t.Table, alias)
}

func aliasColumns(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return out
}

func sortedGetterNames(t *metadata.Table) []string {
	if len(t.EagerGetters) == 0 {
		return nil
	}
	names := make([]string, 0, len(t.EagerGetters))
	for name := range t.EagerGetters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
