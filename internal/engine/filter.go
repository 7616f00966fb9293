package engine

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"gridbase/internal/metadata"
)

type Comparator string

const (
	CmpEq  Comparator = "eq"
	CmpNeq Comparator = "neq"
	CmpLt  Comparator = "lt"
	CmpLte Comparator = "lte"
	CmpGt  Comparator = "gt"
	CmpGte Comparator = "gte"
	CmpFts Comparator = "fts"
)

var comparators = map[string]Comparator{
	"eq": CmpEq, "neq": CmpNeq,
	"lt": CmpLt, "lte": CmpLte,
	"gt": CmpGt, "gte": CmpGte,
	"fts": CmpFts,
}

// Negating a comparator swaps it for its complement, which is equivalent
// under SQL three-valued logic. fts has no complement operator and renders
// as NOT LIKE instead.
var negated = map[Comparator]Comparator{
	CmpEq: CmpNeq, CmpNeq: CmpEq,
	CmpLt: CmpGte, CmpGte: CmpLt,
	CmpLte: CmpGt, CmpGt: CmpLte,
}

// FilterClause is one parsed leaf of the filter DSL.
type FilterClause struct {
	Column     string
	Cmp        Comparator
	Not        bool
	Membership bool
	Raw        []string // original parameter values, kept for link rendering
	Values     []any    // coerced by column type
}

// Key renders the clause back to its canonical parameter name.
func (c *FilterClause) Key() string {
	k := c.Column
	if c.Not {
		k += ".not"
	}
	if c.Cmp != CmpEq {
		k += "." + string(c.Cmp)
	}
	if c.Membership {
		k += "[]"
	}
	return k
}

// OrGroup is one named group of AND-ed clauses, OR-ed against the top level.
type OrGroup struct {
	Name    string
	Clauses []FilterClause
}

// FilterGroup is the compiled form of a request's filter parameters. The
// grouping depends only on the parameter namespace, never on parameter
// order: clauses and groups are kept sorted by canonical key.
type FilterGroup struct {
	And []FilterClause
	Or  []OrGroup
}

// Empty reports whether no clause was compiled.
func (g *FilterGroup) Empty() bool {
	return len(g.And) == 0 && len(g.Or) == 0
}

// CompileFilters turns a flat parameter mapping into a FilterGroup, or fails
// with a validation error naming the offending key.
func CompileFilters(t *metadata.Table, params map[string][]string) (*FilterGroup, error) {
	g := &FilterGroup{}
	orGroups := make(map[string]*OrGroup)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		vals := params[key]
		if len(vals) == 0 {
			continue
		}
		inner, isOr, err := splitGroupKey(key)
		if err != nil {
			return nil, err
		}
		clause, err := parseClause(t, key, inner, vals)
		if err != nil {
			return nil, err
		}
		if isOr {
			grp, ok := orGroups[clause.Column]
			if !ok {
				grp = &OrGroup{Name: clause.Column}
				orGroups[clause.Column] = grp
			}
			grp.Clauses = append(grp.Clauses, clause)
		} else {
			g.And = append(g.And, clause)
		}
	}

	sortClauses(g.And)
	names := make([]string, 0, len(orGroups))
	for name := range orGroups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		grp := orGroups[name]
		sortClauses(grp.Clauses)
		g.Or = append(g.Or, *grp)
	}
	return g, nil
}

func sortClauses(cs []FilterClause) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Key() < cs[j].Key() })
}

// splitGroupKey peels the or[...]/and[...] namespace off a parameter name.
// and[...] clauses join the implicit top-level AND set.
func splitGroupKey(key string) (inner string, isOr bool, err error) {
	var prefix string
	switch {
	case strings.HasPrefix(key, "or["):
		prefix, isOr = "or[", true
	case strings.HasPrefix(key, "and["):
		prefix = "and["
	default:
		return key, false, nil
	}
	idx := strings.Index(key, "]")
	if idx < len(prefix) {
		return "", false, ParamError(key, "malformed group key")
	}
	inner = key[len(prefix):idx]
	switch rest := key[idx+1:]; rest {
	case "":
	case "[]":
		inner += "[]"
	default:
		return "", false, ParamError(key, "malformed group key")
	}
	if inner == "" || inner == "[]" {
		return "", false, ParamError(key, "malformed group key")
	}
	return inner, isOr, nil
}

func parseClause(t *metadata.Table, fullKey, k string, vals []string) (FilterClause, error) {
	var c FilterClause
	if strings.HasSuffix(k, "[]") {
		c.Membership = true
		k = strings.TrimSuffix(k, "[]")
	}

	parts := strings.Split(k, ".")
	c.Column = parts[0]
	if !t.Filterable(c.Column) {
		return c, ParamError(fullKey, fmt.Sprintf("unknown column %q", c.Column))
	}

	mods := parts[1:]
	if len(mods) > 0 && mods[0] == "not" {
		c.Not = true
		mods = mods[1:]
	}
	c.Cmp = CmpEq
	if len(mods) > 0 {
		cmp, ok := comparators[mods[0]]
		if !ok {
			return c, ParamError(fullKey, fmt.Sprintf("unknown comparator %q", mods[0]))
		}
		c.Cmp = cmp
		mods = mods[1:]
	}
	if len(mods) > 0 {
		return c, ParamError(fullKey, fmt.Sprintf("unexpected modifier %q", mods[0]))
	}

	if len(vals) > 1 {
		c.Membership = true
	}
	if c.Membership && c.Cmp != CmpEq {
		return c, ParamError(fullKey, "value sets support equality only")
	}

	col := t.Column(c.Column)
	c.Raw = vals
	c.Values = make([]any, len(vals))
	for i, raw := range vals {
		v, err := coerceParam(col, raw)
		if err != nil {
			return c, ParamError(fullKey, err.Error())
		}
		c.Values[i] = v
	}
	return c, nil
}

// QueryValues renders the group back to its canonical parameter form. The
// round trip CompileFilters(QueryValues(g)) yields an equivalent group, which
// keeps generated links stable.
func (g *FilterGroup) QueryValues() url.Values {
	v := url.Values{}
	for _, c := range g.And {
		v[c.Key()] = append([]string(nil), c.Raw...)
	}
	for _, grp := range g.Or {
		for _, c := range grp.Clauses {
			key := c.Key()
			base := strings.TrimSuffix(key, "[]")
			out := "or[" + base + "]"
			if base != key {
				out += "[]"
			}
			v[out] = append([]string(nil), c.Raw...)
		}
	}
	return v
}

// Sqlizer renders the group as a predicate over the given table alias:
// top-level clauses AND-ed, then OR-ed against each parenthesized group.
// Returns nil when the group is empty.
func (g *FilterGroup) Sqlizer(alias string) sq.Sqlizer {
	top := clausesSqlizer(g.And, alias)
	if len(g.Or) == 0 {
		return top
	}
	or := sq.Or{}
	if top != nil {
		or = append(or, top)
	}
	for _, grp := range g.Or {
		or = append(or, clausesSqlizer(grp.Clauses, alias))
	}
	return or
}

func clausesSqlizer(cs []FilterClause, alias string) sq.Sqlizer {
	if len(cs) == 0 {
		return nil
	}
	and := make(sq.And, 0, len(cs))
	for i := range cs {
		and = append(and, clauseSqlizer(&cs[i], alias))
	}
	return and
}

func clauseSqlizer(c *FilterClause, alias string) sq.Sqlizer {
	col := alias + "." + c.Column
	if c.Membership {
		if c.Not {
			return sq.NotEq{col: c.Values}
		}
		return sq.Eq{col: c.Values}
	}

	v := c.Values[0]
	cmp := c.Cmp
	if c.Not && cmp != CmpFts {
		cmp = negated[cmp]
	}
	switch cmp {
	case CmpEq:
		return sq.Eq{col: v}
	case CmpNeq:
		return sq.NotEq{col: v}
	case CmpLt:
		return sq.Lt{col: v}
	case CmpLte:
		return sq.LtOrEq{col: v}
	case CmpGt:
		return sq.Gt{col: v}
	case CmpGte:
		return sq.GtOrEq{col: v}
	case CmpFts:
		if c.Not {
			return sq.NotLike{col: v}
		}
		return sq.Like{col: v}
	default:
		return sq.Eq{col: v}
	}
}
