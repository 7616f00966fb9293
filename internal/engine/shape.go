package engine

import (
	"fmt"
	"net/url"
	"strconv"

	"gridbase/internal/metadata"
)

// Shaper decorates rows with their type tag, canonical URL and hypermedia
// links, and recursively shapes eager-loaded sub-rows.
type Shaper struct {
	snap     *metadata.Snapshot
	basePath string
}

func NewShaper(snap *metadata.Snapshot, basePath string) *Shaper {
	return &Shaper{snap: snap, basePath: basePath}
}

// ShapeRow decorates one row in place and returns it. Active scope is carried
// into the canonical URL as query parameters.
func (s *Shaper) ShapeRow(t *metadata.Table, row map[string]any, scope Scope, includes []*IncludeNode) map[string]any {
	id := row[t.PrimaryKey]
	row["_type"] = t.Path()
	row["_url"] = s.rowURL(t, id, scope)

	links := make(map[string]string)
	for _, rel := range s.snap.Relations(t.Table) {
		switch rel.Kind {
		case metadata.BelongsTo:
			fkv := row[rel.FKColumn]
			if fkv == nil {
				continue
			}
			links[rel.Name] = fmt.Sprintf("%s/%s/%v", s.basePath, rel.Target, fkv)
		default:
			// Child links reproduce the parent constraint as a canonical
			// filter so following them round-trips through the compiler.
			fg := &FilterGroup{And: []FilterClause{{
				Column: rel.FKColumn,
				Cmp:    CmpEq,
				Raw:    []string{fmt.Sprintf("%v", id)},
			}}}
			links[rel.Name] = s.basePath + "/" + rel.Target + "?" + fg.QueryValues().Encode()
		}
	}
	row["_links"] = links

	for _, node := range includes {
		target := s.snap.Table(node.Relation.Target)
		if target == nil {
			continue
		}
		switch v := row[node.Relation.Name].(type) {
		case []any:
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					s.ShapeRow(target, m, Scope{}, node.Children)
				}
			}
		case map[string]any:
			s.ShapeRow(target, v, Scope{}, node.Children)
		}
	}
	return row
}

func (s *Shaper) rowURL(t *metadata.Table, id any, scope Scope) string {
	u := fmt.Sprintf("%s/%s/%v", s.basePath, t.Table, id)
	if qs := scope.QueryValues().Encode(); qs != "" {
		u += "?" + qs
	}
	return u
}

// PageLinks builds self/next/prev links for a collection response,
// reproducing the request's filters and includes canonically.
func (s *Shaper) PageLinks(t *metadata.Table, filters *FilterGroup, includeParam string, scope Scope, page, limit int, total int64) map[string]string {
	base := s.basePath + "/" + t.Table

	render := func(p int) string {
		q := url.Values{}
		if filters != nil {
			q = filters.QueryValues()
		}
		for k, vs := range scope.QueryValues() {
			q[k] = vs
		}
		if includeParam != "" {
			q.Set("include", includeParam)
		}
		q.Set("page", strconv.Itoa(p))
		q.Set("limit", strconv.Itoa(limit))
		return base + "?" + q.Encode()
	}

	links := map[string]string{"self": render(page)}
	if int64(page)*int64(limit) < total {
		links["next"] = render(page + 1)
	}
	if page > 1 {
		links["prev"] = render(page - 1)
	}
	return links
}
