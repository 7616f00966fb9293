package engine

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"gridbase/internal/auth"
	"gridbase/internal/metadata"
)

// Handler serves the registered tables over HTTP. All route semantics live
// here; statement construction stays in the planner and write pipeline.
type Handler struct {
	engine *Engine
}

func NewHandler(e *Engine) *Handler {
	return &Handler{engine: e}
}

func (h *Handler) resolve(c *fiber.Ctx) (*metadata.Snapshot, *metadata.Table, error) {
	snap, err := h.engine.snapshot(c.Context())
	if err != nil {
		return nil, nil, err
	}
	name := c.Params("table")
	t := snap.Table(name)
	if t == nil {
		return nil, nil, NewNotFound("resource "+name, nil)
	}
	return snap, t, nil
}

// scopeFor derives the tenant constraint for a table from the caller's
// context. Tables without a tenant column are unscoped.
func (h *Handler) scopeFor(c *fiber.Ctx, t *metadata.Table) (Scope, error) {
	if t.TenantColumn == "" {
		return Scope{}, nil
	}
	user := auth.GetUser(c)
	if user == nil || user.TenantID == "" {
		return Scope{}, NewStatusError(fiber.StatusUnauthorized, "tenant context required")
	}
	tv, err := coerceParam(t.Column(t.TenantColumn), user.TenantID)
	if err != nil {
		return Scope{}, NewStatusError(fiber.StatusUnauthorized, "invalid tenant context")
	}
	return Scope{TenantColumn: t.TenantColumn, TenantID: tv}, nil
}

func (h *Handler) pkValue(t *metadata.Table, raw string) (any, error) {
	v, err := coerceParam(t.Column(t.PrimaryKey), raw)
	if err != nil {
		return nil, NewNotFound(t.Table, raw)
	}
	return v, nil
}

// filterParams collects every query parameter except the reserved paging and
// include keys, preserving repeats for membership filters.
func filterParams(c *fiber.Ctx) map[string][]string {
	params := map[string][]string{}
	c.Context().QueryArgs().VisitAll(func(key, val []byte) {
		k := string(key)
		switch k {
		case "page", "limit", "include":
			return
		}
		params[k] = append(params[k], string(val))
	})
	return params
}

func intQuery(c *fiber.Ctx, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, ParamError(key, "must be a positive integer")
	}
	return n, nil
}

func (h *Handler) readQuery(c *fiber.Ctx, snap *metadata.Snapshot, t *metadata.Table) (*ReadQuery, string, error) {
	scope, err := h.scopeFor(c, t)
	if err != nil {
		return nil, "", err
	}
	filters, err := CompileFilters(t, filterParams(c))
	if err != nil {
		return nil, "", err
	}
	includeParam := c.Query("include")
	includes, err := ParseIncludes(snap, t, includeParam)
	if err != nil {
		return nil, "", err
	}
	page, err := intQuery(c, "page", 1)
	if err != nil {
		return nil, "", err
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		return nil, "", err
	}
	if limit > IDsLimit {
		limit = IDsLimit
	}
	return &ReadQuery{
		Table:    t,
		Filters:  filters,
		Scope:    scope,
		Includes: includes,
		Page:     page,
		Limit:    limit,
	}, includeParam, nil
}

func parseBody(c *fiber.Ctx) (map[string]any, error) {
	if len(c.Body()) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Body(), &m); err != nil {
		return nil, ParamError("body", "invalid JSON object")
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func (h *Handler) publish(cs *ChangeSummary) {
	if len(cs.Entries) > 0 {
		h.engine.hub.Publish(cs)
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	}
	panic(fmt.Sprintf("non-numeric count value %T", v))
}

// List serves GET /:table with filters, includes and pagination.
func (h *Handler) List(c *fiber.Ctx) error {
	snap, t, err := h.resolve(c)
	if err != nil {
		return err
	}
	q, includeParam, err := h.readQuery(c, snap, t)
	if err != nil {
		return err
	}
	planner := NewPlanner(snap)
	sql, args, err := planner.Select(q)
	if err != nil {
		return err
	}
	rows, err := h.engine.db.QueryRows(c.Context(), sql, args...)
	if err != nil {
		return err
	}
	csql, cargs, err := planner.Count(q)
	if err != nil {
		return err
	}
	crow, err := h.engine.db.QueryRow(c.Context(), csql, cargs...)
	if err != nil {
		return err
	}
	total := asInt64(crow["count"])

	sh := NewShaper(snap, h.engine.basePath)
	if rows == nil {
		rows = []map[string]any{}
	}
	for _, row := range rows {
		sh.ShapeRow(t, row, q.Scope, q.Includes)
	}
	limit := int(q.limit())
	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{
			"page":  q.Page,
			"limit": limit,
			"total": total,
			"links": sh.PageLinks(t, q.Filters, includeParam, q.Scope, q.Page, limit, total),
		},
	})
}

// Ids serves GET /:table/ids, the primary-key-only listing.
func (h *Handler) Ids(c *fiber.Ctx) error {
	snap, t, err := h.resolve(c)
	if err != nil {
		return err
	}
	q, _, err := h.readQuery(c, snap, t)
	if err != nil {
		return err
	}
	sql, args, err := NewPlanner(snap).SelectIDs(q)
	if err != nil {
		return err
	}
	rows, err := h.engine.db.QueryRows(c.Context(), sql, args...)
	if err != nil {
		return err
	}
	ids := make([]any, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row[t.PrimaryKey])
	}
	return c.JSON(fiber.Map{"data": ids})
}

// Count serves GET /:table/count as a bare integer.
func (h *Handler) Count(c *fiber.Ctx) error {
	snap, t, err := h.resolve(c)
	if err != nil {
		return err
	}
	q, _, err := h.readQuery(c, snap, t)
	if err != nil {
		return err
	}
	sql, args, err := NewPlanner(snap).Count(q)
	if err != nil {
		return err
	}
	row, err := h.engine.db.QueryRow(c.Context(), sql, args...)
	if err != nil {
		return err
	}
	return c.JSON(asInt64(row["count"]))
}

// First serves GET /:table/first: the first row under the current filters
// and deterministic ordering, or 404.
func (h *Handler) First(c *fiber.Ctx) error {
	snap, t, err := h.resolve(c)
	if err != nil {
		return err
	}
	q, _, err := h.readQuery(c, snap, t)
	if err != nil {
		return err
	}
	q.Limit = 1
	q.Page = 1
	sql, args, err := NewPlanner(snap).Select(q)
	if err != nil {
		return err
	}
	rows, err := h.engine.db.QueryRows(c.Context(), sql, args...)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return NewNotFound(t.Table, nil)
	}
	sh := NewShaper(snap, h.engine.basePath)
	return c.JSON(fiber.Map{"data": sh.ShapeRow(t, rows[0], q.Scope, q.Includes)})
}

// GetByID serves GET /:table/:id. Filter parameters apply exactly as on the
// collection path, with the primary key pinned on top, so a filter that
// excludes the row turns into a 404.
func (h *Handler) GetByID(c *fiber.Ctx) error {
	snap, t, err := h.resolve(c)
	if err != nil {
		return err
	}
	id, err := h.pkValue(t, c.Params("id"))
	if err != nil {
		return err
	}
	q, _, err := h.readQuery(c, snap, t)
	if err != nil {
		return err
	}
	q.PK = id
	q.Limit = 1
	q.Page = 1
	sql, args, err := NewPlanner(snap).Select(q)
	if err != nil {
		return err
	}
	rows, err := h.engine.db.QueryRows(c.Context(), sql, args...)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return NewNotFound(t.Table, nil)
	}
	sh := NewShaper(snap, h.engine.basePath)
	return c.JSON(fiber.Map{"data": sh.ShapeRow(t, rows[0], q.Scope, q.Includes)})
}

// Create serves POST /:table. The response body is the change summary.
func (h *Handler) Create(c *fiber.Ctx) error {
	snap, t, err := h.resolve(c)
	if err != nil {
		return err
	}
	scope, err := h.scopeFor(c, t)
	if err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	includes, err := ParseIncludes(snap, t, c.Query("include"))
	if err != nil {
		return err
	}
	cs := NewChangeSummary()
	if _, err := h.engine.Create(c.Context(), snap, t, scope, auth.GetUser(c), body, includes, nil, cs); err != nil {
		return err
	}
	h.publish(cs)
	return c.Status(fiber.StatusCreated).JSON(cs)
}

// Update serves PUT /:table/:id with patch semantics.
func (h *Handler) Update(c *fiber.Ctx) error {
	snap, t, err := h.resolve(c)
	if err != nil {
		return err
	}
	id, err := h.pkValue(t, c.Params("id"))
	if err != nil {
		return err
	}
	scope, err := h.scopeFor(c, t)
	if err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	includes, err := ParseIncludes(snap, t, c.Query("include"))
	if err != nil {
		return err
	}
	cs := NewChangeSummary()
	if _, err := h.engine.Update(c.Context(), snap, t, id, scope, auth.GetUser(c), body, includes, cs); err != nil {
		return err
	}
	h.publish(cs)
	return c.JSON(cs)
}

// Delete serves DELETE /:table/:id.
func (h *Handler) Delete(c *fiber.Ctx) error {
	snap, t, err := h.resolve(c)
	if err != nil {
		return err
	}
	id, err := h.pkValue(t, c.Params("id"))
	if err != nil {
		return err
	}
	scope, err := h.scopeFor(c, t)
	if err != nil {
		return err
	}
	cs := NewChangeSummary()
	if err := h.engine.Delete(c.Context(), snap, t, id, scope, auth.GetUser(c), cs); err != nil {
		return err
	}
	h.publish(cs)
	return c.JSON(cs)
}

// ValidateNew serves POST /:table/validate: the create-shaped check with no
// database write.
func (h *Handler) ValidateNew(c *fiber.Ctx) error {
	_, t, err := h.resolve(c)
	if err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	errs := h.engine.ValidateNew(t, body)
	if errs == nil {
		errs = map[string]string{}
	}
	return c.JSON(fiber.Map{"valid": len(errs) == 0, "errors": errs})
}

// ValidateExisting serves PUT /:table/:id/validate: merge over the current
// row, then validate the whole payload.
func (h *Handler) ValidateExisting(c *fiber.Ctx) error {
	snap, t, err := h.resolve(c)
	if err != nil {
		return err
	}
	id, err := h.pkValue(t, c.Params("id"))
	if err != nil {
		return err
	}
	scope, err := h.scopeFor(c, t)
	if err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	errs, err := h.engine.ValidateExisting(c.Context(), snap, t, id, scope, body)
	if err != nil {
		return err
	}
	if errs == nil {
		errs = map[string]string{}
	}
	return c.JSON(fiber.Map{"valid": len(errs) == 0, "errors": errs})
}

func (h *Handler) resolveRelation(c *fiber.Ctx) (*metadata.Snapshot, *metadata.Table, *metadata.Relation, any, Scope, error) {
	snap, t, err := h.resolve(c)
	if err != nil {
		return nil, nil, nil, nil, Scope{}, err
	}
	rel := snap.Relation(t.Table, c.Params("rel"))
	if rel == nil {
		return nil, nil, nil, nil, Scope{}, NewNotFound("relation "+c.Params("rel"), nil)
	}
	id, err := h.pkValue(t, c.Params("id"))
	if err != nil {
		return nil, nil, nil, nil, Scope{}, err
	}
	scope, err := h.scopeFor(c, t)
	if err != nil {
		return nil, nil, nil, nil, Scope{}, err
	}
	return snap, t, rel, id, scope, nil
}

// TraverseGet serves GET /:table/:id/:rel. Singular relations yield one row,
// child relations a filtered listing scoped to the parent.
func (h *Handler) TraverseGet(c *fiber.Ctx) error {
	snap, t, rel, id, scope, err := h.resolveRelation(c)
	if err != nil {
		return err
	}
	target := snap.Table(rel.Target)
	sh := NewShaper(snap, h.engine.basePath)

	if rel.Kind == metadata.BelongsTo {
		row, err := h.engine.fetchRow(c.Context(), h.engine.db, snap, t, id, scope, nil)
		if err != nil {
			return err
		}
		fkv := row[rel.FKColumn]
		if fkv == nil {
			return NewNotFound(rel.Name, nil)
		}
		tq, _, err := h.readQuery(c, snap, target)
		if err != nil {
			return err
		}
		tq.PK = fkv
		tq.Limit = 1
		tq.Page = 1
		sql, args, err := NewPlanner(snap).Select(tq)
		if err != nil {
			return err
		}
		rows, err := h.engine.db.QueryRows(c.Context(), sql, args...)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return NewNotFound(rel.Name, nil)
		}
		return c.JSON(fiber.Map{"data": sh.ShapeRow(target, rows[0], tq.Scope, tq.Includes)})
	}

	q, includeParam, err := h.readQuery(c, snap, target)
	if err != nil {
		return err
	}
	q.Scope.ParentFK = rel.FKColumn
	q.Scope.ParentID = id

	planner := NewPlanner(snap)
	if rel.Kind == metadata.HasOne {
		q.Limit = 1
		q.Page = 1
		sql, args, err := planner.Select(q)
		if err != nil {
			return err
		}
		rows, err := h.engine.db.QueryRows(c.Context(), sql, args...)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return NewNotFound(rel.Name, nil)
		}
		return c.JSON(fiber.Map{"data": sh.ShapeRow(target, rows[0], q.Scope, q.Includes)})
	}

	sql, args, err := planner.Select(q)
	if err != nil {
		return err
	}
	rows, err := h.engine.db.QueryRows(c.Context(), sql, args...)
	if err != nil {
		return err
	}
	csql, cargs, err := planner.Count(q)
	if err != nil {
		return err
	}
	crow, err := h.engine.db.QueryRow(c.Context(), csql, cargs...)
	if err != nil {
		return err
	}
	total := asInt64(crow["count"])
	if rows == nil {
		rows = []map[string]any{}
	}
	for _, row := range rows {
		sh.ShapeRow(target, row, q.Scope, q.Includes)
	}
	limit := int(q.limit())
	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{
			"page":  q.Page,
			"limit": limit,
			"total": total,
			"links": sh.PageLinks(target, q.Filters, includeParam, q.Scope, q.Page, limit, total),
		},
	})
}

// TraversePut serves PUT /:table/:id/:rel: patch the row a singular relation
// points at.
func (h *Handler) TraversePut(c *fiber.Ctx) error {
	snap, t, rel, id, scope, err := h.resolveRelation(c)
	if err != nil {
		return err
	}
	if rel.Kind != metadata.BelongsTo {
		return NewStatusError(fiber.StatusMethodNotAllowed, "relation "+rel.Name+" is not singular")
	}
	row, err := h.engine.fetchRow(c.Context(), h.engine.db, snap, t, id, scope, nil)
	if err != nil {
		return err
	}
	fkv := row[rel.FKColumn]
	if fkv == nil {
		return NewNotFound(rel.Name, nil)
	}
	target := snap.Table(rel.Target)
	tscope, err := h.scopeFor(c, target)
	if err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	cs := NewChangeSummary()
	if _, err := h.engine.Update(c.Context(), snap, target, fkv, tscope, auth.GetUser(c), body, nil, cs); err != nil {
		return err
	}
	h.publish(cs)
	return c.JSON(cs)
}

// TraverseCreate serves POST /:table/:id/:rel: insert a child row under the
// parent. The parent's existence is checked in the same transaction.
func (h *Handler) TraverseCreate(c *fiber.Ctx) error {
	snap, t, rel, id, scope, err := h.resolveRelation(c)
	if err != nil {
		return err
	}
	if rel.Kind != metadata.HasMany {
		return NewStatusError(fiber.StatusMethodNotAllowed, "relation "+rel.Name+" is not a collection")
	}
	child := snap.Table(rel.Target)
	cscope, err := h.scopeFor(c, child)
	if err != nil {
		return err
	}
	cscope.ParentFK = rel.FKColumn
	cscope.ParentID = id
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	includes, err := ParseIncludes(snap, child, c.Query("include"))
	if err != nil {
		return err
	}
	cs := NewChangeSummary()
	parent := &parentCheck{table: t, id: id, scope: scope}
	if _, err := h.engine.Create(c.Context(), snap, child, cscope, auth.GetUser(c), body, includes, parent, cs); err != nil {
		return err
	}
	h.publish(cs)
	return c.Status(fiber.StatusCreated).JSON(cs)
}

// StaticAction serves POST /:table/actions/:name.
func (h *Handler) StaticAction(c *fiber.Ctx) error {
	_, t, err := h.resolve(c)
	if err != nil {
		return err
	}
	name := c.Params("name")
	fn := t.Statics[name]
	if fn == nil {
		return NewNotFound("action "+name, nil)
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	res, err := fn(c.Context(), &metadata.MethodCall{Table: t, Body: body, User: auth.GetUser(c), DB: h.engine.db})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": res})
}

// InstanceAction serves POST /:table/:id/actions/:name.
func (h *Handler) InstanceAction(c *fiber.Ctx) error {
	snap, t, err := h.resolve(c)
	if err != nil {
		return err
	}
	name := c.Params("name")
	fn := t.Methods[name]
	if fn == nil {
		return NewNotFound("action "+name, nil)
	}
	id, err := h.pkValue(t, c.Params("id"))
	if err != nil {
		return err
	}
	scope, err := h.scopeFor(c, t)
	if err != nil {
		return err
	}
	// The row must exist and be in scope before the method runs.
	if _, err := h.engine.fetchRow(c.Context(), h.engine.db, snap, t, id, scope, nil); err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	res, err := fn(c.Context(), &metadata.MethodCall{Table: t, ID: id, Body: body, User: auth.GetUser(c), DB: h.engine.db})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": res})
}
