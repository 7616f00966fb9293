package engine

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"gridbase/internal/auth"
	"gridbase/internal/metadata"
	"gridbase/internal/store"
)

// parentCheck asserts that a scoping parent row exists before a child insert.
type parentCheck struct {
	table *metadata.Table
	id    any
	scope Scope
}

// fetchRow reads one row by primary key through the planner, so every fetch
// honors scope constraints and eager loads the same way collection reads do.
func (e *Engine) fetchRow(ctx context.Context, db store.DB, snap *metadata.Snapshot, t *metadata.Table, id any, scope Scope, includes []*IncludeNode) (map[string]any, error) {
	sql, args, err := NewPlanner(snap).Select(&ReadQuery{Table: t, Scope: scope, Includes: includes, PK: id, Limit: 1})
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryRows(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, NewNotFound(t.Table, id)
	}
	return rows[0], nil
}

func (e *Engine) runHook(ctx context.Context, t *metadata.Table, p metadata.HookPoint, hc *metadata.HookContext) error {
	fn := t.Hooks[p]
	if fn == nil {
		return nil
	}
	hc.Table = t
	return fn(ctx, hc)
}

// Create runs the insert pipeline: validate, scope injection, parent check,
// before hook, insert, re-fetch shaped, after hook, change entry. The row is
// published to the hub by the caller, exactly once per request.
func (e *Engine) Create(ctx context.Context, snap *metadata.Snapshot, t *metadata.Table, scope Scope, user *auth.UserContext, body map[string]any, includes []*IncludeNode, parent *parentCheck, cs *ChangeSummary) (map[string]any, error) {
	fields, ferrs := ValidatePayload(t, body, true)
	// The parent route supplies the foreign key; the body does not have to.
	if scope.ParentFK != "" && ferrs[scope.ParentFK] == "is required" {
		delete(ferrs, scope.ParentFK)
	}
	if len(ferrs) > 0 {
		return nil, NewValidationError(ferrs)
	}
	if scope.TenantColumn != "" {
		fields[scope.TenantColumn] = scope.TenantID
	}
	if scope.ParentFK != "" {
		fields[scope.ParentFK] = scope.ParentID
	}
	if len(fields) == 0 {
		return nil, ParamError("body", "no writable columns in payload")
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if parent != nil {
		if _, err := e.fetchRow(ctx, tx, snap, parent.table, parent.id, parent.scope, nil); err != nil {
			return nil, err
		}
	}
	if err := e.runHook(ctx, t, metadata.BeforeCreate, &metadata.HookContext{Row: fields, User: user, Tx: tx}); err != nil {
		return nil, err
	}

	sql, args, err := psql.Insert(t.Schema + "." + t.Table).
		SetMap(fields).
		Suffix("RETURNING " + t.PrimaryKey).
		ToSql()
	if err != nil {
		return nil, err
	}
	inserted, err := tx.QueryRow(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", t.Path(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	id := inserted[t.PrimaryKey]
	raw, err := e.fetchRow(ctx, e.db, snap, t, id, scope, includes)
	if err != nil {
		return nil, err
	}
	shaped := NewShaper(snap, e.basePath).ShapeRow(t, raw, scope, includes)
	if err := e.runHook(ctx, t, metadata.AfterCreate, &metadata.HookContext{Row: shaped, User: user, Tx: e.db}); err != nil {
		return nil, err
	}
	cs.Append(ChangeInsert, t.Path(), shaped)
	return shaped, nil
}

// Update runs the patch pipeline. Only writable columns present in the body
// are touched; the pre-image is handed to before/after hooks as Old.
func (e *Engine) Update(ctx context.Context, snap *metadata.Snapshot, t *metadata.Table, id any, scope Scope, user *auth.UserContext, body map[string]any, includes []*IncludeNode, cs *ChangeSummary) (map[string]any, error) {
	fields, ferrs := ValidatePayload(t, body, false)
	if ferrs != nil {
		return nil, NewValidationError(ferrs)
	}
	if len(fields) == 0 {
		return nil, ParamError("body", "no writable columns in payload")
	}

	old, err := e.fetchRow(ctx, e.db, snap, t, id, scope, nil)
	if err != nil {
		return nil, err
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := e.runHook(ctx, t, metadata.BeforeUpdate, &metadata.HookContext{Row: fields, Old: old, User: user, Tx: tx}); err != nil {
		return nil, err
	}

	b := psql.Update(t.Schema + "." + t.Table).
		SetMap(fields).
		Where(sq.Eq{t.PrimaryKey: id})
	if scope.TenantColumn != "" {
		b = b.Where(sq.Eq{scope.TenantColumn: scope.TenantID})
	}
	if scope.ParentFK != "" {
		b = b.Where(sq.Eq{scope.ParentFK: scope.ParentID})
	}
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	affected, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", t.Path(), err)
	}
	if affected == 0 {
		return nil, NewNotFound(t.Table, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	raw, err := e.fetchRow(ctx, e.db, snap, t, id, scope, includes)
	if err != nil {
		return nil, err
	}
	shaped := NewShaper(snap, e.basePath).ShapeRow(t, raw, scope, includes)
	if err := e.runHook(ctx, t, metadata.AfterUpdate, &metadata.HookContext{Row: shaped, Old: old, User: user, Tx: e.db}); err != nil {
		return nil, err
	}
	cs.Append(ChangeUpdate, t.Path(), shaped)
	return shaped, nil
}

// Delete removes one row. The change entry carries a null row; subscribers
// learn the path and mode only.
func (e *Engine) Delete(ctx context.Context, snap *metadata.Snapshot, t *metadata.Table, id any, scope Scope, user *auth.UserContext, cs *ChangeSummary) error {
	old, err := e.fetchRow(ctx, e.db, snap, t, id, scope, nil)
	if err != nil {
		return err
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := e.runHook(ctx, t, metadata.BeforeDelete, &metadata.HookContext{Old: old, User: user, Tx: tx}); err != nil {
		return err
	}

	b := psql.Delete(t.Schema + "." + t.Table).
		Where(sq.Eq{t.PrimaryKey: id})
	if scope.TenantColumn != "" {
		b = b.Where(sq.Eq{scope.TenantColumn: scope.TenantID})
	}
	if scope.ParentFK != "" {
		b = b.Where(sq.Eq{scope.ParentFK: scope.ParentID})
	}
	sql, args, err := b.ToSql()
	if err != nil {
		return err
	}
	affected, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("delete %s: %w", t.Path(), err)
	}
	if affected == 0 {
		return NewNotFound(t.Table, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if err := e.runHook(ctx, t, metadata.AfterDelete, &metadata.HookContext{Old: old, User: user, Tx: e.db}); err != nil {
		return err
	}
	cs.Append(ChangeDelete, t.Path(), nil)
	return nil
}

// ValidateNew checks a create body without touching the database.
func (e *Engine) ValidateNew(t *metadata.Table, body map[string]any) map[string]string {
	_, errs := ValidatePayload(t, body, true)
	return errs
}

// ValidateExisting merges a patch body over the row's current values and
// validates the merged payload as a whole. No write statement is issued.
func (e *Engine) ValidateExisting(ctx context.Context, snap *metadata.Snapshot, t *metadata.Table, id any, scope Scope, body map[string]any) (map[string]string, error) {
	current, err := e.fetchRow(ctx, e.db, snap, t, id, scope, nil)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(current)+len(body))
	for k, v := range current {
		if t.Writable(k) {
			merged[k] = v
		}
	}
	for k, v := range body {
		merged[k] = v
	}
	_, errs := ValidatePayload(t, merged, true)
	return errs, nil
}
