package metadata

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/gofiber/fiber/v2"

	"gridbase/internal/auth"
	"gridbase/internal/store"
)

// HookPoint identifies one slot in a table's lifecycle hook registry.
type HookPoint int

const (
	BeforeCreate HookPoint = iota
	AfterCreate
	BeforeUpdate
	AfterUpdate
	BeforeDelete
	AfterDelete
	hookPoints // number of hook points
)

// HookFunc runs at one lifecycle point of the write pipeline. For before*
// hooks Row holds the validated fields about to be written; for after* hooks
// it holds the re-fetched, shaped row. Old is the pre-image on update/delete.
type HookFunc func(ctx context.Context, hc *HookContext) error

type HookContext struct {
	Table *Table
	Row   map[string]any
	Old   map[string]any
	User  *auth.UserContext
	Tx    store.DB
}

// EagerGetter builds a correlated scalar sub-select spliced into the outer
// statement as a named column. The argument is the outer table alias.
type EagerGetter func(outer string) sq.Sqlizer

// MethodFunc is a custom static or instance method. ID is nil for statics.
type MethodFunc func(ctx context.Context, call *MethodCall) (any, error)

type MethodCall struct {
	Table *Table
	ID    any
	Body  map[string]any
	User  *auth.UserContext
	DB    store.DB
}

// TableDescriptor declares one table to expose as a resource. Descriptors are
// registered before the engine initializes and are immutable afterwards.
type TableDescriptor struct {
	Schema       string
	Table        string
	TenantColumn string
	Hidden       []string
	DefaultOrder string // order-by column, primary key when empty

	// AccessRule is an optional expr-lang expression over {row, user}. When
	// set it becomes the default visibility check for change entries.
	AccessRule string

	Hooks        [hookPoints]HookFunc
	EagerGetters map[string]EagerGetter
	Statics      map[string]MethodFunc
	Methods      map[string]MethodFunc

	// Mount, when set, attaches an auxiliary sub-router under the table's
	// base path at startup.
	Mount func(router fiber.Router)
}

// Hook sets a lifecycle hook. Returns the descriptor for chaining.
func (td *TableDescriptor) Hook(p HookPoint, fn HookFunc) *TableDescriptor {
	td.Hooks[p] = fn
	return td
}

// Table is a registered descriptor merged with its introspected schema.
// Immutable once published in a Snapshot.
type Table struct {
	*TableDescriptor
	Columns    []store.Column
	PrimaryKey string
	ForeignKeys []store.ForeignKey

	hidden     map[string]bool
	accessProg *vm.Program
}

func newTable(td *TableDescriptor, ts *store.TableSchema) (*Table, error) {
	if ts.PrimaryKey == "" {
		return nil, fmt.Errorf("table %s.%s has no primary key", td.Schema, td.Table)
	}
	t := &Table{
		TableDescriptor: td,
		Columns:         ts.Columns,
		PrimaryKey:      ts.PrimaryKey,
		ForeignKeys:     ts.ForeignKeys,
		hidden:          make(map[string]bool, len(td.Hidden)),
	}
	for _, h := range td.Hidden {
		t.hidden[h] = true
	}
	if td.TenantColumn != "" && !t.HasColumn(td.TenantColumn) {
		return nil, fmt.Errorf("table %s: tenant column %q does not exist", td.Table, td.TenantColumn)
	}
	if td.DefaultOrder != "" && !t.HasColumn(td.DefaultOrder) {
		return nil, fmt.Errorf("table %s: default order column %q does not exist", td.Table, td.DefaultOrder)
	}
	if td.AccessRule != "" {
		prog, err := expr.Compile(td.AccessRule, expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("table %s: compile access rule: %w", td.Table, err)
		}
		t.accessProg = prog
	}
	return t, nil
}

// Path is the type tag of rows from this table.
func (t *Table) Path() string {
	return t.Schema + "/" + t.Table
}

func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (t *Table) Column(name string) *store.Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// VisibleColumns returns the columns selected on reads.
func (t *Table) VisibleColumns() []string {
	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if !t.hidden[c.Name] {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

// Filterable reports whether a column may appear in filter parameters.
func (t *Table) Filterable(name string) bool {
	return t.HasColumn(name) && !t.hidden[name]
}

// Writable reports whether a column may be set from a request body. The
// primary key is immutable and the tenant column comes from scope, never
// from the payload.
func (t *Table) Writable(name string) bool {
	if name == t.PrimaryKey || name == t.TenantColumn || t.hidden[name] {
		return false
	}
	return t.HasColumn(name)
}

// OrderColumn is the deterministic default ordering column.
func (t *Table) OrderColumn() string {
	if t.DefaultOrder != "" {
		return t.DefaultOrder
	}
	return t.PrimaryKey
}

// HasAccessRule reports whether row-level visibility rules are declared.
func (t *Table) HasAccessRule() bool {
	return t.accessProg != nil
}

// AllowsRow evaluates the table's access rule against a row and a viewer.
// Tables without a rule allow everything; evaluation errors deny.
func (t *Table) AllowsRow(row map[string]any, user *auth.UserContext) bool {
	if t.accessProg == nil {
		return true
	}
	env := map[string]any{"row": row, "user": userEnv(user)}
	out, err := expr.Run(t.accessProg, env)
	if err != nil {
		return false
	}
	allowed, ok := out.(bool)
	return ok && allowed
}

func userEnv(user *auth.UserContext) map[string]any {
	if user == nil {
		return map[string]any{"id": "", "roles": []string{}, "tenant_id": ""}
	}
	roles := user.Roles
	if roles == nil {
		roles = []string{}
	}
	return map[string]any{"id": user.ID, "roles": roles, "tenant_id": user.TenantID}
}
