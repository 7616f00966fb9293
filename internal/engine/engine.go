package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"gridbase/internal/metadata"
	"gridbase/internal/store"
)

// SchemaLoader is the schema-introspection collaborator, consulted once per
// table during initialization.
type SchemaLoader interface {
	LoadTableSchema(ctx context.Context, schema, table string) (*store.TableSchema, error)
}

type Options struct {
	BasePath   string
	Production bool
}

// Engine owns the registered table descriptors, the resolved relation graph
// and the broadcast hub for one process.
type Engine struct {
	db         store.Conn
	schema     SchemaLoader
	registry   *metadata.Registry
	hub        *Hub
	basePath   string
	production bool

	mu          sync.Mutex
	descriptors []*metadata.TableDescriptor
	initGroup   singleflight.Group
}

func New(db store.Conn, schema SchemaLoader, opts Options) *Engine {
	basePath := opts.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	return &Engine{
		db:         db,
		schema:     schema,
		registry:   metadata.NewRegistry(),
		hub:        NewHub(),
		basePath:   basePath,
		production: opts.Production,
	}
}

func (e *Engine) Hub() *Hub {
	return e.hub
}

// Descriptors returns the registered descriptors, for route mounting.
func (e *Engine) Descriptors() []*metadata.TableDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*metadata.TableDescriptor(nil), e.descriptors...)
}

// Register declares a table. All registrations must happen before the first
// request; registering afterwards is an error.
func (e *Engine) Register(td *metadata.TableDescriptor) error {
	if e.registry.Current() != nil {
		return fmt.Errorf("register %s: engine already initialized", td.Table)
	}
	if td.Schema == "" {
		td.Schema = "public"
	}
	e.mu.Lock()
	e.descriptors = append(e.descriptors, td)
	e.mu.Unlock()
	return nil
}

// Init forces initialization eagerly. Lazy callers go through snapshot.
func (e *Engine) Init(ctx context.Context) error {
	_, err := e.snapshot(ctx)
	return err
}

// snapshot returns the active snapshot, performing one-time initialization
// on first use. Concurrent first callers share a single in-flight
// initialization: the schema collaborator is consulted exactly once per
// table, and late callers wait on the same result.
func (e *Engine) snapshot(ctx context.Context) (*metadata.Snapshot, error) {
	if snap := e.registry.Current(); snap != nil {
		return snap, nil
	}
	v, err, _ := e.initGroup.Do("init", func() (any, error) {
		if snap := e.registry.Current(); snap != nil {
			return snap, nil
		}
		e.mu.Lock()
		descs := append([]*metadata.TableDescriptor(nil), e.descriptors...)
		e.mu.Unlock()

		schemas := make(map[string]*store.TableSchema, len(descs))
		for _, td := range descs {
			ts, err := e.schema.LoadTableSchema(ctx, td.Schema, td.Table)
			if err != nil {
				return nil, fmt.Errorf("introspect %s.%s: %w", td.Schema, td.Table, err)
			}
			schemas[td.Table] = ts
		}

		snap, err := metadata.BuildSnapshot(descs, schemas)
		if err != nil {
			return nil, err
		}
		e.registry.Load(snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*metadata.Snapshot), nil
}

// FilterSummary applies a subscriber's visibility policy to a summary.
// Entries referencing unregistered tables are dropped after safe shape
// inspection; a summary with nothing left deliverable returns nil so the
// subscriber never sees an empty-changes notification.
func (e *Engine) FilterSummary(cs *ChangeSummary, sub *Subscriber) *ChangeSummary {
	snap := e.registry.Current()
	if snap == nil {
		return nil
	}
	out := &ChangeSummary{ID: cs.ID}
	for _, entry := range cs.Entries {
		t := snap.TableByPath(entry.Path)
		if t == nil {
			continue
		}
		if sub.policy != nil {
			def := t.AllowsRow(entry.Row, sub.user)
			if !sub.policy(def, entry, sub.user) {
				continue
			}
		}
		out.Entries = append(out.Entries, entry)
	}
	if len(out.Entries) == 0 {
		return nil
	}
	return out
}
