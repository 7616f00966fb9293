package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"gridbase/internal/auth"
	"gridbase/internal/metadata"
	"gridbase/internal/store"
)

type fakeSchemaLoader struct {
	mu      sync.Mutex
	calls   int
	delay   time.Duration
	schemas map[string]*store.TableSchema
}

func (l *fakeSchemaLoader) LoadTableSchema(_ context.Context, _, table string) (*store.TableSchema, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	ts, ok := l.schemas[table]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ts, nil
}

func newTestEngine(t *testing.T, descs []*metadata.TableDescriptor) (*Engine, *fakeSchemaLoader) {
	t.Helper()
	loader := &fakeSchemaLoader{schemas: testSchemas()}
	eng := New(&fakeConn{}, loader, Options{BasePath: "/api"})
	for _, td := range descs {
		if err := eng.Register(td); err != nil {
			t.Fatalf("register %s: %v", td.Table, err)
		}
	}
	return eng, loader
}

func TestInitIntrospectsEachTableOnce(t *testing.T) {
	eng, loader := newTestEngine(t, testDescriptors())
	loader.delay = 10 * time.Millisecond

	var wg sync.WaitGroup
	snaps := make([]*metadata.Snapshot, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := eng.snapshot(context.Background())
			if err != nil {
				t.Errorf("snapshot: %v", err)
				return
			}
			snaps[i] = snap
		}(i)
	}
	wg.Wait()

	if loader.calls != 3 {
		t.Errorf("schema loader consulted %d times, want once per table (3)", loader.calls)
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i] != snaps[0] {
			t.Fatal("concurrent callers observed different snapshots")
		}
	}
}

func TestRegisterAfterInitFails(t *testing.T) {
	eng, _ := newTestEngine(t, testDescriptors())
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	err := eng.Register(&metadata.TableDescriptor{Schema: "public", Table: "late"})
	if err == nil {
		t.Fatal("expected error registering after initialization")
	}
}

func TestInitFailureSurfacesToAllWaiters(t *testing.T) {
	eng, _ := newTestEngine(t, []*metadata.TableDescriptor{
		{Schema: "public", Table: "missing"},
	})
	if err := eng.Init(context.Background()); err == nil {
		t.Fatal("expected introspection failure")
	}
	// Failed initialization leaves no snapshot behind.
	if eng.registry.Current() != nil {
		t.Error("snapshot published despite failed init")
	}
}

func accessRuleEngine(t *testing.T) *Engine {
	t.Helper()
	descs := testDescriptors()
	descs[0].AccessRule = `row.rating >= 3`
	eng, _ := newTestEngine(t, descs)
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return eng
}

func accessSummary() *ChangeSummary {
	cs := NewChangeSummary()
	cs.Append(ChangeUpdate, "public/authors", map[string]any{"id": int64(1), "rating": int64(5)})
	cs.Append(ChangeUpdate, "public/authors", map[string]any{"id": int64(2), "rating": int64(1)})
	cs.Append(ChangeUpdate, "ghost/table", map[string]any{"id": int64(3)})
	return cs
}

func TestFilterSummaryDefaultPolicy(t *testing.T) {
	eng := accessRuleEngine(t)
	sub := eng.Hub().Subscribe(nil, func(def bool, _ ChangeEntry, _ *auth.UserContext) bool {
		return def
	})
	defer sub.Close()

	got := eng.FilterSummary(accessSummary(), sub)
	if got == nil || len(got.Entries) != 1 {
		t.Fatalf("filtered = %+v, want exactly the allowed entry", got)
	}
	if got.Entries[0].Row["id"] != int64(1) {
		t.Errorf("kept wrong entry: %v", got.Entries[0].Row)
	}
}

func TestFilterSummaryNoPolicyKeepsAll(t *testing.T) {
	eng := accessRuleEngine(t)
	sub := eng.Hub().Subscribe(nil, nil)
	defer sub.Close()

	// Without a policy only malformed entries are dropped; the access rule
	// verdict is advice for policies, not a filter of its own.
	got := eng.FilterSummary(accessSummary(), sub)
	if got == nil || len(got.Entries) != 2 {
		t.Fatalf("filtered = %+v, want both registered-table entries", got)
	}
}

func TestFilterSummaryPolicyOverridesDefault(t *testing.T) {
	eng := accessRuleEngine(t)
	sub := eng.Hub().Subscribe(nil, func(bool, ChangeEntry, *auth.UserContext) bool {
		return true
	})
	defer sub.Close()

	got := eng.FilterSummary(accessSummary(), sub)
	if got == nil || len(got.Entries) != 2 {
		t.Fatalf("filtered = %+v, want both registered-table entries", got)
	}
}

func TestFilterSummaryAllRejectedIsNil(t *testing.T) {
	eng := accessRuleEngine(t)
	sub := eng.Hub().Subscribe(nil, func(bool, ChangeEntry, *auth.UserContext) bool {
		return false
	})
	defer sub.Close()

	if got := eng.FilterSummary(accessSummary(), sub); got != nil {
		t.Errorf("filtered = %+v, want nil when nothing is deliverable", got)
	}
}

func TestFilterSummaryPreservesID(t *testing.T) {
	eng := accessRuleEngine(t)
	sub := eng.Hub().Subscribe(nil, nil)
	defer sub.Close()

	cs := accessSummary()
	got := eng.FilterSummary(cs, sub)
	if got.ID != cs.ID {
		t.Errorf("filtered id = %s, want %s", got.ID, cs.ID)
	}
}
