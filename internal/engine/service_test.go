/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

package engine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"pgedge-dynamic-api/internal/auth"
	"pgedge-dynamic-api/internal/config"
	"pgedge-dynamic-api/internal/filter"
	"pgedge-dynamic-api/internal/qerr"
	"pgedge-dynamic-api/internal/query"
	"pgedge-dynamic-api/internal/registry"
	"pgedge-dynamic-api/internal/schema"
	"pgedge-dynamic-api/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeIntrospector struct {
	mu     sync.Mutex
	tables map[string]map[string][]schema.ColumnDescriptor
	failOn map[string]error
}

func newFakeIntrospector() *fakeIntrospector {
	return &fakeIntrospector{
		tables: map[string]map[string][]schema.ColumnDescriptor{},
		failOn: map[string]error{},
	}
}

func (f *fakeIntrospector) setTable(schemaName, table string, columns ...schema.ColumnDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tables[schemaName] == nil {
		f.tables[schemaName] = map[string][]schema.ColumnDescriptor{}
	}
	f.tables[schemaName][table] = columns
}

func (f *fakeIntrospector) ListTables(_ context.Context, schemaName string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.tables[schemaName] {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (f *fakeIntrospector) DescribeColumns(_ context.Context, table, schemaName string) ([]schema.ColumnDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn[table]; ok {
		return nil, err
	}
	cols, ok := f.tables[schemaName][table]
	if !ok {
		return nil, qerr.TableNotFound(table)
	}
	return slices.Clone(cols), nil
}

func (f *fakeIntrospector) TableExists(_ context.Context, table, schemaName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tables[schemaName][table]
	return ok, nil
}

// memoryStore is an in-memory Store with switchable write failures
type memoryStore struct {
	tables   map[string]store.TableRecord
	excluded map[string][]string
	global   []string
	saved    bool
	failing  bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		tables:   map[string]store.TableRecord{},
		excluded: map[string][]string{},
	}
}

var errDiskFull = errors.New("disk full")

func (m *memoryStore) SaveTable(rec store.TableRecord) error {
	if m.failing {
		return errDiskFull
	}
	m.tables[rec.Name] = rec
	return nil
}

func (m *memoryStore) DeleteTable(name string) error {
	if m.failing {
		return errDiskFull
	}
	delete(m.tables, name)
	return nil
}

func (m *memoryStore) ListTables() ([]store.TableRecord, error) {
	var out []store.TableRecord
	for _, rec := range m.tables {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b store.TableRecord) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *memoryStore) SaveExcludedColumns(table string, columns []string) error {
	if m.failing {
		return errDiskFull
	}
	if len(columns) == 0 {
		delete(m.excluded, table)
	} else {
		m.excluded[table] = columns
	}
	return nil
}

func (m *memoryStore) ExcludedColumns() (map[string][]string, error) {
	return m.excluded, nil
}

func (m *memoryStore) SaveGlobalExcludedColumns(columns []string) error {
	if m.failing {
		return errDiskFull
	}
	m.global, m.saved = columns, true
	return nil
}

func (m *memoryStore) GlobalExcludedColumns() ([]string, bool, error) {
	return m.global, m.saved, nil
}

// execDB answers Exec calls and fails the test on anything else
type execDB struct {
	t   *testing.T
	sql []string
	tag string
}

func (db *execDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	db.t.Errorf("unexpected query: %s", sql)
	return nil, errors.New("unexpected query")
}

func (db *execDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	db.t.Errorf("unexpected query: %s", sql)
	return nil
}

func (db *execDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	db.sql = append(db.sql, sql)
	return pgconn.NewCommandTag(db.tag), nil
}

func usersColumns() []schema.ColumnDescriptor {
	return []schema.ColumnDescriptor{
		{Name: "id", Kind: schema.KindIntegerBig, IsPrimaryKey: true},
		{Name: "name", Kind: schema.KindText},
		{Name: "tenant_id", Kind: schema.KindIntegerSmall},
		{Name: "api_key", Kind: schema.KindText},
	}
}

type fixture struct {
	in    *fakeIntrospector
	store *memoryStore
	db    *execDB
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	in := newFakeIntrospector()
	in.setTable("public", "users", usersColumns()...)
	in.setTable("public", "orders", schema.ColumnDescriptor{Name: "id", Kind: schema.KindIntegerBig})
	in.setTable("public", "audit", schema.ColumnDescriptor{Name: "id", Kind: schema.KindIntegerBig})

	st := newMemoryStore()
	db := &execDB{t: t, tag: "UPDATE 2"}
	reg := registry.New(in, registry.WithClock(func() time.Time { return time.UnixMilli(1700000000000) }))
	return &fixture{
		in:    in,
		store: st,
		db:    db,
		svc:   New(reg, in, db, WithStore(st)),
	}
}

func TestRegisterTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.svc.RegisterTable(ctx, "users", "", "people")
	if err != nil {
		t.Fatalf("RegisterTable failed: %v", err)
	}
	if !result.Success || result.Descriptor == nil || result.Descriptor.Name != "people" {
		t.Fatalf("result = %+v", result)
	}
	if rec, ok := f.store.tables["people"]; !ok || rec.PhysicalName != "users" || rec.Alias != "people" {
		t.Errorf("persisted record = %+v", rec)
	}

	t.Run("second registration is idempotent", func(t *testing.T) {
		again, err := f.svc.RegisterTable(ctx, "users", "", "people")
		if err != nil || !again.Success {
			t.Fatalf("re-register = %+v, %v", again, err)
		}
		if !strings.Contains(again.Message, "already registered") {
			t.Errorf("message = %q", again.Message)
		}
	})

	t.Run("missing table", func(t *testing.T) {
		result, err := f.svc.RegisterTable(ctx, "ghost", "", "")
		if !errors.Is(err, qerr.ErrTableNotFound) {
			t.Errorf("err = %v, want table not found", err)
		}
		if result.Success || result.Message == "" {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("persistence failure rolls back", func(t *testing.T) {
		f.store.failing = true
		defer func() { f.store.failing = false }()

		if _, err := f.svc.RegisterTable(ctx, "orders", "", ""); !errors.Is(err, errDiskFull) {
			t.Fatalf("err = %v, want disk full", err)
		}
		if _, ok := f.svc.Registry().FindTable("orders"); ok {
			t.Error("registration survived a failed write")
		}
	})
}

func TestRegisterTablesAndAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	got := f.svc.RegisterTables(ctx, []string{"users", "ghost"}, "")
	if !got["users"] || got["ghost"] {
		t.Errorf("RegisterTables = %v", got)
	}

	count, err := f.svc.RegisterAllTables(ctx, "", []string{"AUDIT"})
	if err != nil {
		t.Fatalf("RegisterAllTables failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2 (orders, users)", count)
	}
	if _, ok := f.svc.Registry().FindTable("audit"); ok {
		t.Error("excluded table was registered")
	}

	var names []string
	for _, table := range f.svc.ListRegisteredTables() {
		names = append(names, table.Name)
	}
	if !slices.Equal(names, []string{"orders", "users"}) {
		t.Errorf("ListRegisteredTables = %v", names)
	}
}

func TestUnregisterTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.RegisterTable(ctx, "users", "", ""); err != nil {
		t.Fatal(err)
	}

	f.store.failing = true
	if ok, err := f.svc.UnregisterTable("users"); ok || err == nil {
		t.Errorf("UnregisterTable with failing store = %v, %v", ok, err)
	}
	if _, found := f.svc.Registry().FindTable("users"); !found {
		t.Error("failed unregistration removed the table")
	}
	f.store.failing = false

	if ok, err := f.svc.UnregisterTable("Users"); !ok || err != nil {
		t.Errorf("UnregisterTable = %v, %v", ok, err)
	}
	if _, persisted := f.store.tables["users"]; persisted {
		t.Error("store still holds the unregistered table")
	}
	if ok, _ := f.svc.UnregisterTable("users"); ok {
		t.Error("second UnregisterTable returned true")
	}
}

func TestGetColumnsAndRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cols, err := f.svc.GetColumns(ctx, "orders", "")
	if err != nil || len(cols) != 1 {
		t.Fatalf("GetColumns on an unregistered table = %v, %v", cols, err)
	}
	if _, err := f.svc.GetColumns(ctx, "ghost", ""); !errors.Is(err, qerr.ErrTableNotFound) {
		t.Errorf("GetColumns(ghost) err = %v", err)
	}

	f.in.failOn["orders"] = errors.New("connection refused")
	if _, err := f.svc.GetColumns(ctx, "orders", ""); !errors.Is(err, qerr.ErrIntrospection) {
		t.Errorf("GetColumns err = %v, want introspection failure", err)
	}
	delete(f.in.failOn, "orders")

	if _, err := f.svc.RefreshTable(ctx, "users", ""); !errors.Is(err, qerr.ErrNotRegistered) {
		t.Errorf("RefreshTable of unregistered = %v", err)
	}

	if _, err := f.svc.RegisterTable(ctx, "users", "", ""); err != nil {
		t.Fatal(err)
	}
	f.in.setTable("public", "users", usersColumns()[:2]...)
	summary, err := f.svc.RefreshTable(ctx, "users", "")
	if err != nil {
		t.Fatalf("RefreshTable failed: %v", err)
	}
	if len(summary.Columns) != 2 {
		t.Errorf("refreshed columns = %d, want 2", len(summary.Columns))
	}
	if cols, _ := f.svc.GetColumns(ctx, "users", ""); len(cols) != 2 {
		t.Errorf("GetColumns after refresh = %d columns", len(cols))
	}
}

func TestExcludedColumnsPersistence(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.SetExcludedColumns("users", []string{"tenantId"}); err != nil {
		t.Fatalf("SetExcludedColumns failed: %v", err)
	}
	if got := f.svc.GetExcludedColumns("USERS"); !slices.Equal(got, []string{"tenant_id"}) {
		t.Errorf("GetExcludedColumns = %v", got)
	}
	if !slices.Equal(f.store.excluded["users"], []string{"tenant_id"}) {
		t.Errorf("persisted = %v", f.store.excluded["users"])
	}

	f.store.failing = true
	if err := f.svc.SetGlobalExcludedColumns([]string{"name"}); err == nil {
		t.Error("expected a persistence error")
	}
	if got := f.svc.GetGlobalExcludedColumns(); !slices.Equal(got, registry.NewExcludedSet(config.DefaultExcludedColumns).Names()) {
		t.Errorf("failed update changed global exclusions to %v", got)
	}
	if err := f.svc.SetExcludedColumns("users", nil); err == nil {
		t.Error("expected a persistence error")
	}
	if got := f.svc.GetExcludedColumns("users"); len(got) != 1 {
		t.Errorf("failed clear changed exclusions to %v", got)
	}
	f.store.failing = false

	if err := f.svc.SetExcludedColumns("", []string{"x"}); qerr.KindOf(err) != qerr.KindInvalidRequest {
		t.Errorf("blank table err = %v", err)
	}
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.RegisterTable(ctx, "users", "", ""); err != nil {
		t.Fatal(err)
	}

	decode := func(body string) *query.Request {
		t.Helper()
		req, err := query.DecodeRequest(strings.NewReader(body))
		if err != nil {
			t.Fatalf("DecodeRequest failed: %v", err)
		}
		return req
	}
	tenant := func(*schema.TableDescriptor) []filter.RlsCondition {
		return []filter.RlsCondition{{Column: "tenant_id", Operator: "eq", Value: 7}}
	}

	t.Run("unregistered table", func(t *testing.T) {
		_, err := f.svc.Query(ctx, decode(`{"from":"orders"}`), nil)
		if !errors.Is(err, qerr.ErrNotRegistered) {
			t.Errorf("err = %v, want not registered", err)
		}
	})

	t.Run("globally excluded column is unknown", func(t *testing.T) {
		_, err := f.svc.Query(ctx, decode(`{"from":"users","where":["apiKey","eq","x"]}`), nil)
		if !errors.Is(err, qerr.ErrUnknownColumn) {
			t.Errorf("err = %v, want unknown column", err)
		}
	})

	t.Run("rls may use excluded columns", func(t *testing.T) {
		if err := f.svc.SetExcludedColumns("users", []string{"tenant_id"}); err != nil {
			t.Fatal(err)
		}
		defer f.svc.SetExcludedColumns("users", nil)

		f.db.sql = nil
		result, err := f.svc.Query(ctx, decode(`{"operation":"update","from":"users","data":{"name":"x"},"where":["id","gt",0],"count":"exact"}`), tenant)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if *result.Count != 2 {
			t.Errorf("count = %d, want 2", *result.Count)
		}
		want := `UPDATE "public"."users" SET "name" = $1 WHERE ("id" > $2 AND "tenant_id" = $3)`
		if len(f.db.sql) != 1 || f.db.sql[0] != want {
			t.Errorf("statements = %v, want [%s]", f.db.sql, want)
		}
	})

	t.Run("invalid rls fails the request", func(t *testing.T) {
		bad := func(*schema.TableDescriptor) []filter.RlsCondition {
			return []filter.RlsCondition{{Column: "tenant_id", Operator: "near", Value: 1}}
		}
		_, err := f.svc.Query(ctx, decode(`{"from":"users","head":true}`), bad)
		if !errors.Is(err, qerr.ErrUnknownOperator) {
			t.Errorf("err = %v, want unknown operator", err)
		}
	})

	t.Run("rls follows the table through an alias", func(t *testing.T) {
		if _, err := f.svc.RegisterTable(ctx, "users", "", "people"); err != nil {
			t.Fatal(err)
		}
		defer f.svc.UnregisterTable("people")

		tokens := auth.InitializeTokenStore()
		tokens.AddToken("reader", auth.HashToken("tok"), "", nil, false)
		if err := tokens.SetRLS("reader", "users", []filter.RlsCondition{{Column: "tenant_id", Operator: "eq", Value: 1}}); err != nil {
			t.Fatal(err)
		}
		principal, err := tokens.Authenticate("tok")
		if err != nil || principal == nil {
			t.Fatalf("Authenticate: %v", err)
		}

		want := `DELETE FROM "public"."users" WHERE ("id" > $1 AND "tenant_id" = $2)`
		for _, from := range []string{"users", "people"} {
			f.db.sql = nil
			body := `{"operation":"delete","from":"` + from + `","where":["id","gt",0]}`
			if _, err := f.svc.Query(ctx, decode(body), principal.RLSForTable); err != nil {
				t.Fatalf("Query(%s) failed: %v", from, err)
			}
			if len(f.db.sql) != 1 || f.db.sql[0] != want {
				t.Errorf("from %s: statements = %v, want [%s]", from, f.db.sql, want)
			}
		}
	})

	t.Run("rls alone does not permit delete", func(t *testing.T) {
		_, err := f.svc.Query(ctx, decode(`{"operation":"delete","from":"users"}`), tenant)
		if !errors.Is(err, qerr.ErrMissingPredicate) {
			t.Errorf("err = %v, want missing predicate", err)
		}
	})
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	registeredAt := time.UnixMilli(1600000000000)
	f.store.tables["people"] = store.TableRecord{Name: "people", PhysicalName: "users", Schema: "public", Alias: "people", RegisteredAt: registeredAt}
	f.store.tables["gone"] = store.TableRecord{Name: "gone", PhysicalName: "gone", Schema: "public", RegisteredAt: registeredAt}
	f.store.excluded["people"] = []string{"name"}
	f.store.global, f.store.saved = []string{"secret"}, true

	stats, err := f.svc.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if stats.Restored != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}

	desc, ok := f.svc.Registry().FindTable("people")
	if !ok {
		t.Fatal("people was not restored")
	}
	if desc.RegisteredAt() != registeredAt.UnixMilli() {
		t.Errorf("registered_at = %d, want %d", desc.RegisteredAt(), registeredAt.UnixMilli())
	}
	if got := f.svc.GetExcludedColumns("people"); !slices.Equal(got, []string{"name"}) {
		t.Errorf("excluded = %v", got)
	}
	if got := f.svc.GetGlobalExcludedColumns(); !slices.Equal(got, []string{"secret"}) {
		t.Errorf("global = %v", got)
	}
	if _, kept := f.store.tables["gone"]; !kept {
		t.Error("failed restore dropped the persisted record")
	}
}

func TestAutoRegister(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	if err := f.svc.AutoRegister(ctx, config.EngineConfig{AutoRegister: []string{"users", "ghost"}}); err != nil {
		t.Fatalf("AutoRegister failed: %v", err)
	}
	if len(f.svc.ListRegisteredTables()) != 1 {
		t.Errorf("registered %d tables, want 1", len(f.svc.ListRegisteredTables()))
	}

	f = newFixture(t)
	err := f.svc.AutoRegister(ctx, config.EngineConfig{
		DefaultSchema:       "public",
		AutoRegisterAll:     true,
		AutoRegisterExclude: []string{"audit"},
	})
	if err != nil {
		t.Fatalf("AutoRegister failed: %v", err)
	}
	if len(f.svc.ListRegisteredTables()) != 2 {
		t.Errorf("registered %d tables, want 2", len(f.svc.ListRegisteredTables()))
	}
}
