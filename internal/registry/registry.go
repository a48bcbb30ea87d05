/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

// Package registry holds the catalog of tables the engine is allowed to
// touch. A table is unreachable until it has been registered.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pgedge-dynamic-api/internal/config"
	"pgedge-dynamic-api/internal/logging"
	"pgedge-dynamic-api/internal/qerr"
	"pgedge-dynamic-api/internal/schema"
)

// TableInfo is one entry of a discovery listing
type TableInfo struct {
	Name         string `json:"name"`
	IsRegistered bool   `json:"is_registered"`
	ColumnCount  int    `json:"column_count"`
}

// Registry maps logical table names to introspected descriptors.
//
// The table map is copy-on-write: readers load the current map with a
// single atomic read and never take a lock. Writers serialise on writeMu
// to publish a new map, and mutations of the same name are linearised by a
// per-name lock held across introspection.
type Registry struct {
	introspector  schema.Introspector
	defaultSchema string
	now           func() time.Time

	tables atomic.Pointer[map[string]*schema.TableDescriptor]

	excluded atomic.Pointer[exclusions]

	writeMu sync.Mutex
	names   keyedMutex
}

// Option configures a Registry
type Option func(*Registry)

// WithDefaultSchema sets the schema used when a caller names none
func WithDefaultSchema(name string) Option {
	return func(r *Registry) {
		if name != "" {
			r.defaultSchema = name
		}
	}
}

// WithGlobalExcludedColumns replaces the default global exclusion seed
func WithGlobalExcludedColumns(columns []string) Option {
	return func(r *Registry) {
		r.excluded.Store(&exclusions{
			global:   NewExcludedSet(columns),
			perTable: map[string]ExcludedSet{},
		})
	}
}

// WithClock overrides the registration timestamp source
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates an empty registry that introspects through introspector
func New(introspector schema.Introspector, opts ...Option) *Registry {
	r := &Registry{
		introspector:  introspector,
		defaultSchema: schema.DefaultSchema,
		now:           time.Now,
		names:         keyedMutex{locks: map[string]*refMutex{}},
	}
	empty := map[string]*schema.TableDescriptor{}
	r.tables.Store(&empty)
	r.excluded.Store(&exclusions{
		global:   NewExcludedSet(config.DefaultExcludedColumns),
		perTable: map[string]ExcludedSet{},
	})

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultSchema returns the schema used when a caller names none
func (r *Registry) DefaultSchema() string {
	return r.defaultSchema
}

func (r *Registry) schemaOrDefault(schemaName string) string {
	if schemaName == "" {
		return r.defaultSchema
	}
	return schemaName
}

func (r *Registry) snapshot() map[string]*schema.TableDescriptor {
	return *r.tables.Load()
}

// publish applies fn to a copy of the table map and swaps it in
func (r *Registry) publish(fn func(m map[string]*schema.TableDescriptor)) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current := r.snapshot()
	next := make(map[string]*schema.TableDescriptor, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	fn(next)
	r.tables.Store(&next)
}

// introspect builds a fresh descriptor for a physical table
func (r *Registry) introspect(ctx context.Context, table, schemaName string) (*schema.TableDescriptor, error) {
	columns, err := r.introspector.DescribeColumns(ctx, table, schemaName)
	if err != nil {
		if errors.Is(err, qerr.ErrTableNotFound) {
			return nil, err
		}
		return nil, qerr.Introspection(table, err)
	}
	return schema.NewTableDescriptor(table, schemaName, columns), nil
}

// Register introspects table and stores it under alias, or under the
// table name when alias is empty. Registering a name that is already
// present returns the existing descriptor without introspecting again. On
// failure nothing changes.
func (r *Registry) Register(ctx context.Context, table, schemaName, alias string) (*schema.TableDescriptor, error) {
	if schema.FoldName(table) == "" {
		return nil, qerr.Invalid("table name is required")
	}
	name := schema.FoldName(table)
	if alias != "" {
		name = schema.FoldName(alias)
	}

	unlock := r.names.Lock(name)
	defer unlock()

	if existing, ok := r.snapshot()[name]; ok {
		return existing, nil
	}

	schemaName = r.schemaOrDefault(schemaName)
	desc, err := r.introspect(ctx, table, schemaName)
	if err != nil {
		return nil, err
	}
	desc = desc.WithRegistration(alias, r.now())

	r.publish(func(m map[string]*schema.TableDescriptor) {
		m[name] = desc
	})

	logging.Info("table_registered",
		"table", name,
		"physical_name", table,
		"schema", schemaName,
		"columns", desc.ColumnCount(),
	)
	return desc, nil
}

// Restore puts a previously registered descriptor back under its own name,
// replacing whatever is registered there
func (r *Registry) Restore(desc *schema.TableDescriptor) {
	unlock := r.names.Lock(desc.Name())
	defer unlock()

	r.publish(func(m map[string]*schema.TableDescriptor) {
		m[desc.Name()] = desc
	})
}

// Unregister removes name and reports whether it was registered
func (r *Registry) Unregister(name string) bool {
	name = schema.FoldName(name)

	unlock := r.names.Lock(name)
	defer unlock()

	if _, ok := r.snapshot()[name]; !ok {
		return false
	}
	r.publish(func(m map[string]*schema.TableDescriptor) {
		delete(m, name)
	})

	logging.Info("table_unregistered", "table", name)
	return true
}

// Refresh re-introspects a registered table and swaps in the new
// descriptor. An empty schemaName keeps the schema it was registered
// with. The previous descriptor stays in place if introspection fails.
func (r *Registry) Refresh(ctx context.Context, name, schemaName string) (*schema.TableDescriptor, error) {
	name = schema.FoldName(name)

	unlock := r.names.Lock(name)
	defer unlock()

	existing, ok := r.snapshot()[name]
	if !ok {
		return nil, qerr.NotRegistered(name)
	}
	if schemaName == "" {
		schemaName = existing.Schema()
	}

	desc, err := r.introspect(ctx, existing.PhysicalName(), schemaName)
	if err != nil {
		return nil, err
	}
	desc = desc.WithRegistration(existing.Alias(), r.now())

	r.publish(func(m map[string]*schema.TableDescriptor) {
		m[name] = desc
	})

	logging.Info("table_refreshed",
		"table", name,
		"schema", schemaName,
		"columns", desc.ColumnCount(),
	)
	return desc, nil
}

// Discover lists the physical tables of a schema with their registration
// state. Column counts of unregistered tables are best-effort: a table
// that cannot be described is reported with zero columns.
func (r *Registry) Discover(ctx context.Context, schemaName string) ([]TableInfo, error) {
	schemaName = r.schemaOrDefault(schemaName)

	tables, err := r.introspector.ListTables(ctx, schemaName)
	if err != nil {
		return nil, qerr.Introspection("", err)
	}

	registered := make(map[string]*schema.TableDescriptor)
	for _, desc := range r.snapshot() {
		if desc.Schema() == schemaName {
			registered[desc.PhysicalName()] = desc
		}
	}

	infos := make([]TableInfo, 0, len(tables))
	for _, table := range tables {
		info := TableInfo{Name: table}
		if desc, ok := registered[table]; ok {
			info.IsRegistered = true
			info.ColumnCount = desc.ColumnCount()
		} else {
			columns, err := r.introspector.DescribeColumns(ctx, table, schemaName)
			if err != nil {
				logging.Warn("discover_column_count_failed",
					"table", table,
					"schema", schemaName,
					"error", err,
				)
			} else {
				info.ColumnCount = len(columns)
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// List returns every registered descriptor ordered by name
func (r *Registry) List() []*schema.TableDescriptor {
	current := r.snapshot()
	out := make([]*schema.TableDescriptor, 0, len(current))
	for _, desc := range current {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name() < out[j].Name()
	})
	return out
}

// FindTable returns the descriptor registered under name
func (r *Registry) FindTable(name string) (*schema.TableDescriptor, bool) {
	desc, ok := r.snapshot()[schema.FoldName(name)]
	return desc, ok
}

// MustFindTable is FindTable returning a NotRegistered error on a miss
func (r *Registry) MustFindTable(name string) (*schema.TableDescriptor, error) {
	desc, ok := r.FindTable(name)
	if !ok {
		return nil, qerr.NotRegistered(name)
	}
	return desc, nil
}

// FindColumn resolves column against the table registered under table
func (r *Registry) FindColumn(table, column string) (*schema.ColumnDescriptor, bool) {
	desc, ok := r.FindTable(table)
	if !ok {
		return nil, false
	}
	return desc.Column(column)
}

// keyedMutex hands out one mutex per key, dropping it once unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
