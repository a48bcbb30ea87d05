/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

// Package engine is the call surface of the dynamic query engine. It ties
// the table registry, the filter compiler and the query executor together
// and persists registry changes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pgedge-dynamic-api/internal/filter"
	"pgedge-dynamic-api/internal/logging"
	"pgedge-dynamic-api/internal/qerr"
	"pgedge-dynamic-api/internal/query"
	"pgedge-dynamic-api/internal/registry"
	"pgedge-dynamic-api/internal/schema"
	"pgedge-dynamic-api/internal/store"
)

// Store persists registrations and exclusions. *store.Store implements it.
type Store interface {
	SaveTable(rec store.TableRecord) error
	DeleteTable(name string) error
	ListTables() ([]store.TableRecord, error)
	SaveExcludedColumns(table string, columns []string) error
	ExcludedColumns() (map[string][]string, error)
	SaveGlobalExcludedColumns(columns []string) error
	GlobalExcludedColumns() ([]string, bool, error)
}

// TableSummary is the caller-facing view of a registered table
type TableSummary struct {
	Name         string                     `json:"name"`
	Alias        string                     `json:"alias,omitempty"`
	PhysicalName string                     `json:"physical_name"`
	Schema       string                     `json:"schema,omitempty"`
	Columns      []*schema.ColumnDescriptor `json:"columns"`
	PrimaryKeys  []string                   `json:"primary_keys,omitempty"`
	RegisteredAt int64                      `json:"registered_at"`
}

// NewTableSummary builds the view of desc
func NewTableSummary(desc *schema.TableDescriptor) *TableSummary {
	return &TableSummary{
		Name:         desc.Name(),
		Alias:        desc.Alias(),
		PhysicalName: desc.PhysicalName(),
		Schema:       desc.Schema(),
		Columns:      desc.Columns(),
		PrimaryKeys:  desc.PrimaryKeys(),
		RegisteredAt: desc.RegisteredAt(),
	}
}

// RegisterResult is the outcome of registering one table
type RegisterResult struct {
	Success    bool          `json:"success"`
	Message    string        `json:"message,omitempty"`
	Descriptor *TableSummary `json:"descriptor,omitempty"`
}

// Service exposes registry management and data queries
type Service struct {
	registry     *registry.Registry
	introspector schema.Introspector
	executor     *query.Executor
	store        Store

	// mu serialises a registry change with its persistence so a failed
	// write can be rolled back without racing another mutation
	mu sync.Mutex
}

// Option configures a Service
type Option func(*Service)

// WithStore persists registry changes to st
func WithStore(st Store) Option {
	return func(s *Service) {
		s.store = st
	}
}

// New creates a service over reg. Queries run on db; ad hoc column
// listings use introspector.
func New(reg *registry.Registry, introspector schema.Introspector, db query.DB, opts ...Option) *Service {
	s := &Service{
		registry:     reg,
		introspector: introspector,
		executor:     query.NewExecutor(db),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the underlying table registry
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// DiscoverTables lists the tables of schemaName with their registration
// state
func (s *Service) DiscoverTables(ctx context.Context, schemaName string) ([]registry.TableInfo, error) {
	return s.registry.Discover(ctx, schemaName)
}

// ListRegisteredTables returns every registered table ordered by name
func (s *Service) ListRegisteredTables() []*TableSummary {
	tables := s.registry.List()
	out := make([]*TableSummary, len(tables))
	for i, desc := range tables {
		out[i] = NewTableSummary(desc)
	}
	return out
}

// RegisterTable registers name, optionally under alias. Registering a
// name twice succeeds and returns the existing descriptor.
func (s *Service) RegisterTable(ctx context.Context, name, schemaName, alias string) (*RegisterResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(ctx, name, schemaName, alias)
}

func (s *Service) registerLocked(ctx context.Context, name, schemaName, alias string) (*RegisterResult, error) {
	key := name
	if alias != "" {
		key = alias
	}
	if existing, ok := s.registry.FindTable(key); ok {
		return &RegisterResult{
			Success:    true,
			Message:    fmt.Sprintf("table %s is already registered", existing.Name()),
			Descriptor: NewTableSummary(existing),
		}, nil
	}

	desc, err := s.registry.Register(ctx, name, schemaName, alias)
	if err != nil {
		return &RegisterResult{Success: false, Message: err.Error()}, err
	}

	if err := s.persistTable(desc); err != nil {
		s.registry.Unregister(desc.Name())
		return &RegisterResult{Success: false, Message: err.Error()}, err
	}

	return &RegisterResult{
		Success:    true,
		Message:    fmt.Sprintf("registered %s with %d columns", desc.Name(), desc.ColumnCount()),
		Descriptor: NewTableSummary(desc),
	}, nil
}

// RegisterTables registers each name in schemaName and reports which
// succeeded. One failure does not stop the rest.
func (s *Service) RegisterTables(ctx context.Context, names []string, schemaName string) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool, len(names))
	for _, name := range names {
		_, err := s.registerLocked(ctx, name, schemaName, "")
		if err != nil {
			logging.Warn("register_table_failed",
				"table", name,
				"schema", schemaName,
				"error", err,
			)
		}
		out[name] = err == nil
	}
	return out
}

// RegisterAllTables registers every table of schemaName except those in
// exclude and returns how many are registered afterwards
func (s *Service) RegisterAllTables(ctx context.Context, schemaName string, exclude []string) (int, error) {
	if schemaName == "" {
		schemaName = s.registry.DefaultSchema()
	}
	tables, err := s.introspector.ListTables(ctx, schemaName)
	if err != nil {
		return 0, qerr.Introspection("", err)
	}

	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[schema.FoldName(name)] = true
	}

	var names []string
	for _, table := range tables {
		if !skip[schema.FoldName(table)] {
			names = append(names, table)
		}
	}

	count := 0
	for _, ok := range s.RegisterTables(ctx, names, schemaName) {
		if ok {
			count++
		}
	}
	return count, nil
}

// UnregisterTable removes name and reports whether it was registered
func (s *Service) UnregisterTable(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	desc, ok := s.registry.FindTable(name)
	if !ok {
		return false, nil
	}
	s.registry.Unregister(desc.Name())

	if s.store != nil {
		if err := s.store.DeleteTable(desc.Name()); err != nil {
			s.registry.Restore(desc)
			return false, fmt.Errorf("failed to persist unregistration: %w", err)
		}
	}
	return true, nil
}

// GetColumns returns the columns of a table. A registered table with no
// schema override is answered from the registry; anything else is
// introspected.
func (s *Service) GetColumns(ctx context.Context, name, schemaName string) ([]*schema.ColumnDescriptor, error) {
	if desc, ok := s.registry.FindTable(name); ok && (schemaName == "" || schemaName == desc.Schema()) {
		return desc.Columns(), nil
	}

	if schemaName == "" {
		schemaName = s.registry.DefaultSchema()
	}
	columns, err := s.introspector.DescribeColumns(ctx, name, schemaName)
	if err != nil {
		if errors.Is(err, qerr.ErrTableNotFound) {
			return nil, err
		}
		return nil, qerr.Introspection(name, err)
	}
	return schema.NewTableDescriptor(name, schemaName, columns).Columns(), nil
}

// RefreshTable re-introspects a registered table
func (s *Service) RefreshTable(ctx context.Context, name, schemaName string) (*TableSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.registry.FindTable(name)
	if !ok {
		return nil, qerr.NotRegistered(name)
	}

	desc, err := s.registry.Refresh(ctx, name, schemaName)
	if err != nil {
		return nil, err
	}
	if err := s.persistTable(desc); err != nil {
		s.registry.Restore(previous)
		return nil, err
	}
	return NewTableSummary(desc), nil
}

// SetExcludedColumns replaces the table-specific exclusions of name
func (s *Service) SetExcludedColumns(name string, columns []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := schema.FoldName(name)
	if key == "" {
		return qerr.Invalid("table name is required")
	}
	previous := s.registry.ExcludedColumns(key)
	s.registry.SetExcludedColumns(key, columns)

	if s.store != nil {
		if err := s.store.SaveExcludedColumns(key, s.registry.ExcludedColumns(key)); err != nil {
			s.registry.SetExcludedColumns(key, previous)
			return fmt.Errorf("failed to persist excluded columns: %w", err)
		}
	}
	logging.Info("excluded_columns_updated", "table", key, "columns", s.registry.ExcludedColumns(key))
	return nil
}

// GetExcludedColumns returns the table-specific exclusions of name
func (s *Service) GetExcludedColumns(name string) []string {
	return s.registry.ExcludedColumns(name)
}

// SetGlobalExcludedColumns replaces the exclusions applied to every table
func (s *Service) SetGlobalExcludedColumns(columns []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.registry.GlobalExcludedColumns()
	s.registry.SetGlobalExcludedColumns(columns)

	if s.store != nil {
		if err := s.store.SaveGlobalExcludedColumns(s.registry.GlobalExcludedColumns()); err != nil {
			s.registry.SetGlobalExcludedColumns(previous)
			return fmt.Errorf("failed to persist global excluded columns: %w", err)
		}
	}
	logging.Info("global_excluded_columns_updated", "columns", s.registry.GlobalExcludedColumns())
	return nil
}

// GetGlobalExcludedColumns returns the exclusions applied to every table
func (s *Service) GetGlobalExcludedColumns() []string {
	return s.registry.GlobalExcludedColumns()
}

// Query executes req with the caller's row-level security conditions
// AND-ed onto its filter. resolveRLS receives the resolved descriptor, so
// every name a table is registered under carries the same conditions.
func (s *Service) Query(ctx context.Context, req *query.Request, resolveRLS filter.RlsResolver) (*query.Result, error) {
	startTime := time.Now()

	desc, err := s.registry.MustFindTable(req.From)
	if err != nil {
		return nil, err
	}
	excluded := s.registry.EffectiveExcluded(desc.Name())

	var rls []filter.RlsCondition
	if resolveRLS != nil {
		rls = resolveRLS(desc)
	}

	pred, err := filter.Compile(req.Where, desc, rls, excluded)
	if err != nil {
		return nil, err
	}

	result, err := s.executor.Execute(ctx, desc, req, pred, excluded)
	if err != nil {
		logging.Debug("query_failed",
			"table", desc.Name(),
			"operation", string(req.Operation),
			"error", err,
		)
		return nil, err
	}

	logging.Debug("query_executed",
		"table", desc.Name(),
		"operation", string(req.Operation),
		"rows", len(result.Rows),
		"rls_conditions", len(rls),
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	return result, nil
}

func (s *Service) persistTable(desc *schema.TableDescriptor) error {
	if s.store == nil {
		return nil
	}
	err := s.store.SaveTable(store.TableRecord{
		Name:         desc.Name(),
		PhysicalName: desc.PhysicalName(),
		Schema:       desc.Schema(),
		Alias:        desc.Alias(),
		RegisteredAt: time.UnixMilli(desc.RegisteredAt()),
	})
	if err != nil {
		return fmt.Errorf("failed to persist registration of %s: %w", desc.Name(), err)
	}
	return nil
}
