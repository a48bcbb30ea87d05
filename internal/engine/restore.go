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
	"fmt"

	"pgedge-dynamic-api/internal/config"
	"pgedge-dynamic-api/internal/logging"
)

// RestoreStats summarises a startup restore
type RestoreStats struct {
	Restored int
	Failed   int
}

// Restore reloads persisted exclusions and re-registers persisted tables.
// A table that can no longer be introspected is logged and skipped; its
// record is kept so a later restart can pick it up again.
func (s *Service) Restore(ctx context.Context) (RestoreStats, error) {
	var stats RestoreStats
	if s.store == nil {
		return stats, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	global, ok, err := s.store.GlobalExcludedColumns()
	if err != nil {
		return stats, err
	}
	if ok {
		s.registry.SetGlobalExcludedColumns(global)
	}

	perTable, err := s.store.ExcludedColumns()
	if err != nil {
		return stats, err
	}
	for table, columns := range perTable {
		s.registry.SetExcludedColumns(table, columns)
	}

	records, err := s.store.ListTables()
	if err != nil {
		return stats, err
	}
	for _, rec := range records {
		desc, err := s.registry.Register(ctx, rec.PhysicalName, rec.Schema, rec.Alias)
		if err != nil {
			stats.Failed++
			logging.Warn("restore_table_failed",
				"table", rec.Name,
				"schema", rec.Schema,
				"error", err,
			)
			continue
		}
		// Keep the original registration time
		s.registry.Restore(desc.WithRegistration(rec.Alias, rec.RegisteredAt))
		stats.Restored++
	}

	logging.Info("registry_restored",
		"tables", stats.Restored,
		"failed", stats.Failed,
	)
	return stats, nil
}

// AutoRegister registers the tables named in the engine configuration.
// Failures are logged and do not stop startup.
func (s *Service) AutoRegister(ctx context.Context, cfg config.EngineConfig) error {
	if cfg.AutoRegisterAll {
		count, err := s.RegisterAllTables(ctx, cfg.DefaultSchema, cfg.AutoRegisterExclude)
		if err != nil {
			return fmt.Errorf("auto-registration failed: %w", err)
		}
		logging.Info("auto_registered", "schema", cfg.DefaultSchema, "tables", count)
		return nil
	}

	if len(cfg.AutoRegister) == 0 {
		return nil
	}
	results := s.RegisterTables(ctx, cfg.AutoRegister, cfg.DefaultSchema)
	count := 0
	for _, ok := range results {
		if ok {
			count++
		}
	}
	logging.Info("auto_registered",
		"schema", cfg.DefaultSchema,
		"tables", count,
		"requested", len(cfg.AutoRegister),
	)
	return nil
}
