/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

package query

import (
	"context"
	"fmt"
	"time"

	"pgedge-dynamic-api/internal/database"
	"pgedge-dynamic-api/internal/filter"
	"pgedge-dynamic-api/internal/schema"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of a pgx pool the executor uses
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Executor builds and runs statements for registered tables. It adds no
// timeouts of its own; cancellation follows ctx.
type Executor struct {
	db      DB
	builder StatementBuilder
}

// NewExecutor creates an executor over db using the PostgreSQL builder
func NewExecutor(db DB) *Executor {
	return &Executor{db: db, builder: PostgresBuilder{}}
}

// Execute runs req against table with the compiled predicate pred
func (e *Executor) Execute(ctx context.Context, table *schema.TableDescriptor, req *Request, pred filter.Node, excluded filter.Exclusions) (*Result, error) {
	plan, err := e.builder.Build(table, req, pred, excluded)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, plan, req.Count == CountExact)
}

// Run executes a plan. For mutations withCount reports the number of
// affected rows.
func (e *Executor) Run(ctx context.Context, plan *Plan, withCount bool) (*Result, error) {
	result := &Result{Rows: []Row{}, Head: plan.Main == nil}

	if plan.Count != nil {
		n, err := e.count(ctx, plan.Count)
		if err != nil {
			return nil, err
		}
		result.Count = &n
	}

	if plan.Main == nil {
		return result, nil
	}

	if len(plan.Columns) > 0 {
		rows, err := e.query(ctx, plan.Main, plan.Columns)
		if err != nil {
			return nil, err
		}
		result.Rows = rows
		if withCount && plan.Operation != OpSelect {
			n := int64(len(rows))
			result.Count = &n
		}
		return result, nil
	}

	affected, err := e.exec(ctx, plan.Main)
	if err != nil {
		return nil, err
	}
	if withCount {
		result.Count = &affected
	}
	return result, nil
}

func (e *Executor) count(ctx context.Context, stmt *Statement) (int64, error) {
	startTime := time.Now()
	var n int64
	err := e.db.QueryRow(ctx, stmt.SQL, stmt.Args...).Scan(&n)
	database.LogQuery(stmt.SQL, time.Since(startTime), 1, err)
	database.LogQueryTrace(stmt.SQL, stmt.Args)
	if err != nil {
		return 0, fmt.Errorf("count query failed: %w", err)
	}
	return n, nil
}

func (e *Executor) query(ctx context.Context, stmt *Statement, cols []*schema.ColumnDescriptor) ([]Row, error) {
	startTime := time.Now()
	database.LogQueryTrace(stmt.SQL, stmt.Args)

	rows, err := e.db.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		database.LogQuery(stmt.SQL, time.Since(startTime), 0, err)
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			database.LogQuery(stmt.SQL, time.Since(startTime), int64(len(out)), err)
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		if len(values) != len(cols) {
			return nil, fmt.Errorf("query returned %d columns, expected %d", len(values), len(cols))
		}
		row := NewRow(len(cols))
		for i, col := range cols {
			row.Set(col.Name, schema.NormalizeValue(col.Kind, values[i]))
		}
		out = append(out, row)
	}
	err = rows.Err()
	database.LogQuery(stmt.SQL, time.Since(startTime), int64(len(out)), err)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return out, nil
}

func (e *Executor) exec(ctx context.Context, stmt *Statement) (int64, error) {
	startTime := time.Now()
	database.LogQueryTrace(stmt.SQL, stmt.Args)

	tag, err := e.db.Exec(ctx, stmt.SQL, stmt.Args...)
	database.LogQuery(stmt.SQL, time.Since(startTime), tag.RowsAffected(), err)
	if err != nil {
		return 0, fmt.Errorf("statement failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
