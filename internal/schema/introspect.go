/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

package schema

import (
	"context"
	"fmt"
	"time"

	"pgedge-dynamic-api/internal/database"
	"pgedge-dynamic-api/internal/qerr"

	"github.com/jackc/pgx/v5"
)

// DefaultSchema is used when a caller does not name a schema
const DefaultSchema = "public"

// Introspector reads table structure from the database catalog
type Introspector interface {
	// ListTables returns the base tables (not views) in schemaName
	ListTables(ctx context.Context, schemaName string) ([]string, error)
	// DescribeColumns returns the columns of table in ordinal order
	DescribeColumns(ctx context.Context, table, schemaName string) ([]ColumnDescriptor, error)
	// TableExists reports whether table exists in schemaName
	TableExists(ctx context.Context, table, schemaName string) (bool, error)
}

// Querier is the subset of a pgx pool or connection the introspector needs
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresIntrospector reads table metadata from pg_catalog
type PostgresIntrospector struct {
	db            Querier
	defaultSchema string
}

// NewPostgresIntrospector creates an introspector over db. An empty
// defaultSchema means "public".
func NewPostgresIntrospector(db Querier, defaultSchema string) *PostgresIntrospector {
	if defaultSchema == "" {
		defaultSchema = DefaultSchema
	}
	return &PostgresIntrospector{db: db, defaultSchema: defaultSchema}
}

// DefaultSchema returns the schema used when none is given
func (p *PostgresIntrospector) DefaultSchema() string {
	return p.defaultSchema
}

func (p *PostgresIntrospector) schemaOrDefault(schemaName string) string {
	if schemaName == "" {
		return p.defaultSchema
	}
	return schemaName
}

const listTablesQuery = `
	SELECT c.relname
	FROM pg_class c
	JOIN pg_namespace n ON n.oid = c.relnamespace
	WHERE n.nspname = $1
		AND c.relkind IN ('r', 'p')
		AND NOT c.relispartition
	ORDER BY c.relname`

// ListTables returns the base tables in schemaName
func (p *PostgresIntrospector) ListTables(ctx context.Context, schemaName string) ([]string, error) {
	schemaName = p.schemaOrDefault(schemaName)

	rows, err := p.db.Query(ctx, listTablesQuery, schemaName)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables in schema %s: %w", schemaName, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tables in schema %s: %w", schemaName, err)
	}
	return tables, nil
}

const primaryKeysQuery = `
	SELECT a.attname
	FROM pg_index i
	JOIN pg_class c ON c.oid = i.indrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = ANY(i.indkey)
	WHERE i.indisprimary
		AND n.nspname = $1
		AND c.relname = $2`

const columnsQuery = `
	SELECT
		a.attname,
		a.atttypid,
		pg_catalog.format_type(a.atttypid, a.atttypmod),
		(CASE
			WHEN a.atttypmod > 0 AND t.typname IN ('varchar', 'bpchar') THEN a.atttypmod - 4
			WHEN a.atttypmod > 0 AND t.typname = 'numeric' THEN ((a.atttypmod - 4) >> 16) & 65535
			ELSE t.typlen
		END)::int4 AS size,
		NOT a.attnotnull,
		pg_get_expr(d.adbin, d.adrelid),
		col_description(c.oid, a.attnum)
	FROM pg_attribute a
	JOIN pg_class c ON c.oid = a.attrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	JOIN pg_type t ON t.oid = a.atttypid
	LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
	WHERE n.nspname = $1
		AND c.relname = $2
		AND c.relkind IN ('r', 'p', 'v', 'm', 'f')
		AND a.attnum > 0
		AND NOT a.attisdropped
	ORDER BY a.attnum`

// DescribeColumns returns the columns of table. Primary keys are read
// first so each column can be flagged as it is scanned. A table with no
// columns is reported as qerr.KindTableNotFound; query failures are
// returned wrapped but otherwise unchanged.
func (p *PostgresIntrospector) DescribeColumns(ctx context.Context, table, schemaName string) ([]ColumnDescriptor, error) {
	startTime := time.Now()
	schemaName = p.schemaOrDefault(schemaName)

	columns, err := p.describeColumns(ctx, table, schemaName)
	database.LogIntrospection(schemaName, table, len(columns), time.Since(startTime), err)
	return columns, err
}

func (p *PostgresIntrospector) describeColumns(ctx context.Context, table, schemaName string) ([]ColumnDescriptor, error) {
	pkRows, err := p.db.Query(ctx, primaryKeysQuery, schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query primary keys of %s.%s: %w", schemaName, table, err)
	}
	primaryKeys := make(map[string]bool)
	for pkRows.Next() {
		var name string
		if err := pkRows.Scan(&name); err != nil {
			pkRows.Close()
			return nil, fmt.Errorf("failed to scan primary key: %w", err)
		}
		primaryKeys[name] = true
	}
	pkRows.Close()
	if err := pkRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query primary keys of %s.%s: %w", schemaName, table, err)
	}

	rows, err := p.db.Query(ctx, columnsQuery, schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns of %s.%s: %w", schemaName, table, err)
	}
	defer rows.Close()

	var columns []ColumnDescriptor
	for rows.Next() {
		var (
			col      ColumnDescriptor
			size     int32
			defValue *string
			remarks  *string
		)
		if err := rows.Scan(&col.Name, &col.TypeOID, &col.TypeName, &size, &col.Nullable, &defValue, &remarks); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		col.Size = int(size)
		col.Kind = MapType(col.TypeOID, col.TypeName)
		col.IsPrimaryKey = primaryKeys[col.Name]
		col.DefaultValue = defValue
		col.Remarks = remarks
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query columns of %s.%s: %w", schemaName, table, err)
	}

	if len(columns) == 0 {
		return nil, qerr.TableNotFound(table)
	}
	return columns, nil
}

const tableExistsQuery = `
	SELECT EXISTS (
		SELECT 1
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1
			AND c.relname = $2
			AND c.relkind IN ('r', 'p', 'v', 'm', 'f')
	)`

// TableExists reports whether table exists in schemaName
func (p *PostgresIntrospector) TableExists(ctx context.Context, table, schemaName string) (bool, error) {
	schemaName = p.schemaOrDefault(schemaName)

	var exists bool
	if err := p.db.QueryRow(ctx, tableExistsQuery, schemaName, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check table %s.%s: %w", schemaName, table, err)
	}
	return exists, nil
}
