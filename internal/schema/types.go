/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

// Package schema describes tables discovered at runtime: the closed set of
// value kinds, immutable column and table descriptors, the mapping from
// PostgreSQL types to value kinds, and the pg_catalog introspector.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// ValueKind is the runtime category of a column value
type ValueKind int

const (
	KindText ValueKind = iota
	KindIntegerSmall
	KindIntegerBig
	KindBoolean
	KindTimestamp
	KindDate
	KindTime
	KindDecimal
	KindDoubleFloat
	KindSingleFloat
	KindBinary
)

var kindNames = map[ValueKind]string{
	KindText:         "text",
	KindIntegerSmall: "integer",
	KindIntegerBig:   "long",
	KindBoolean:      "boolean",
	KindTimestamp:    "timestamp",
	KindDate:         "date",
	KindTime:         "time",
	KindDecimal:      "decimal",
	KindDoubleFloat:  "double",
	KindSingleFloat:  "float",
	KindBinary:       "binary",
}

// String returns the lower-case name of the kind
func (k ValueKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON and YAML output
func (k ValueKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ColumnDescriptor describes one column of a registered table. It is never
// modified after introspection.
type ColumnDescriptor struct {
	Name         string    `json:"name"`
	Kind         ValueKind `json:"kind"`
	TypeOID      uint32    `json:"type_oid"`
	TypeName     string    `json:"type_name"`
	Size         int       `json:"size"`
	Nullable     bool      `json:"nullable"`
	IsPrimaryKey bool      `json:"is_primary_key"`
	DefaultValue *string   `json:"default_value,omitempty"`
	Remarks      *string   `json:"remarks,omitempty"`
}

// TableDescriptor is the introspected shape of a table at one point in
// time. Refreshing a table builds a new descriptor; existing ones are never
// mutated, so a reader holding one always sees a complete table.
type TableDescriptor struct {
	name         string
	alias        string
	physicalName string
	schema       string
	registeredAt int64

	columns     []*ColumnDescriptor
	columnIndex map[string]*ColumnDescriptor
	primaryKeys map[string]struct{}
}

// NewTableDescriptor builds a descriptor for physicalName in schemaName from
// introspected columns. The descriptor is registered under the folded
// physical name until WithRegistration assigns a different key.
func NewTableDescriptor(physicalName, schemaName string, columns []ColumnDescriptor) *TableDescriptor {
	t := &TableDescriptor{
		name:         FoldName(physicalName),
		physicalName: physicalName,
		schema:       schemaName,
		columns:      make([]*ColumnDescriptor, 0, len(columns)),
		columnIndex:  make(map[string]*ColumnDescriptor, len(columns)*2),
		primaryKeys:  make(map[string]struct{}),
	}

	for i := range columns {
		col := columns[i]
		t.columns = append(t.columns, &col)
		if col.IsPrimaryKey {
			t.primaryKeys[col.Name] = struct{}{}
		}
	}

	// Exact spellings win over derived ones when two physical columns
	// differ only in separator style
	for _, col := range t.columns {
		t.columnIndex[FoldName(col.Name)] = col
	}
	for _, col := range t.columns {
		for _, key := range alternateKeys(col.Name) {
			if _, taken := t.columnIndex[key]; !taken {
				t.columnIndex[key] = col
			}
		}
	}

	return t
}

// WithRegistration returns a copy of t keyed by name (the alias when one
// is given) and stamped with the registration time.
func (t *TableDescriptor) WithRegistration(alias string, at time.Time) *TableDescriptor {
	cp := *t
	cp.alias = alias
	cp.name = FoldName(t.physicalName)
	if alias != "" {
		cp.name = FoldName(alias)
	}
	cp.registeredAt = at.UnixMilli()
	return &cp
}

// Name returns the key the table is registered under
func (t *TableDescriptor) Name() string { return t.name }

// Alias returns the registration alias, if any
func (t *TableDescriptor) Alias() string { return t.alias }

// PhysicalName returns the table name in the database
func (t *TableDescriptor) PhysicalName() string { return t.physicalName }

// Schema returns the schema the table lives in
func (t *TableDescriptor) Schema() string { return t.schema }

// RegisteredAt returns the registration time in epoch milliseconds
func (t *TableDescriptor) RegisteredAt() int64 { return t.registeredAt }

// Columns returns the columns in ordinal order
func (t *TableDescriptor) Columns() []*ColumnDescriptor {
	out := make([]*ColumnDescriptor, len(t.columns))
	copy(out, t.columns)
	return out
}

// ColumnCount returns the number of physical columns
func (t *TableDescriptor) ColumnCount() int { return len(t.columns) }

// PrimaryKeys returns the primary key column names in ordinal order
func (t *TableDescriptor) PrimaryKeys() []string {
	var keys []string
	for _, col := range t.columns {
		if _, ok := t.primaryKeys[col.Name]; ok {
			keys = append(keys, col.Name)
		}
	}
	return keys
}

// IsPrimaryKey reports whether column is part of the primary key
func (t *TableDescriptor) IsPrimaryKey(column string) bool {
	_, ok := t.primaryKeys[column]
	return ok
}

// Column resolves a caller-supplied column name. Lookups ignore case and
// separator style, so created_at, CREATED_AT and createdAt all resolve to
// the same column.
func (t *TableDescriptor) Column(name string) (*ColumnDescriptor, bool) {
	if col, ok := t.columnIndex[FoldName(name)]; ok {
		return col, true
	}
	if col, ok := t.columnIndex[FoldName(SnakeCase(name))]; ok {
		return col, true
	}
	return nil, false
}

// QualifiedName returns the quoted schema-qualified table name
func (t *TableDescriptor) QualifiedName() string {
	if t.schema == "" {
		return pgx.Identifier{t.physicalName}.Sanitize()
	}
	return pgx.Identifier{t.schema, t.physicalName}.Sanitize()
}

// QuoteIdentifier quotes a single identifier for use in SQL
func QuoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// FoldName returns the case-folded lookup key for a table or column name
func FoldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// alternateKeys returns the derived spellings accepted for a column name
func alternateKeys(name string) []string {
	exact := FoldName(name)
	var keys []string
	for _, k := range []string{FoldName(CamelCase(name)), FoldName(SnakeCase(name))} {
		if k != exact && k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// SnakeCase converts camelCase or PascalCase to snake_case
func SnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				prev := runes[i-1]
				if (prev >= 'a' && prev <= 'z') || (prev >= '0' && prev <= '9') {
					b.WriteByte('_')
				}
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CamelCase converts snake_case to camelCase
func CamelCase(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	first := true
	for _, p := range parts {
		if p == "" {
			continue
		}
		if first {
			b.WriteString(p)
			first = false
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}
