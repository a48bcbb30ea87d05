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
	"strconv"
	"strings"

	"pgedge-dynamic-api/internal/filter"
	"pgedge-dynamic-api/internal/logging"
	"pgedge-dynamic-api/internal/qerr"
	"pgedge-dynamic-api/internal/schema"
)

// Statement is a SQL text with its positional arguments
type Statement struct {
	SQL  string
	Args []any
}

// Plan is everything needed to execute one request
type Plan struct {
	Operation Operation
	Table     *schema.TableDescriptor

	// Main is nil for a head-only select
	Main *Statement
	// Count is the exact-count statement of a select, if requested
	Count *Statement
	// Columns describes the rows Main returns; empty when Main returns
	// no rows
	Columns []*schema.ColumnDescriptor
}

// StatementBuilder compiles a request and its predicate into SQL
type StatementBuilder interface {
	Build(table *schema.TableDescriptor, req *Request, pred filter.Node, excluded filter.Exclusions) (*Plan, error)
}

// PostgresBuilder generates PostgreSQL statements with $n placeholders
type PostgresBuilder struct{}

var comparison = map[filter.Operator]string{
	filter.OpEq:    "=",
	filter.OpNeq:   "<>",
	filter.OpGt:    ">",
	filter.OpGte:   ">=",
	filter.OpLt:    "<",
	filter.OpLte:   "<=",
	filter.OpLike:  "LIKE",
	filter.OpILike: "ILIKE",
}

// sqlWriter accumulates SQL text and numbers its parameters
type sqlWriter struct {
	strings.Builder
	args []any
}

func (w *sqlWriter) param(v any) string {
	w.args = append(w.args, v)
	return "$" + strconv.Itoa(len(w.args))
}

func (w *sqlWriter) statement() *Statement {
	return &Statement{SQL: w.String(), Args: w.args}
}

// writePredicate renders node. A non-empty qualifier prefixes every
// column reference.
func (w *sqlWriter) writePredicate(node filter.Node, qualifier string) {
	switch n := node.(type) {
	case filter.Constant:
		if n {
			w.WriteString("TRUE")
		} else {
			w.WriteString("FALSE")
		}

	case *filter.Combinator:
		sep := " AND "
		if n.Op == filter.Or {
			sep = " OR "
		}
		w.WriteByte('(')
		for i, child := range n.Children {
			if i > 0 {
				w.WriteString(sep)
			}
			w.writePredicate(child, qualifier)
		}
		w.WriteByte(')')

	case *filter.Leaf:
		col := schema.QuoteIdentifier(n.Column.Name)
		if qualifier != "" {
			col = qualifier + "." + col
		}
		switch n.Operator {
		case filter.OpIs:
			if n.NotNull {
				w.WriteString(col + " IS NOT NULL")
			} else {
				w.WriteString(col + " IS NULL")
			}
		case filter.OpIn:
			w.WriteString(col + " IN (")
			for i, v := range n.Value.([]any) {
				if i > 0 {
					w.WriteString(", ")
				}
				w.WriteString(w.param(v))
			}
			w.WriteByte(')')
		case filter.OpLike, filter.OpILike:
			if n.Column.Kind != schema.KindText {
				col += "::text"
			}
			w.WriteString(col + " " + comparison[n.Operator] + " " + w.param(n.Value))
		default:
			w.WriteString(col + " " + comparison[n.Operator] + " " + w.param(n.Value))
		}
	}
}

func (w *sqlWriter) writeColumns(cols []*schema.ColumnDescriptor) {
	for i, col := range cols {
		if i > 0 {
			w.WriteString(", ")
		}
		w.WriteString(schema.QuoteIdentifier(col.Name))
	}
}

func (w *sqlWriter) writeWhere(pred filter.Node) {
	if pred != nil {
		w.WriteString(" WHERE ")
		w.writePredicate(pred, "")
	}
}

func (w *sqlWriter) writeReturning(cols []*schema.ColumnDescriptor) {
	if len(cols) > 0 {
		w.WriteString(" RETURNING ")
		w.writeColumns(cols)
	}
}

// Build implements StatementBuilder
func (PostgresBuilder) Build(table *schema.TableDescriptor, req *Request, pred filter.Node, excluded filter.Exclusions) (*Plan, error) {
	plan := &Plan{Operation: req.Operation, Table: table}

	switch req.Operation {
	case OpSelect:
		return plan, buildSelect(plan, req, pred, excluded)
	case OpInsert, OpUpsert:
		return plan, buildInsert(plan, req, pred, excluded)
	case OpUpdate:
		if !req.HasFilter() {
			return nil, qerr.MissingPredicate(string(req.Operation), table.Name())
		}
		return plan, buildUpdate(plan, req, pred, excluded)
	case OpDelete:
		if !req.HasFilter() {
			return nil, qerr.MissingPredicate(string(req.Operation), table.Name())
		}
		return plan, buildDelete(plan, req, pred, excluded)
	}
	return nil, qerr.Invalid("unknown operation %q", req.Operation)
}

// resolveProjection maps the select list to columns. "*" expands to
// every column that is not excluded; an explicit name must resolve and
// must not be excluded.
func resolveProjection(table *schema.TableDescriptor, sel Projection, excluded filter.Exclusions) ([]*schema.ColumnDescriptor, error) {
	isExcluded := func(name string) bool {
		return excluded != nil && excluded.Contains(name)
	}

	var cols []*schema.ColumnDescriptor
	seen := make(map[string]bool)
	add := func(col *schema.ColumnDescriptor) {
		if !seen[col.Name] {
			seen[col.Name] = true
			cols = append(cols, col)
		}
	}

	specs := []string(sel)
	if sel.IsAll() {
		specs = []string{"*"}
	}
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if strings.ContainsAny(spec, ":(") {
			return nil, qerr.Unsupported("embedded resource %q in select is not supported", spec)
		}
		if spec == "*" {
			for _, col := range table.Columns() {
				if !isExcluded(col.Name) {
					add(col)
				}
			}
			continue
		}
		col, ok := table.Column(spec)
		if !ok || isExcluded(col.Name) {
			return nil, qerr.UnknownColumn(table.Name(), spec)
		}
		add(col)
	}

	if len(cols) == 0 {
		return nil, qerr.Invalid("no selectable columns in %s", table.Name())
	}
	return cols, nil
}

func buildSelect(plan *Plan, req *Request, pred filter.Node, excluded filter.Exclusions) error {
	table := plan.Table
	cols, err := resolveProjection(table, req.Select, excluded)
	if err != nil {
		return err
	}

	if req.Count == CountExact {
		var cw sqlWriter
		cw.WriteString("SELECT count(*) FROM " + table.QualifiedName())
		cw.writeWhere(pred)
		plan.Count = cw.statement()
	}

	if req.Head {
		return nil
	}

	var w sqlWriter
	w.WriteString("SELECT ")
	w.writeColumns(cols)
	w.WriteString(" FROM " + table.QualifiedName())
	w.writeWhere(pred)
	writeOrder(&w, table, req.Order, excluded)

	limit, offset := req.Pagination()
	if limit != nil {
		w.WriteString(" LIMIT " + w.param(int64(*limit)))
	}
	if offset != nil && *offset > 0 {
		w.WriteString(" OFFSET " + w.param(int64(*offset)))
	}

	plan.Main = w.statement()
	plan.Columns = cols
	return nil
}

// writeOrder renders ORDER BY. Terms naming unknown or excluded columns
// are skipped with a warning.
func writeOrder(w *sqlWriter, table *schema.TableDescriptor, order OrderList, excluded filter.Exclusions) {
	first := true
	for _, term := range order {
		col, ok := table.Column(term.Column)
		if !ok || (excluded != nil && excluded.Contains(col.Name)) {
			logging.Warn("order_column_skipped",
				"table", table.Name(),
				"column", term.Column,
			)
			continue
		}

		if first {
			w.WriteString(" ORDER BY ")
			first = false
		} else {
			w.WriteString(", ")
		}
		w.WriteString(schema.QuoteIdentifier(col.Name))
		if term.Ascending {
			w.WriteString(" ASC")
		} else {
			w.WriteString(" DESC")
		}
		if term.NullsFirst != nil {
			if *term.NullsFirst {
				w.WriteString(" NULLS FIRST")
			} else {
				w.WriteString(" NULLS LAST")
			}
		}
	}
}

// resolvePayload maps one data object to coerced values keyed by column
// name. Unknown and excluded keys are skipped with a warning.
func resolvePayload(table *schema.TableDescriptor, data map[string]any, excluded filter.Exclusions) (map[string]any, error) {
	values := make(map[string]any, len(data))
	source := make(map[string]string, len(data))

	for key, raw := range data {
		col, ok := table.Column(key)
		if !ok || (excluded != nil && excluded.Contains(col.Name)) {
			logging.Warn("payload_key_skipped",
				"table", table.Name(),
				"column", key,
			)
			continue
		}
		if prev, dup := source[col.Name]; dup {
			return nil, qerr.Invalid("keys %q and %q both set column %s", prev, key, col.Name)
		}
		v, err := schema.CoerceValue(col.Kind, raw)
		if err != nil {
			return nil, qerr.Invalid("invalid value for %s: %v", col.Name, err)
		}
		values[col.Name] = v
		source[col.Name] = key
	}
	return values, nil
}

func returningColumns(table *schema.TableDescriptor, req *Request, excluded filter.Exclusions) ([]*schema.ColumnDescriptor, error) {
	if len(req.Select) == 0 {
		return nil, nil
	}
	return resolveProjection(table, req.Select, excluded)
}

func buildInsert(plan *Plan, req *Request, pred filter.Node, excluded filter.Exclusions) error {
	table := plan.Table
	rows, err := req.rows()
	if err != nil {
		return err
	}

	resolved := make([]map[string]any, len(rows))
	present := make(map[string]bool)
	for i, row := range rows {
		values, err := resolvePayload(table, row, excluded)
		if err != nil {
			return err
		}
		for name := range values {
			present[name] = true
		}
		resolved[i] = values
	}

	// Union of the payload columns, in table order
	var cols []*schema.ColumnDescriptor
	for _, col := range table.Columns() {
		if present[col.Name] {
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		return qerr.Invalid("%s data has no columns of %s", req.Operation, table.Name())
	}

	var conflict *schema.ColumnDescriptor
	if req.Operation == OpUpsert {
		col, ok := table.Column(req.OnConflict)
		if !ok {
			return qerr.UnknownColumn(table.Name(), req.OnConflict)
		}
		conflict = col
	}

	returning, err := returningColumns(table, req, excluded)
	if err != nil {
		return err
	}

	var w sqlWriter
	w.WriteString("INSERT INTO " + table.QualifiedName() + " (")
	w.writeColumns(cols)
	w.WriteString(") VALUES ")
	for i, values := range resolved {
		if i > 0 {
			w.WriteString(", ")
		}
		w.WriteByte('(')
		for j, col := range cols {
			if j > 0 {
				w.WriteString(", ")
			}
			if v, ok := values[col.Name]; ok {
				w.WriteString(w.param(v))
			} else {
				w.WriteString("DEFAULT")
			}
		}
		w.WriteByte(')')
	}

	if conflict != nil {
		w.WriteString(" ON CONFLICT (" + schema.QuoteIdentifier(conflict.Name) + ")")
		var updates []*schema.ColumnDescriptor
		for _, col := range cols {
			if col.Name != conflict.Name {
				updates = append(updates, col)
			}
		}
		if len(updates) == 0 {
			w.WriteString(" DO NOTHING")
		} else {
			w.WriteString(" DO UPDATE SET ")
			for i, col := range updates {
				if i > 0 {
					w.WriteString(", ")
				}
				name := schema.QuoteIdentifier(col.Name)
				w.WriteString(name + " = EXCLUDED." + name)
			}
			// The conflicting row must satisfy the filter before it is
			// overwritten
			if pred != nil {
				w.WriteString(" WHERE ")
				w.writePredicate(pred, table.QualifiedName())
			}
		}
	}

	w.writeReturning(returning)
	plan.Main = w.statement()
	plan.Columns = returning
	return nil
}

func buildUpdate(plan *Plan, req *Request, pred filter.Node, excluded filter.Exclusions) error {
	table := plan.Table
	data, ok := req.Data.(map[string]any)
	if !ok {
		return qerr.Invalid("update data must be a single object")
	}
	values, err := resolvePayload(table, data, excluded)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return qerr.Invalid("update data has no columns of %s", table.Name())
	}

	returning, err := returningColumns(table, req, excluded)
	if err != nil {
		return err
	}

	var w sqlWriter
	w.WriteString("UPDATE " + table.QualifiedName() + " SET ")
	first := true
	for _, col := range table.Columns() {
		v, ok := values[col.Name]
		if !ok {
			continue
		}
		if !first {
			w.WriteString(", ")
		}
		first = false
		w.WriteString(schema.QuoteIdentifier(col.Name) + " = " + w.param(v))
	}
	w.writeWhere(pred)
	w.writeReturning(returning)

	plan.Main = w.statement()
	plan.Columns = returning
	return nil
}

func buildDelete(plan *Plan, req *Request, pred filter.Node, excluded filter.Exclusions) error {
	table := plan.Table
	returning, err := returningColumns(table, req, excluded)
	if err != nil {
		return err
	}

	var w sqlWriter
	w.WriteString("DELETE FROM " + table.QualifiedName())
	w.writeWhere(pred)
	w.writeReturning(returning)

	plan.Main = w.statement()
	plan.Columns = returning
	return nil
}
