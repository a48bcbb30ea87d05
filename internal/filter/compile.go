/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

package filter

import (
	"fmt"
	"strings"

	"pgedge-dynamic-api/internal/qerr"
	"pgedge-dynamic-api/internal/schema"
)

// RlsCondition is a row-level security condition supplied by the
// authorization layer. It is always AND-combined with the caller's filter.
type RlsCondition struct {
	Column   string `json:"column" yaml:"column"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// RlsResolver returns the row-level security conditions that apply to a
// resolved table. A nil resolver applies none.
type RlsResolver func(table *schema.TableDescriptor) []RlsCondition

// Exclusions reports columns hidden from callers
type Exclusions interface {
	Contains(column string) bool
}

// Compile turns a raw where-tree and a list of RLS conditions into a
// single predicate for table. It returns nil when there is neither a
// filter nor any RLS condition.
//
// The raw tree is a JSON-decoded array. A leaf is [column, operator] or
// [column, operator, value]; a group is an array of conditions separated
// by "and"/"or" tokens. Groups fold strictly left to right with no
// precedence between the tokens, so [A, "or", B, "and", C] is
// (A or B) and C. Conditions with no token between them are joined with
// AND.
//
// Columns named in the filter must resolve against table and must not be
// excluded. RLS conditions resolve against every column of the table and
// are joined outside the caller's tree, so nothing in the filter can
// widen them. Any invalid RLS condition fails the whole compilation.
func Compile(where any, table *schema.TableDescriptor, rls []RlsCondition, excluded Exclusions) (Node, error) {
	c := &compiler{table: table, excluded: excluded}

	user, err := c.parseRoot(where)
	if err != nil {
		return nil, err
	}

	if len(rls) == 0 {
		return user, nil
	}

	var children []Node
	if user != nil {
		children = append(children, user)
	}
	for i, cond := range rls {
		col, ok := table.Column(cond.Column)
		if !ok {
			return nil, qerr.UnknownColumn(table.Name(), cond.Column)
		}
		leaf, err := compileLeaf(col, cond.Operator, cond.Value, true)
		if err != nil {
			return nil, fmt.Errorf("row-level security condition %d on %s: %w", i+1, table.Name(), err)
		}
		children = append(children, leaf)
	}

	if len(children) == 1 {
		return children[0], nil
	}
	return &Combinator{Op: And, Children: children}, nil
}

type compiler struct {
	table    *schema.TableDescriptor
	excluded Exclusions
}

func (c *compiler) parseRoot(where any) (Node, error) {
	if where == nil {
		return nil, nil
	}
	items, ok := where.([]any)
	if !ok {
		return nil, qerr.Invalid("where must be an array, got %T", where)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return c.parseCondition(items)
}

// parseCondition parses either a leaf or a group
func (c *compiler) parseCondition(items []any) (Node, error) {
	if isLeaf(items) {
		return c.parseLeaf(items)
	}
	return c.parseGroup(items)
}

func isLeaf(items []any) bool {
	if len(items) < 2 {
		return false
	}
	_, colOK := items[0].(string)
	_, opOK := items[1].(string)
	return colOK && opOK
}

func token(s string) (BoolOp, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "and":
		return And, true
	case "or":
		return Or, true
	}
	return "", false
}

func (c *compiler) parseGroup(items []any) (Node, error) {
	if len(items) == 0 {
		return nil, qerr.Invalid("empty filter group")
	}

	var (
		acc     Node
		pending BoolOp
	)
	for _, item := range items {
		switch v := item.(type) {
		case string:
			op, ok := token(v)
			if !ok {
				return nil, qerr.Invalid("unexpected filter token %q (expected \"and\" or \"or\")", v)
			}
			if acc == nil {
				return nil, qerr.Invalid("filter group cannot start with %q", v)
			}
			if pending != "" {
				return nil, qerr.Invalid("filter token %q follows %q without a condition", v, pending)
			}
			pending = op

		case []any:
			node, err := c.parseCondition(v)
			if err != nil {
				return nil, err
			}
			if acc == nil {
				acc = node
			} else {
				op := pending
				if op == "" {
					op = And
				}
				acc = combine(op, acc, node)
			}
			pending = ""

		default:
			return nil, qerr.Invalid("filter element must be a condition array or \"and\"/\"or\", got %T", item)
		}
	}

	if pending != "" {
		return nil, qerr.Invalid("filter group ends with a dangling %q", pending)
	}
	return acc, nil
}

func (c *compiler) parseLeaf(items []any) (Node, error) {
	if len(items) > 3 {
		return nil, qerr.Invalid("filter condition has %d elements (expected [column, operator, value])", len(items))
	}
	name := items[0].(string)
	opName := items[1].(string)

	// Embedded resources such as author(name) or author:name are not
	// supported in filters
	if strings.ContainsAny(name, ":(") {
		return nil, qerr.Unsupported("relational filter column %q is not supported", name)
	}

	col, ok := c.table.Column(name)
	if !ok || (c.excluded != nil && c.excluded.Contains(col.Name)) {
		return nil, qerr.UnknownColumn(c.table.Name(), name)
	}

	var value any
	hasValue := len(items) == 3
	if hasValue {
		value = items[2]
	}
	return compileLeaf(col, opName, value, hasValue)
}

// compileLeaf validates an operator and coerces its value for col
func compileLeaf(col *schema.ColumnDescriptor, opName string, value any, hasValue bool) (Node, error) {
	op, err := ParseOperator(opName)
	if err != nil {
		return nil, err
	}

	switch op {
	case OpIs:
		notNull, err := nullTest(value)
		if err != nil {
			return nil, err
		}
		return &Leaf{Column: col, Operator: OpIs, NotNull: notNull}, nil

	case OpIn:
		raw, ok := value.([]any)
		if !ok {
			if !hasValue || value == nil {
				return nil, qerr.Invalid("operator in on %s requires a value", col.Name)
			}
			raw = []any{value}
		}
		if len(raw) == 0 {
			return Constant(false), nil
		}
		values := make([]any, len(raw))
		for i, item := range raw {
			v, err := schema.CoerceValue(col.Kind, item)
			if err != nil {
				return nil, qerr.Invalid("invalid value for %s: %v", col.Name, err)
			}
			values[i] = v
		}
		return &Leaf{Column: col, Operator: OpIn, Value: values}, nil

	case OpLike, OpILike:
		pattern, ok := value.(string)
		if !ok {
			return nil, qerr.Invalid("operator %s on %s requires a string pattern", op, col.Name)
		}
		return &Leaf{Column: col, Operator: op, Value: strings.ReplaceAll(pattern, "*", "%")}, nil
	}

	if value == nil {
		return nil, qerr.Invalid("operator %s on %s requires a non-null value (use \"is\" to test for null)", op, col.Name)
	}
	v, err := schema.CoerceValue(col.Kind, value)
	if err != nil {
		return nil, qerr.Invalid("invalid value for %s: %v", col.Name, err)
	}
	return &Leaf{Column: col, Operator: op, Value: v}, nil
}

// nullTest reads the value of an "is" condition. It reports true for
// IS NOT NULL.
func nullTest(value any) (bool, error) {
	if value == nil {
		return false, nil
	}
	s, ok := value.(string)
	if !ok {
		return false, qerr.Invalid("operator is accepts only null or \"not null\", got %v", value)
	}
	switch strings.ToLower(strings.Join(strings.Fields(s), " ")) {
	case "null":
		return false, nil
	case "not null", "notnull", "!null":
		return true, nil
	}
	return false, qerr.Invalid("operator is accepts only null or \"not null\", got %q", s)
}
