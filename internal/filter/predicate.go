/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

// Package filter compiles the nested where-tree of a query request into a
// column-resolved predicate and merges row-level security conditions into
// it.
package filter

import (
	"fmt"
	"strings"

	"pgedge-dynamic-api/internal/qerr"
	"pgedge-dynamic-api/internal/schema"
)

// Operator is a leaf comparison operator
type Operator string

const (
	OpEq    Operator = "eq"
	OpNeq   Operator = "neq"
	OpGt    Operator = "gt"
	OpGte   Operator = "gte"
	OpLt    Operator = "lt"
	OpLte   Operator = "lte"
	OpLike  Operator = "like"
	OpILike Operator = "ilike"
	OpIs    Operator = "is"
	OpIn    Operator = "in"
)

var operators = map[string]Operator{
	"eq":    OpEq,
	"neq":   OpNeq,
	"gt":    OpGt,
	"gte":   OpGte,
	"lt":    OpLt,
	"lte":   OpLte,
	"like":  OpLike,
	"ilike": OpILike,
	"is":    OpIs,
	"in":    OpIn,
}

// ParseOperator resolves an operator name case-insensitively
func ParseOperator(name string) (Operator, error) {
	op, ok := operators[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", qerr.UnknownOperator(name)
	}
	return op, nil
}

// BoolOp joins the children of a Combinator
type BoolOp string

const (
	And BoolOp = "and"
	Or  BoolOp = "or"
)

// Node is a compiled predicate: a Leaf, a Combinator or a Constant
type Node interface {
	fmt.Stringer
	node()
}

// Leaf is a single resolved condition. Value has already been coerced to
// the column's kind; for OpIn it is a non-empty []any, for OpIs it is
// unused and NotNull selects the test.
type Leaf struct {
	Column   *schema.ColumnDescriptor
	Operator Operator
	Value    any
	NotNull  bool
}

// Combinator joins two or more nodes with AND or OR
type Combinator struct {
	Op       BoolOp
	Children []Node
}

// Constant is a predicate with a fixed outcome
type Constant bool

func (*Leaf) node()       {}
func (*Combinator) node() {}
func (Constant) node()    {}

func (l *Leaf) String() string {
	switch l.Operator {
	case OpIs:
		if l.NotNull {
			return l.Column.Name + " is not null"
		}
		return l.Column.Name + " is null"
	case OpIn:
		return fmt.Sprintf("%s in %v", l.Column.Name, l.Value)
	}
	return fmt.Sprintf("%s %s %v", l.Column.Name, l.Operator, l.Value)
}

func (c *Combinator) String() string {
	parts := make([]string, len(c.Children))
	for i, child := range c.Children {
		parts[i] = child.String()
	}
	return "(" + strings.Join(parts, " "+string(c.Op)+" ") + ")"
}

func (c Constant) String() string {
	if c {
		return "true"
	}
	return "false"
}

// combine joins left and right with op. A left operand that is already a
// combinator of the same kind is extended in place of nesting, which
// keeps the left-fold shape without redundant parentheses.
func combine(op BoolOp, left, right Node) Node {
	if c, ok := left.(*Combinator); ok && c.Op == op {
		children := make([]Node, 0, len(c.Children)+1)
		children = append(children, c.Children...)
		return &Combinator{Op: op, Children: append(children, right)}
	}
	return &Combinator{Op: op, Children: []Node{left, right}}
}
