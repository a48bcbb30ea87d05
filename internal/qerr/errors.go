/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

// Package qerr defines the error taxonomy shared by the registry, the
// filter compiler and the query executor. Every structural failure is
// reported as an *Error carrying a Kind so that callers (the HTTP layer in
// particular) can tell client mistakes from dependency failures.
package qerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	// KindNotRegistered means the target table is unknown to the registry
	KindNotRegistered Kind = "NOT_REGISTERED"
	// KindTableNotFound means introspection found no columns for a table
	KindTableNotFound Kind = "TABLE_NOT_FOUND"
	// KindUnknownColumn means a projection, filter or conflict target
	// referenced a column the table does not expose
	KindUnknownColumn Kind = "UNKNOWN_COLUMN"
	// KindUnknownOperator means a filter used an operator outside the
	// supported set
	KindUnknownOperator Kind = "UNKNOWN_OPERATOR"
	// KindMissingPredicate means an UPDATE or DELETE arrived without a filter
	KindMissingPredicate Kind = "MISSING_PREDICATE"
	// KindIntrospection means a metadata query failed
	KindIntrospection Kind = "INTROSPECTION_FAILURE"
	// KindUnsupported means the request used a feature the engine rejects
	KindUnsupported Kind = "UNSUPPORTED_FEATURE"
	// KindInvalidRequest means the request shape or a value was malformed
	KindInvalidRequest Kind = "INVALID_REQUEST"
)

// Error is the structured error returned by the engine.
type Error struct {
	Kind    Kind
	Message string
	Table   string
	Column  string
	Cause   error
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinels usable with errors.Is.
var (
	ErrNotRegistered    = &Error{Kind: KindNotRegistered}
	ErrTableNotFound    = &Error{Kind: KindTableNotFound}
	ErrUnknownColumn    = &Error{Kind: KindUnknownColumn}
	ErrUnknownOperator  = &Error{Kind: KindUnknownOperator}
	ErrMissingPredicate = &Error{Kind: KindMissingPredicate}
	ErrIntrospection    = &Error{Kind: KindIntrospection}
	ErrUnsupported      = &Error{Kind: KindUnsupported}
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest}
)

// NotRegistered reports a registry miss for table.
func NotRegistered(table string) *Error {
	return &Error{
		Kind:    KindNotRegistered,
		Message: fmt.Sprintf("table '%s' is not registered", table),
		Table:   table,
	}
}

// TableNotFound reports a table for which introspection found no columns.
func TableNotFound(table string) *Error {
	return &Error{
		Kind:    KindTableNotFound,
		Message: fmt.Sprintf("table '%s' not found", table),
		Table:   table,
	}
}

// UnknownColumn reports a column that does not resolve against table.
func UnknownColumn(table, column string) *Error {
	return &Error{
		Kind:    KindUnknownColumn,
		Message: fmt.Sprintf("column '%s' does not exist in table '%s'", column, table),
		Table:   table,
		Column:  column,
	}
}

// UnknownOperator reports an unsupported filter operator.
func UnknownOperator(op string) *Error {
	return &Error{
		Kind:    KindUnknownOperator,
		Message: fmt.Sprintf("unknown filter operator '%s'", op),
	}
}

// MissingPredicate reports an UPDATE or DELETE without a filter.
func MissingPredicate(operation, table string) *Error {
	return &Error{
		Kind:    KindMissingPredicate,
		Message: fmt.Sprintf("%s on table '%s' requires a non-empty where clause", operation, table),
		Table:   table,
	}
}

// Introspection wraps a metadata failure for table.
func Introspection(table string, cause error) *Error {
	return &Error{
		Kind:    KindIntrospection,
		Message: fmt.Sprintf("failed to introspect table '%s'", table),
		Table:   table,
		Cause:   cause,
	}
}

// Unsupported reports a rejected feature.
func Unsupported(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindUnsupported,
		Message: fmt.Sprintf(format, args...),
	}
}

// Invalid reports a malformed request.
func Invalid(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindInvalidRequest,
		Message: fmt.Sprintf(format, args...),
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsClientError reports whether err was caused by the caller's input.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindNotRegistered, KindTableNotFound, KindUnknownColumn, KindUnknownOperator,
		KindMissingPredicate, KindUnsupported, KindInvalidRequest:
		return true
	}
	return false
}

// IsRetryable reports whether retrying the call may succeed.
func IsRetryable(err error) bool {
	return KindOf(err) == KindIntrospection
}
