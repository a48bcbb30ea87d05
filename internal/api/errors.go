/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"pgedge-dynamic-api/internal/logging"
	"pgedge-dynamic-api/internal/qerr"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

const (
	codeInternal = "INTERNAL_ERROR"
	codeDatabase = "DATABASE_ERROR"
)

// StatusFor maps an engine error to an HTTP status
func StatusFor(err error) int {
	switch qerr.KindOf(err) {
	case qerr.KindNotRegistered, qerr.KindTableNotFound:
		return http.StatusNotFound
	case qerr.KindUnknownColumn, qerr.KindUnknownOperator, qerr.KindMissingPredicate,
		qerr.KindUnsupported, qerr.KindInvalidRequest:
		return http.StatusBadRequest
	case qerr.KindIntrospection:
		return http.StatusServiceUnavailable
	}

	// Statements the server rejected: constraint violations are conflicts,
	// other data errors are the caller's
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"):
			return http.StatusConflict
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "42"):
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // Error would only occur if connection is closed
	json.NewEncoder(w).Encode(v)
}

// writeError reports err to the client. Failures outside the engine
// taxonomy are logged; their details are only returned when the database
// rejected the statement.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: string(qerr.KindOf(err))}

	if resp.Code == "" {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && status < http.StatusInternalServerError {
			resp = ErrorResponse{Error: pgErr.Message, Code: codeDatabase}
		} else {
			resp = ErrorResponse{Error: "internal error", Code: codeInternal}
		}
	}

	if status >= http.StatusInternalServerError {
		logging.Error("request_failed",
			"request_id", RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}

	writeJSON(w, status, resp)
}
