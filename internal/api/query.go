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
	"fmt"
	"net/http"
	"strings"

	"pgedge-dynamic-api/internal/auth"
	"pgedge-dynamic-api/internal/logging"
	"pgedge-dynamic-api/internal/query"
	"pgedge-dynamic-api/internal/tsv"
)

// maxQueryBody bounds the size of a query request body
const maxQueryBody = 8 << 20

// HandleQuery handles POST /api/query. The principal's row-level security
// conditions for the target table are AND-ed onto the request filter.
// Rows are returned as JSON unless the client accepts tab-separated values,
// in which case the count travels in Content-Range.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	req, err := query.DecodeRequest(http.MaxBytesReader(w, r.Body, maxQueryBody))
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.backend.Query(r.Context(), req, principal.RLSForTable)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if result.Rows == nil {
		result.Rows = []query.Row{}
	}

	status := http.StatusOK
	if req.Operation == query.OpInsert || req.Operation == query.OpUpsert {
		status = http.StatusCreated
	}
	if wantsTSV(r) {
		writeTSV(w, r, status, result)
		return
	}
	writeJSON(w, status, result)
}

func wantsTSV(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/tab-separated-values")
}

func writeTSV(w http.ResponseWriter, r *http.Request, status int, result *query.Result) {
	w.Header().Set("Content-Type", tsv.ContentType)
	if result.Count != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("*/%d", *result.Count))
	}
	w.WriteHeader(status)
	if err := tsv.WriteRows(w, result.Rows); err != nil {
		logging.Warn("tsv_write_failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
	}
}
