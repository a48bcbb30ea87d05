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
	"net/http"

	"pgedge-dynamic-api/internal/engine"
	"pgedge-dynamic-api/internal/qerr"
	"pgedge-dynamic-api/internal/registry"
	"pgedge-dynamic-api/internal/schema"
)

// RegisterTableRequest is the request body for POST /api/tables
type RegisterTableRequest struct {
	Name   string `json:"name"`
	Schema string `json:"schema,omitempty"`
	Alias  string `json:"alias,omitempty"`
}

// RegisterTablesRequest is the request body for POST /api/tables/batch
type RegisterTablesRequest struct {
	Names  []string `json:"names"`
	Schema string   `json:"schema,omitempty"`
}

// RegisterAllRequest is the request body for POST /api/tables/all
type RegisterAllRequest struct {
	Schema  string   `json:"schema,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// ExcludedColumnsBody is the request and response body of the
// excluded-columns endpoints
type ExcludedColumnsBody struct {
	Columns []string `json:"columns"`
}

// DiscoverResponse is the response for GET /api/tables/discover
type DiscoverResponse struct {
	Tables []registry.TableInfo `json:"tables"`
}

// ListTablesResponse is the response for GET /api/tables
type ListTablesResponse struct {
	Tables []*engine.TableSummary `json:"tables"`
}

// RegisterTablesResponse is the response for POST /api/tables/batch
type RegisterTablesResponse struct {
	Results map[string]bool `json:"results"`
}

// RegisterAllResponse is the response for POST /api/tables/all
type RegisterAllResponse struct {
	Registered int `json:"registered"`
}

// UnregisterResponse is the response for DELETE /api/tables/{name}
type UnregisterResponse struct {
	Removed bool `json:"removed"`
}

// ColumnsResponse is the response for GET /api/tables/{name}/columns
type ColumnsResponse struct {
	Columns []*schema.ColumnDescriptor `json:"columns"`
}

// decodeBody reads a JSON request body into v
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return qerr.Invalid("invalid request body: %v", err)
	}
	return nil
}

// HandleDiscover handles GET /api/tables/discover
func (h *Handler) HandleDiscover(w http.ResponseWriter, r *http.Request) {
	tables, err := h.backend.DiscoverTables(r.Context(), r.URL.Query().Get("schema"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DiscoverResponse{Tables: tables})
}

// HandleListTables handles GET /api/tables
func (h *Handler) HandleListTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ListTablesResponse{Tables: h.backend.ListRegisteredTables()})
}

// HandleRegisterTable handles POST /api/tables
func (h *Handler) HandleRegisterTable(w http.ResponseWriter, r *http.Request) {
	var req RegisterTableRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, qerr.Invalid("table name is required"))
		return
	}

	result, err := h.backend.RegisterTable(r.Context(), req.Name, req.Schema, req.Alias)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleRegisterTables handles POST /api/tables/batch
func (h *Handler) HandleRegisterTables(w http.ResponseWriter, r *http.Request) {
	var req RegisterTablesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Names) == 0 {
		writeError(w, r, qerr.Invalid("names is required"))
		return
	}
	results := h.backend.RegisterTables(r.Context(), req.Names, req.Schema)
	writeJSON(w, http.StatusOK, RegisterTablesResponse{Results: results})
}

// HandleRegisterAll handles POST /api/tables/all. An empty body registers
// every table of the default schema.
func (h *Handler) HandleRegisterAll(w http.ResponseWriter, r *http.Request) {
	var req RegisterAllRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	count, err := h.backend.RegisterAllTables(r.Context(), req.Schema, req.Exclude)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RegisterAllResponse{Registered: count})
}

// HandleUnregisterTable handles DELETE /api/tables/{name}
func (h *Handler) HandleUnregisterTable(w http.ResponseWriter, r *http.Request) {
	removed, err := h.backend.UnregisterTable(r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UnregisterResponse{Removed: removed})
}

// HandleGetColumns handles GET /api/tables/{name}/columns
func (h *Handler) HandleGetColumns(w http.ResponseWriter, r *http.Request) {
	columns, err := h.backend.GetColumns(r.Context(), r.PathValue("name"), r.URL.Query().Get("schema"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ColumnsResponse{Columns: columns})
}

// HandleRefreshTable handles POST /api/tables/{name}/refresh
func (h *Handler) HandleRefreshTable(w http.ResponseWriter, r *http.Request) {
	summary, err := h.backend.RefreshTable(r.Context(), r.PathValue("name"), r.URL.Query().Get("schema"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleGetExcludedColumns handles GET /api/tables/{name}/excluded-columns
func (h *Handler) HandleGetExcludedColumns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ExcludedColumnsBody{Columns: nonNil(h.backend.GetExcludedColumns(r.PathValue("name")))})
}

// HandleSetExcludedColumns handles PUT /api/tables/{name}/excluded-columns
func (h *Handler) HandleSetExcludedColumns(w http.ResponseWriter, r *http.Request) {
	var body ExcludedColumnsBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	name := r.PathValue("name")
	if err := h.backend.SetExcludedColumns(name, body.Columns); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExcludedColumnsBody{Columns: nonNil(h.backend.GetExcludedColumns(name))})
}

// HandleGetGlobalExcludedColumns handles GET /api/excluded-columns
func (h *Handler) HandleGetGlobalExcludedColumns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ExcludedColumnsBody{Columns: nonNil(h.backend.GetGlobalExcludedColumns())})
}

// HandleSetGlobalExcludedColumns handles PUT /api/excluded-columns
func (h *Handler) HandleSetGlobalExcludedColumns(w http.ResponseWriter, r *http.Request) {
	var body ExcludedColumnsBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.backend.SetGlobalExcludedColumns(body.Columns); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExcludedColumnsBody{Columns: nonNil(h.backend.GetGlobalExcludedColumns())})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
