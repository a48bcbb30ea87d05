/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

// Package api maps the engine's call surface onto HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"pgedge-dynamic-api/internal/auth"
	"pgedge-dynamic-api/internal/engine"
	"pgedge-dynamic-api/internal/filter"
	"pgedge-dynamic-api/internal/logging"
	"pgedge-dynamic-api/internal/query"
	"pgedge-dynamic-api/internal/registry"
	"pgedge-dynamic-api/internal/schema"

	"github.com/google/uuid"
)

// Backend is the engine surface the handlers call. *engine.Service
// implements it.
type Backend interface {
	DiscoverTables(ctx context.Context, schemaName string) ([]registry.TableInfo, error)
	ListRegisteredTables() []*engine.TableSummary
	RegisterTable(ctx context.Context, name, schemaName, alias string) (*engine.RegisterResult, error)
	RegisterTables(ctx context.Context, names []string, schemaName string) map[string]bool
	RegisterAllTables(ctx context.Context, schemaName string, exclude []string) (int, error)
	UnregisterTable(name string) (bool, error)
	GetColumns(ctx context.Context, name, schemaName string) ([]*schema.ColumnDescriptor, error)
	RefreshTable(ctx context.Context, name, schemaName string) (*engine.TableSummary, error)
	SetExcludedColumns(name string, columns []string) error
	GetExcludedColumns(name string) []string
	SetGlobalExcludedColumns(columns []string) error
	GetGlobalExcludedColumns() []string
	Query(ctx context.Context, req *query.Request, resolveRLS filter.RlsResolver) (*query.Result, error)
}

// Pinger checks database connectivity for the health endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the registry and query endpoints
type Handler struct {
	backend Backend
	pinger  Pinger
}

// NewHandler creates a handler over backend. pinger may be nil, in which
// case the health endpoint reports only that the process is up.
func NewHandler(backend Backend, pinger Pinger) *Handler {
	return &Handler{backend: backend, pinger: pinger}
}

// Routes returns the API mux. Registry management requires an admin
// principal; queries run as whichever principal the auth middleware put
// in the request context.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	admin := func(fn http.HandlerFunc) http.Handler {
		return auth.RequireAdmin(fn)
	}

	mux.Handle("GET /api/tables/discover", admin(h.HandleDiscover))
	mux.Handle("GET /api/tables", admin(h.HandleListTables))
	mux.Handle("POST /api/tables", admin(h.HandleRegisterTable))
	mux.Handle("POST /api/tables/batch", admin(h.HandleRegisterTables))
	mux.Handle("POST /api/tables/all", admin(h.HandleRegisterAll))
	mux.Handle("DELETE /api/tables/{name}", admin(h.HandleUnregisterTable))
	mux.Handle("GET /api/tables/{name}/columns", admin(h.HandleGetColumns))
	mux.Handle("POST /api/tables/{name}/refresh", admin(h.HandleRefreshTable))
	mux.Handle("GET /api/tables/{name}/excluded-columns", admin(h.HandleGetExcludedColumns))
	mux.Handle("PUT /api/tables/{name}/excluded-columns", admin(h.HandleSetExcludedColumns))
	mux.Handle("GET /api/excluded-columns", admin(h.HandleGetGlobalExcludedColumns))
	mux.Handle("PUT /api/excluded-columns", admin(h.HandleSetGlobalExcludedColumns))
	mux.HandleFunc("POST /api/query", h.HandleQuery)
	mux.HandleFunc("GET "+auth.HealthCheckPath, h.HandleHealth)

	return mux
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

// HandleHealth handles GET /health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.pinger == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.pinger.Ping(ctx); err != nil {
		logging.Warn("health_check_failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Database: "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Database: "ok"})
}

type requestIDKey struct{}

// RequestIDHeader carries the request ID in both directions
const RequestIDHeader = "X-Request-ID"

// RequestIDFromContext returns the ID assigned by RequestLogger
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// RequestLogger assigns each request an ID, echoes it in the response and
// logs the request when it completes. A client-supplied ID is kept.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		startTime := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))

		logging.Info("http_request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
	})
}
