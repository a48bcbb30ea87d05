/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Portions copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pgedge-dynamic-api/internal/filter"
)

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	})
}

// TestAuthMiddleware_Disabled tests that every request is an admin when
// authentication is disabled
func TestAuthMiddleware_Disabled(t *testing.T) {
	middleware := AuthMiddleware(InitializeTokenStore(), false)

	var principal *Principal
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api/tables", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status OK, got %d", rr.Code)
	}
	if principal == nil || !principal.Admin || principal.RLSFor("orders") != nil {
		t.Errorf("principal = %+v, want anonymous admin", principal)
	}
}

// TestAuthMiddleware_HealthCheck tests that health check endpoint bypasses auth
func TestAuthMiddleware_HealthCheck(t *testing.T) {
	handler := AuthMiddleware(InitializeTokenStore(), true)(okHandler("healthy"))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", HealthCheckPath, nil))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status OK for health check, got %d", rr.Code)
	}
	if body := rr.Body.String(); body != "healthy" {
		t.Errorf("Expected 'healthy', got %q", body)
	}
}

// TestAuthMiddleware_Rejections tests malformed, missing and unknown tokens
func TestAuthMiddleware_Rejections(t *testing.T) {
	store := InitializeTokenStore()
	expired := time.Now().Add(-time.Minute)
	store.AddToken("old", HashToken("old-token"), "expired", &expired, false)

	handler := AuthMiddleware(store, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"missing header", "", "Missing Authorization header"},
		{"basic scheme", "Basic dXNlcjpwYXNz", "Invalid Authorization header format"},
		{"lowercase bearer", "bearer token", "Invalid Authorization header format"},
		{"no token", "Bearer", "Invalid Authorization header format"},
		{"unknown token", "Bearer nope", "Invalid or unknown token"},
		{"expired token", "Bearer old-token", "Invalid or unknown token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/query", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("Expected status Unauthorized, got %d", rr.Code)
			}
			body := strings.TrimSpace(rr.Body.String())
			if !strings.Contains(body, tt.want) {
				t.Errorf("Expected %q in response, got %q", tt.want, body)
			}
			// Verify no internal error details leaked
			if strings.Contains(body, "expired") {
				t.Errorf("Internal error details leaked in response: %q", body)
			}
		})
	}
}

// TestAuthMiddleware_ValidToken tests that the principal reaches the handler
func TestAuthMiddleware_ValidToken(t *testing.T) {
	tokenString, err := GenerateToken()
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	store := InitializeTokenStore()
	store.AddToken("reader", HashToken(tokenString), "Test token", nil, false)
	store.SetRLS("reader", "orders", []filter.RlsCondition{{Column: "tenant_id", Operator: "eq", Value: 3}})

	var capturedContext context.Context
	handler := AuthMiddleware(store, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedContext = r.Context()
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/api/query", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status OK for valid token, got %d", rr.Code)
	}
	if got := GetTokenHashFromContext(capturedContext); got != HashToken(tokenString) {
		t.Errorf("Expected token hash in context, got %q", got)
	}
	p := PrincipalFromContext(capturedContext)
	if p == nil || p.TokenID != "reader" || p.Admin {
		t.Fatalf("principal = %+v", p)
	}
	if len(p.RLSFor("orders")) != 1 {
		t.Errorf("RLSFor(orders) = %v", p.RLSFor("orders"))
	}
}

func TestRequireAdmin(t *testing.T) {
	handler := RequireAdmin(okHandler("ok"))

	tests := []struct {
		name      string
		principal *Principal
		want      int
	}{
		{"no principal", nil, http.StatusForbidden},
		{"reader", &Principal{TokenID: "reader"}, http.StatusForbidden},
		{"admin", &Principal{TokenID: "admin", Admin: true}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/tables", nil)
			if tt.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), tt.principal))
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestPrincipalFromContext(t *testing.T) {
	if PrincipalFromContext(context.Background()) != nil {
		t.Error("Expected nil principal for empty context")
	}
	if GetTokenHashFromContext(context.Background()) != "" {
		t.Error("Expected empty hash for empty context")
	}
	ctx := context.WithValue(context.Background(), PrincipalContextKey, "not a principal")
	if PrincipalFromContext(ctx) != nil {
		t.Error("Expected nil principal for wrong type")
	}
}
