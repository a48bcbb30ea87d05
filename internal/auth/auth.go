/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Portions copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

// Package auth resolves API bearer tokens to principals. Each token may
// carry an admin flag and row-level security conditions per table.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pgedge-dynamic-api/internal/filter"
	"pgedge-dynamic-api/internal/schema"

	"gopkg.in/yaml.v3"
)

// Token represents an API token with metadata
type Token struct {
	Hash       string     `yaml:"hash"`       // SHA256 hash of the token
	ExpiresAt  *time.Time `yaml:"expires_at"` // Expiry date (null for indefinite)
	Annotation string     `yaml:"annotation"` // User note/description
	CreatedAt  time.Time  `yaml:"created_at"` // When the token was created

	// Admin tokens may manage the table registry
	Admin bool `yaml:"admin,omitempty"`
	// RLS maps a table name to the conditions AND-ed onto every query
	// made with this token
	RLS map[string][]filter.RlsCondition `yaml:"rls,omitempty"`
}

// TokenStore manages API tokens
type TokenStore struct {
	mu      sync.RWMutex      // Protects concurrent access to Tokens
	Tokens  map[string]*Token `yaml:"tokens"` // key is a unique identifier
	path    string            // File path for auto-reloading
	watcher *FileWatcher      // File watcher for auto-reloading
}

// Principal is the identity a request runs as
type Principal struct {
	TokenID   string
	TokenHash string
	Admin     bool
	rls       map[string][]filter.RlsCondition
}

// AnonymousAdmin is the principal used when authentication is disabled
func AnonymousAdmin() *Principal {
	return &Principal{Admin: true}
}

// RLSFor returns the row-level security conditions for table. Table keys
// match case-insensitively.
func (p *Principal) RLSFor(table string) []filter.RlsCondition {
	if p == nil || len(p.rls) == 0 {
		return nil
	}
	return p.rls[schema.FoldName(table)]
}

// RLSForTable returns the conditions that apply to a resolved table. It
// collects the conditions keyed by the registered name, the physical name
// and the schema-qualified physical name, so an alias of a restricted table
// carries the same restrictions.
func (p *Principal) RLSForTable(table *schema.TableDescriptor) []filter.RlsCondition {
	if p == nil || len(p.rls) == 0 || table == nil {
		return nil
	}

	keys := []string{
		table.Name(),
		schema.FoldName(table.PhysicalName()),
		schema.FoldName(table.Schema() + "." + table.PhysicalName()),
	}
	var out []filter.RlsCondition
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p.RLSFor(key)...)
	}
	return out
}

// GenerateToken creates a new random API token
func GenerateToken() (string, error) {
	// Generate 32 bytes of random data
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}

	// Encode as base64 for easy copying
	token := base64.URLEncoding.EncodeToString(bytes)
	return token, nil
}

// HashToken creates a SHA256 hash of the token
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func parseTokenStore(data []byte) (*TokenStore, error) {
	var store TokenStore
	if err := yaml.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	if store.Tokens == nil {
		store.Tokens = make(map[string]*Token)
	}
	for id, token := range store.Tokens {
		if token == nil || token.Hash == "" {
			return nil, fmt.Errorf("token %q has no hash", id)
		}
		if err := validateRLS(token.RLS); err != nil {
			return nil, fmt.Errorf("token %q: %w", id, err)
		}
	}
	return &store, nil
}

// validateRLS checks the shape of RLS conditions. Columns and operators
// are resolved per query, against the registered table.
func validateRLS(rls map[string][]filter.RlsCondition) error {
	for table, conds := range rls {
		for i, cond := range conds {
			if strings.TrimSpace(cond.Column) == "" {
				return fmt.Errorf("rls condition %d on %s has no column", i+1, table)
			}
			if _, err := filter.ParseOperator(cond.Operator); err != nil {
				return fmt.Errorf("rls condition %d on %s: %w", i+1, table, err)
			}
		}
	}
	return nil
}

// LoadTokenStore loads tokens from a YAML file
func LoadTokenStore(path string) (*TokenStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	store, err := parseTokenStore(data)
	if err != nil {
		return nil, err
	}
	store.path = path // Store path for auto-reloading
	return store, nil
}

// Reload reloads the token store from disk. A file that fails to parse
// leaves the current tokens in place.
func (s *TokenStore) Reload() error {
	if s.path == "" {
		return fmt.Errorf("no path set for token store")
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}

	newStore, err := parseTokenStore(data)
	if err != nil {
		return err
	}

	// Update the store with new data (with write lock)
	s.mu.Lock()
	s.Tokens = newStore.Tokens
	s.mu.Unlock()

	return nil
}

// SaveTokenStore saves tokens to a YAML file
func SaveTokenStore(path string, store *TokenStore) error {
	store.mu.RLock()
	data, err := yaml.Marshal(store)
	store.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	// Create directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write with restrictive permissions (owner read/write only)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}

	return nil
}

// AddToken adds a new token to the store
func (s *TokenStore) AddToken(tokenID, hash, annotation string, expiresAt *time.Time, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Tokens == nil {
		s.Tokens = make(map[string]*Token)
	}

	if _, exists := s.Tokens[tokenID]; exists {
		return fmt.Errorf("token with ID '%s' already exists", tokenID)
	}

	s.Tokens[tokenID] = &Token{
		Hash:       hash,
		ExpiresAt:  expiresAt,
		Annotation: annotation,
		CreatedAt:  time.Now(),
		Admin:      admin,
	}

	return nil
}

// SetRLS replaces the row-level security conditions of a token for one
// table. An empty list removes them.
func (s *TokenStore) SetRLS(tokenID, table string, conds []filter.RlsCondition) error {
	if err := validateRLS(map[string][]filter.RlsCondition{table: conds}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.Tokens[tokenID]
	if !ok {
		return fmt.Errorf("token with ID '%s' not found", tokenID)
	}
	key := schema.FoldName(table)
	if len(conds) == 0 {
		delete(token.RLS, key)
		return nil
	}
	if token.RLS == nil {
		token.RLS = make(map[string][]filter.RlsCondition)
	}
	token.RLS[key] = conds
	return nil
}

// RemoveToken removes a token from the store by ID or hash prefix
func (s *TokenStore) RemoveToken(identifier string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Tokens == nil {
		return false, nil
	}

	// Try exact ID match first
	if _, exists := s.Tokens[identifier]; exists {
		delete(s.Tokens, identifier)
		return true, nil
	}

	// Try hash prefix match
	if len(identifier) < 8 {
		return false, nil
	}
	for id, token := range s.Tokens {
		if strings.HasPrefix(token.Hash, identifier) {
			delete(s.Tokens, id)
			return true, nil
		}
	}

	return false, nil
}

// Authenticate resolves a bearer token to its principal. It returns nil
// with no error for an unknown token and an error for an expired one.
func (s *TokenStore) Authenticate(token string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash := HashToken(token)
	now := time.Now()

	for id, storedToken := range s.Tokens {
		if storedToken.Hash != hash {
			continue
		}
		// Check if expired
		if storedToken.ExpiresAt != nil && storedToken.ExpiresAt.Before(now) {
			return nil, fmt.Errorf("token has expired")
		}

		rls := make(map[string][]filter.RlsCondition, len(storedToken.RLS))
		for table, conds := range storedToken.RLS {
			rls[schema.FoldName(table)] = append([]filter.RlsCondition(nil), conds...)
		}
		return &Principal{
			TokenID:   id,
			TokenHash: hash,
			Admin:     storedToken.Admin,
			rls:       rls,
		}, nil
	}

	return nil, nil
}

// ValidateToken checks if a token is valid (exists and not expired)
func (s *TokenStore) ValidateToken(token string) (bool, error) {
	p, err := s.Authenticate(token)
	return p != nil, err
}

// ListTokens returns all tokens with their metadata, ordered by ID
func (s *TokenStore) ListTokens() []*TokenInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*TokenInfo, 0, len(s.Tokens))
	now := time.Now()

	for id, token := range s.Tokens {
		expired := token.ExpiresAt != nil && token.ExpiresAt.Before(now)
		prefix := token.Hash
		if len(prefix) > 12 {
			prefix = prefix[:12] // Show first 12 chars
		}
		var tables []string
		for table := range token.RLS {
			tables = append(tables, table)
		}
		sort.Strings(tables)

		result = append(result, &TokenInfo{
			ID:         id,
			HashPrefix: prefix,
			ExpiresAt:  token.ExpiresAt,
			Annotation: token.Annotation,
			CreatedAt:  token.CreatedAt,
			Expired:    expired,
			Admin:      token.Admin,
			RLSTables:  tables,
		})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// TokenInfo is a display-friendly representation of a token
type TokenInfo struct {
	ID         string
	HashPrefix string
	ExpiresAt  *time.Time
	Annotation string
	CreatedAt  time.Time
	Expired    bool
	Admin      bool
	RLSTables  []string
}

// GetDefaultTokenPath returns the default token file path
// Searches /etc/pgedge/dynamic-api/ first, then binary directory
func GetDefaultTokenPath(binaryPath string) string {
	systemPath := "/etc/pgedge/dynamic-api/pgedge-dynamic-api-tokens.yaml"
	if _, err := os.Stat(systemPath); err == nil {
		return systemPath
	}

	dir := filepath.Dir(binaryPath)
	return filepath.Join(dir, "pgedge-dynamic-api-tokens.yaml")
}

// InitializeTokenStore creates a new empty token store
func InitializeTokenStore() *TokenStore {
	return &TokenStore{
		Tokens: make(map[string]*Token),
	}
}

// CleanupExpiredTokens removes expired tokens from the store and returns
// how many were removed
func (s *TokenStore) CleanupExpiredTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	now := time.Now()
	for id, token := range s.Tokens {
		if token.ExpiresAt != nil && token.ExpiresAt.Before(now) {
			delete(s.Tokens, id)
			removed++
		}
	}
	return removed
}

// StartWatching starts watching the token file for changes
func (s *TokenStore) StartWatching() error {
	if s.path == "" {
		return fmt.Errorf("no path set for token store")
	}

	watcher, err := NewFileWatcher(s.path, s.Reload)
	if err != nil {
		return err
	}

	s.watcher = watcher
	s.watcher.Start()
	return nil
}

// StopWatching stops watching the token file for changes
func (s *TokenStore) StopWatching() {
	if s.watcher != nil {
		s.watcher.Stop()
		s.watcher = nil
	}
}
