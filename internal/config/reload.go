/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Portions copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

package config

import (
	"fmt"
	"os"
	"slices"
	"sync"
)

// ReloadableConfig wraps a Config with thread-safe access and reload capability
type ReloadableConfig struct {
	mu       sync.RWMutex
	config   *Config
	path     string
	cliFlags CLIFlags
	onReload []func(*Config)
}

// NewReloadableConfig creates a new reloadable configuration
func NewReloadableConfig(config *Config, path string, cliFlags CLIFlags) *ReloadableConfig {
	return &ReloadableConfig{
		config:   config,
		path:     path,
		cliFlags: cliFlags,
		onReload: make([]func(*Config), 0),
	}
}

// Get returns the current configuration (read-only access)
func (rc *ReloadableConfig) Get() *Config {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.config
}

// Reload reloads the configuration from the file
// Returns an error if the reload fails, but keeps the old config
func (rc *ReloadableConfig) Reload() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.path == "" {
		return fmt.Errorf("no configuration file path set")
	}

	flags := rc.cliFlags
	flags.ConfigFileSet = true
	newConfig, err := LoadConfig(rc.path, flags)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rc.logRestartRequiredSettings(newConfig)

	rc.config = newConfig

	for _, callback := range rc.onReload {
		callback(newConfig)
	}

	fmt.Fprintf(os.Stderr, "Configuration reloaded successfully from %s\n", rc.path)

	return nil
}

// logRestartRequiredSettings logs settings that changed but require a restart
func (rc *ReloadableConfig) logRestartRequiredSettings(newConfig *Config) {
	old := rc.config

	if old.HTTP.Address != newConfig.HTTP.Address {
		fmt.Fprintf(os.Stderr, "  WARNING: http.address changed - requires restart\n")
	}
	if old.HTTP.TLS != newConfig.HTTP.TLS {
		fmt.Fprintf(os.Stderr, "  WARNING: http.tls changed - requires restart\n")
	}
	if old.HTTP.Auth != newConfig.HTTP.Auth {
		fmt.Fprintf(os.Stderr, "  WARNING: http.auth changed - requires restart\n")
	}
	if old.Database != newConfig.Database {
		fmt.Fprintf(os.Stderr, "  WARNING: database settings changed - requires restart\n")
	}
	if old.Store != newConfig.Store {
		fmt.Fprintf(os.Stderr, "  WARNING: store.path changed - requires restart\n")
	}

	// Applied live by the reload callbacks
	if old.LogLevel != newConfig.LogLevel {
		fmt.Fprintf(os.Stderr, "  NOTE: log_level changed to %s\n", newConfig.LogLevel)
	}
	if old.DBLogLevel != newConfig.DBLogLevel {
		fmt.Fprintf(os.Stderr, "  NOTE: db_log_level changed to %s\n", newConfig.DBLogLevel)
	}
	if !slices.Equal(old.Engine.GlobalExcludedColumns, newConfig.Engine.GlobalExcludedColumns) {
		fmt.Fprintf(os.Stderr, "  NOTE: engine.global_excluded_columns changed\n")
	}
}

// OnReload registers a callback to be called when configuration is reloaded
// The callback receives the new configuration
func (rc *ReloadableConfig) OnReload(fn func(*Config)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.onReload = append(rc.onReload, fn)
}

// GetPath returns the configuration file path
func (rc *ReloadableConfig) GetPath() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.path
}
