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
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultExcludedColumns are never projected or accepted by name unless an
// operator clears the global exclusion list
var DefaultExcludedColumns = []string{"password", "secret", "token", "api_key", "private_key"}

// Config represents the complete server configuration
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig `yaml:"http"`

	// Database connection configuration
	Database DatabaseConfig `yaml:"database"`

	// Query engine configuration
	Engine EngineConfig `yaml:"engine"`

	// Persistence of registered tables and excluded columns
	Store StoreConfig `yaml:"store"`

	// Log level for the structured server log (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// Log level for the database log (none, info, debug, trace)
	DBLogLevel string `yaml:"db_log_level"`
}

// HTTPConfig holds HTTP/HTTPS server settings
type HTTPConfig struct {
	Address string     `yaml:"address"`
	TLS     TLSConfig  `yaml:"tls"`
	Auth    AuthConfig `yaml:"auth"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`    // Whether bearer tokens are required
	TokenFile string `yaml:"token_file"` // Path to token configuration file
}

// TLSConfig holds TLS/HTTPS settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`     // Database host (default: localhost)
	Port     int    `yaml:"port"`     // Database port (default: 5432)
	Database string `yaml:"database"` // Database name (default: postgres)
	User     string `yaml:"user"`     // Database user (required)
	Password string `yaml:"password"` // Database password (optional, falls back to .pgpass)
	SSLMode  string `yaml:"sslmode"`  // SSL mode (default: prefer)

	// Connection pool settings
	PoolMaxConns        int    `yaml:"pool_max_conns"`          // Maximum number of connections (default: 4)
	PoolMinConns        int    `yaml:"pool_min_conns"`          // Minimum number of connections (default: 0)
	PoolMaxConnIdleTime string `yaml:"pool_max_conn_idle_time"` // Max idle time before a connection is closed (default: 30m)

	// Server-side statement timeout, e.g. "30s" (default: none)
	StatementTimeout string `yaml:"statement_timeout"`
}

// EngineConfig holds settings for the dynamic query engine
type EngineConfig struct {
	DefaultSchema         string   `yaml:"default_schema"`          // Schema used when a request names none (default: public)
	GlobalExcludedColumns []string `yaml:"global_excluded_columns"` // Columns hidden from every table
	AutoRegister          []string `yaml:"auto_register"`           // Tables registered at startup
	AutoRegisterAll       bool     `yaml:"auto_register_all"`       // Register every table in the default schema at startup
	AutoRegisterExclude   []string `yaml:"auto_register_exclude"`   // Tables skipped by auto_register_all
}

// StoreConfig holds settings for the registration store
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite file; empty disables persistence
}

// CLIFlags represents command line flag values and whether they were explicitly set
type CLIFlags struct {
	ConfigFileSet bool
	ConfigFile    string

	// HTTP flags
	HTTPAddr    string
	HTTPAddrSet bool

	// TLS flags
	TLSEnabled    bool
	TLSEnabledSet bool
	TLSCertFile   string
	TLSCertSet    bool
	TLSKeyFile    string
	TLSKeySet     bool

	// Auth flags
	AuthEnabled    bool
	AuthEnabledSet bool
	AuthTokenFile  string
	AuthTokenSet   bool

	// Token file used when auth is enabled and no other source names one
	DefaultTokenFile string

	// Database flags
	DBHost     string
	DBHostSet  bool
	DBPort     int
	DBPortSet  bool
	DBName     string
	DBNameSet  bool
	DBUser     string
	DBUserSet  bool
	DBPassword string
	DBPassSet  bool
	DBSSLMode  string
	DBSSLSet   bool

	// Engine flags
	Schema    string
	SchemaSet bool

	// Store flags
	StorePath    string
	StorePathSet bool

	// Logging flags
	LogLevel    string
	LogLevelSet bool
}

// LoadConfig loads configuration with proper priority:
// 1. Command line flags (highest priority)
// 2. Environment variables
// 3. Configuration file
// 4. Hard-coded defaults (lowest priority)
func LoadConfig(configPath string, cliFlags CLIFlags) (*Config, error) {
	cfg := defaultConfig()

	if configPath != "" {
		fileCfg, err := loadConfigFile(configPath)
		if err != nil {
			// A missing default file is fine, an explicit one is not
			if cliFlags.ConfigFileSet {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		} else {
			mergeConfig(cfg, fileCfg)
		}
	}

	applyEnvironmentVariables(cfg)
	applyCLIFlags(cfg, cliFlags)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns configuration with hard-coded defaults
func defaultConfig() *Config {
	excluded := make([]string, len(DefaultExcludedColumns))
	copy(excluded, DefaultExcludedColumns)

	return &Config{
		HTTP: HTTPConfig{
			Address: ":8080",
			TLS: TLSConfig{
				Enabled:  false,
				CertFile: "./server.crt",
				KeyFile:  "./server.key",
			},
			Auth: AuthConfig{
				Enabled:   true, // Authentication enabled by default
				TokenFile: "",   // Must be provided when auth is enabled
			},
		},
		Database: DatabaseConfig{
			Host:                "localhost",
			Port:                5432,
			Database:            "postgres",
			User:                "",
			Password:            "",
			SSLMode:             "prefer",
			PoolMaxConns:        4,
			PoolMinConns:        0,
			PoolMaxConnIdleTime: "30m",
		},
		Engine: EngineConfig{
			DefaultSchema:         "public",
			GlobalExcludedColumns: excluded,
		},
		LogLevel:   "error",
		DBLogLevel: "none",
	}
}

// loadConfigFile loads configuration from a YAML file
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Seed with defaults so absent keys keep them, which matters for
	// booleans that default to true
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return cfg, nil
}

// mergeConfig merges source config into dest, only overriding non-zero values
func mergeConfig(dest, src *Config) {
	// HTTP
	if src.HTTP.Address != "" {
		dest.HTTP.Address = src.HTTP.Address
	}

	// TLS
	if src.HTTP.TLS.Enabled {
		dest.HTTP.TLS.Enabled = src.HTTP.TLS.Enabled
	}
	if src.HTTP.TLS.CertFile != "" {
		dest.HTTP.TLS.CertFile = src.HTTP.TLS.CertFile
	}
	if src.HTTP.TLS.KeyFile != "" {
		dest.HTTP.TLS.KeyFile = src.HTTP.TLS.KeyFile
	}

	// Auth
	dest.HTTP.Auth.Enabled = src.HTTP.Auth.Enabled
	if src.HTTP.Auth.TokenFile != "" {
		dest.HTTP.Auth.TokenFile = src.HTTP.Auth.TokenFile
	}

	// Database
	if src.Database.Host != "" {
		dest.Database.Host = src.Database.Host
	}
	if src.Database.Port != 0 {
		dest.Database.Port = src.Database.Port
	}
	if src.Database.Database != "" {
		dest.Database.Database = src.Database.Database
	}
	if src.Database.User != "" {
		dest.Database.User = src.Database.User
	}
	if src.Database.Password != "" {
		dest.Database.Password = src.Database.Password
	}
	if src.Database.SSLMode != "" {
		dest.Database.SSLMode = src.Database.SSLMode
	}
	if src.Database.PoolMaxConns != 0 {
		dest.Database.PoolMaxConns = src.Database.PoolMaxConns
	}
	if src.Database.PoolMinConns != 0 {
		dest.Database.PoolMinConns = src.Database.PoolMinConns
	}
	if src.Database.PoolMaxConnIdleTime != "" {
		dest.Database.PoolMaxConnIdleTime = src.Database.PoolMaxConnIdleTime
	}
	if src.Database.StatementTimeout != "" {
		dest.Database.StatementTimeout = src.Database.StatementTimeout
	}

	// Engine
	if src.Engine.DefaultSchema != "" {
		dest.Engine.DefaultSchema = src.Engine.DefaultSchema
	}
	if src.Engine.GlobalExcludedColumns != nil {
		dest.Engine.GlobalExcludedColumns = src.Engine.GlobalExcludedColumns
	}
	if len(src.Engine.AutoRegister) > 0 {
		dest.Engine.AutoRegister = src.Engine.AutoRegister
	}
	if src.Engine.AutoRegisterAll {
		dest.Engine.AutoRegisterAll = true
	}
	if len(src.Engine.AutoRegisterExclude) > 0 {
		dest.Engine.AutoRegisterExclude = src.Engine.AutoRegisterExclude
	}

	// Store
	if src.Store.Path != "" {
		dest.Store.Path = src.Store.Path
	}

	// Logging
	if src.LogLevel != "" {
		dest.LogLevel = src.LogLevel
	}
	if src.DBLogLevel != "" {
		dest.DBLogLevel = src.DBLogLevel
	}
}

// setStringFromEnv sets a string config value from an environment variable if it exists
func setStringFromEnv(dest *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dest = val
	}
}

// setBoolFromEnv sets a boolean config value from an environment variable if it exists
// Accepts "true", "1", or "yes" as true values
func setBoolFromEnv(dest *bool, key string) {
	if val := os.Getenv(key); val != "" {
		*dest = val == "true" || val == "1" || val == "yes"
	}
}

// setIntFromEnv sets an integer config value from an environment variable if it exists
func setIntFromEnv(dest *int, key string) {
	if val := os.Getenv(key); val != "" {
		var intVal int
		_, err := fmt.Sscanf(val, "%d", &intVal)
		if err == nil {
			*dest = intVal
		}
	}
}

// setListFromEnv sets a list config value from a comma-separated environment variable
func setListFromEnv(dest *[]string, key string) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	var items []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dest = items
}

// applyEnvironmentVariables overrides config with environment variables if they exist
// All environment variables use the PGEDGE_ prefix to avoid collisions
func applyEnvironmentVariables(cfg *Config) {
	// HTTP
	setStringFromEnv(&cfg.HTTP.Address, "PGEDGE_HTTP_ADDRESS")

	// TLS
	setBoolFromEnv(&cfg.HTTP.TLS.Enabled, "PGEDGE_TLS_ENABLED")
	setStringFromEnv(&cfg.HTTP.TLS.CertFile, "PGEDGE_TLS_CERT_FILE")
	setStringFromEnv(&cfg.HTTP.TLS.KeyFile, "PGEDGE_TLS_KEY_FILE")

	// Auth
	setBoolFromEnv(&cfg.HTTP.Auth.Enabled, "PGEDGE_AUTH_ENABLED")
	setStringFromEnv(&cfg.HTTP.Auth.TokenFile, "PGEDGE_AUTH_TOKEN_FILE")

	// Database
	setStringFromEnv(&cfg.Database.Host, "PGEDGE_DB_HOST")
	setIntFromEnv(&cfg.Database.Port, "PGEDGE_DB_PORT")
	setStringFromEnv(&cfg.Database.Database, "PGEDGE_DB_NAME")
	setStringFromEnv(&cfg.Database.User, "PGEDGE_DB_USER")
	setStringFromEnv(&cfg.Database.Password, "PGEDGE_DB_PASSWORD")
	setStringFromEnv(&cfg.Database.SSLMode, "PGEDGE_DB_SSLMODE")
	setStringFromEnv(&cfg.Database.StatementTimeout, "PGEDGE_DB_STATEMENT_TIMEOUT")

	// Also support standard PostgreSQL environment variables for convenience
	if cfg.Database.Host == "localhost" {
		setStringFromEnv(&cfg.Database.Host, "PGHOST")
	}
	if cfg.Database.Port == 5432 {
		setIntFromEnv(&cfg.Database.Port, "PGPORT")
	}
	if cfg.Database.Database == "postgres" {
		setStringFromEnv(&cfg.Database.Database, "PGDATABASE")
	}
	if cfg.Database.User == "" {
		setStringFromEnv(&cfg.Database.User, "PGUSER")
	}
	if cfg.Database.Password == "" {
		setStringFromEnv(&cfg.Database.Password, "PGPASSWORD")
	}
	if cfg.Database.SSLMode == "prefer" {
		setStringFromEnv(&cfg.Database.SSLMode, "PGSSLMODE")
	}

	// Engine
	setStringFromEnv(&cfg.Engine.DefaultSchema, "PGEDGE_ENGINE_SCHEMA")
	setListFromEnv(&cfg.Engine.GlobalExcludedColumns, "PGEDGE_ENGINE_EXCLUDED_COLUMNS")
	setListFromEnv(&cfg.Engine.AutoRegister, "PGEDGE_ENGINE_AUTO_REGISTER")
	setBoolFromEnv(&cfg.Engine.AutoRegisterAll, "PGEDGE_ENGINE_AUTO_REGISTER_ALL")

	// Store
	setStringFromEnv(&cfg.Store.Path, "PGEDGE_STORE_PATH")

	// Logging
	setStringFromEnv(&cfg.LogLevel, "PGEDGE_API_LOG_LEVEL")
	setStringFromEnv(&cfg.DBLogLevel, "PGEDGE_DB_LOG_LEVEL")
}

// applyCLIFlags overrides config with CLI flags if they were explicitly set
func applyCLIFlags(cfg *Config, flags CLIFlags) {
	// HTTP
	if flags.HTTPAddrSet {
		cfg.HTTP.Address = flags.HTTPAddr
	}

	// TLS
	if flags.TLSEnabledSet {
		cfg.HTTP.TLS.Enabled = flags.TLSEnabled
	}
	if flags.TLSCertSet {
		cfg.HTTP.TLS.CertFile = flags.TLSCertFile
	}
	if flags.TLSKeySet {
		cfg.HTTP.TLS.KeyFile = flags.TLSKeyFile
	}

	// Auth
	if flags.AuthEnabledSet {
		cfg.HTTP.Auth.Enabled = flags.AuthEnabled
	}
	if flags.AuthTokenSet {
		cfg.HTTP.Auth.TokenFile = flags.AuthTokenFile
	}
	if cfg.HTTP.Auth.TokenFile == "" {
		cfg.HTTP.Auth.TokenFile = flags.DefaultTokenFile
	}

	// Database
	if flags.DBHostSet {
		cfg.Database.Host = flags.DBHost
	}
	if flags.DBPortSet {
		cfg.Database.Port = flags.DBPort
	}
	if flags.DBNameSet {
		cfg.Database.Database = flags.DBName
	}
	if flags.DBUserSet {
		cfg.Database.User = flags.DBUser
	}
	if flags.DBPassSet {
		cfg.Database.Password = flags.DBPassword
	}
	if flags.DBSSLSet {
		cfg.Database.SSLMode = flags.DBSSLMode
	}

	// Engine
	if flags.SchemaSet {
		cfg.Engine.DefaultSchema = flags.Schema
	}

	// Store
	if flags.StorePathSet {
		cfg.Store.Path = flags.StorePath
	}

	// Logging
	if flags.LogLevelSet {
		cfg.LogLevel = flags.LogLevel
	}
}

// validateConfig checks if the configuration is valid
func validateConfig(cfg *Config) error {
	// If HTTPS is enabled, cert and key are required
	if cfg.HTTP.TLS.Enabled {
		if cfg.HTTP.TLS.CertFile == "" {
			return fmt.Errorf("TLS certificate file is required when HTTPS is enabled")
		}
		if cfg.HTTP.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key file is required when HTTPS is enabled")
		}
	}

	if cfg.HTTP.Auth.Enabled && cfg.HTTP.Auth.TokenFile == "" {
		return fmt.Errorf("authentication token file is required when auth is enabled (use --no-auth to disable)")
	}

	if cfg.Database.PoolMaxConns < 0 || cfg.Database.PoolMinConns < 0 {
		return fmt.Errorf("pool connection limits must not be negative")
	}
	if cfg.Database.PoolMaxConns > 0 && cfg.Database.PoolMinConns > cfg.Database.PoolMaxConns {
		return fmt.Errorf("pool_min_conns (%d) exceeds pool_max_conns (%d)",
			cfg.Database.PoolMinConns, cfg.Database.PoolMaxConns)
	}
	if cfg.Database.PoolMaxConnIdleTime != "" {
		if _, err := time.ParseDuration(cfg.Database.PoolMaxConnIdleTime); err != nil {
			return fmt.Errorf("invalid pool_max_conn_idle_time: %w", err)
		}
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q (expected debug, info, warn or error)", cfg.LogLevel)
	}

	return nil
}

// GetDefaultConfigPath returns the default config file path
// Searches /etc/pgedge/dynamic-api/ first, then the binary directory
func GetDefaultConfigPath(binaryPath string) string {
	systemPath := "/etc/pgedge/dynamic-api/pgedge-dynamic-api.yaml"
	if _, err := os.Stat(systemPath); err == nil {
		return systemPath
	}

	dir := filepath.Dir(binaryPath)
	return filepath.Join(dir, "pgedge-dynamic-api.yaml")
}

// BuildConnectionString creates a PostgreSQL connection string from DatabaseConfig
// If password is not set, pgx will automatically look it up from .pgpass file
func (cfg *DatabaseConfig) BuildConnectionString() string {
	connStr := fmt.Sprintf("postgres://%s", cfg.User)

	if cfg.Password != "" {
		connStr += ":" + cfg.Password
	}

	connStr += fmt.Sprintf("@%s:%d/%s", cfg.Host, cfg.Port, cfg.Database)

	if cfg.SSLMode != "" {
		connStr += "?sslmode=" + cfg.SSLMode
	}

	return connStr
}

// ConfigFileExists checks if a config file exists at the given path
func ConfigFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
