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
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// clearEnv blanks every variable LoadConfig consults so the host
// environment cannot leak into a test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PGEDGE_HTTP_ADDRESS", "PGEDGE_TLS_ENABLED", "PGEDGE_TLS_CERT_FILE", "PGEDGE_TLS_KEY_FILE",
		"PGEDGE_AUTH_ENABLED", "PGEDGE_AUTH_TOKEN_FILE",
		"PGEDGE_DB_HOST", "PGEDGE_DB_PORT", "PGEDGE_DB_NAME", "PGEDGE_DB_USER",
		"PGEDGE_DB_PASSWORD", "PGEDGE_DB_SSLMODE", "PGEDGE_DB_STATEMENT_TIMEOUT",
		"PGHOST", "PGPORT", "PGDATABASE", "PGUSER", "PGPASSWORD", "PGSSLMODE",
		"PGEDGE_ENGINE_SCHEMA", "PGEDGE_ENGINE_EXCLUDED_COLUMNS", "PGEDGE_ENGINE_AUTO_REGISTER", "PGEDGE_ENGINE_AUTO_REGISTER_ALL",
		"PGEDGE_STORE_PATH", "PGEDGE_API_LOG_LEVEL", "PGEDGE_DB_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.HTTP.Address != ":8080" {
		t.Errorf("Expected default address ':8080', got %s", cfg.HTTP.Address)
	}

	if cfg.HTTP.TLS.Enabled {
		t.Error("Expected TLS to be disabled by default")
	}

	if !cfg.HTTP.Auth.Enabled {
		t.Error("Expected Auth to be enabled by default")
	}

	if cfg.Database.PoolMaxConns != 4 {
		t.Errorf("Expected pool_max_conns 4, got %d", cfg.Database.PoolMaxConns)
	}

	if cfg.Engine.DefaultSchema != "public" {
		t.Errorf("Expected default schema 'public', got %s", cfg.Engine.DefaultSchema)
	}

	if len(cfg.Engine.GlobalExcludedColumns) != len(DefaultExcludedColumns) {
		t.Errorf("Expected %d default excluded columns, got %v",
			len(DefaultExcludedColumns), cfg.Engine.GlobalExcludedColumns)
	}

	// The defaults must be a copy
	cfg.Engine.GlobalExcludedColumns[0] = "changed"
	if DefaultExcludedColumns[0] == "changed" {
		t.Error("defaultConfig shares the DefaultExcludedColumns slice")
	}
}

func TestLoadConfigPriority(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
http:
  address: ":9000"
  auth:
    enabled: false
database:
  host: db.example.com
  user: filer
  pool_max_conns: 10
engine:
  default_schema: sales
  global_excluded_columns: [ssn]
log_level: info
`)

	t.Run("file overrides defaults", func(t *testing.T) {
		cfg, err := LoadConfig(path, CLIFlags{ConfigFileSet: true})
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.HTTP.Address != ":9000" {
			t.Errorf("address = %s, want :9000", cfg.HTTP.Address)
		}
		if cfg.HTTP.Auth.Enabled {
			t.Error("expected auth disabled by file")
		}
		if cfg.Database.Host != "db.example.com" || cfg.Database.User != "filer" {
			t.Errorf("unexpected database config %+v", cfg.Database)
		}
		if cfg.Database.Port != 5432 {
			t.Errorf("port = %d, want default 5432", cfg.Database.Port)
		}
		if cfg.Database.PoolMaxConns != 10 {
			t.Errorf("pool_max_conns = %d, want 10", cfg.Database.PoolMaxConns)
		}
		if cfg.Engine.DefaultSchema != "sales" {
			t.Errorf("schema = %s, want sales", cfg.Engine.DefaultSchema)
		}
		if len(cfg.Engine.GlobalExcludedColumns) != 1 || cfg.Engine.GlobalExcludedColumns[0] != "ssn" {
			t.Errorf("excluded = %v, want [ssn]", cfg.Engine.GlobalExcludedColumns)
		}
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("PGEDGE_DB_HOST", "env-host")
		t.Setenv("PGEDGE_ENGINE_EXCLUDED_COLUMNS", "a, b ,")
		cfg, err := LoadConfig(path, CLIFlags{ConfigFileSet: true})
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Database.Host != "env-host" {
			t.Errorf("host = %s, want env-host", cfg.Database.Host)
		}
		if strings.Join(cfg.Engine.GlobalExcludedColumns, ",") != "a,b" {
			t.Errorf("excluded = %v, want [a b]", cfg.Engine.GlobalExcludedColumns)
		}
	})

	t.Run("flags override environment", func(t *testing.T) {
		t.Setenv("PGEDGE_DB_HOST", "env-host")
		cfg, err := LoadConfig(path, CLIFlags{
			ConfigFileSet: true,
			DBHost:        "flag-host",
			DBHostSet:     true,
			Schema:        "flagged",
			SchemaSet:     true,
		})
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Database.Host != "flag-host" {
			t.Errorf("host = %s, want flag-host", cfg.Database.Host)
		}
		if cfg.Engine.DefaultSchema != "flagged" {
			t.Errorf("schema = %s, want flagged", cfg.Engine.DefaultSchema)
		}
	})
}

func TestLoadConfigMissingFile(t *testing.T) {
	clearEnv(t)
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	// Implicit path: defaults are used, auth must then be disabled to validate
	cfg, err := LoadConfig(missing, CLIFlags{AuthEnabled: false, AuthEnabledSet: true})
	if err != nil {
		t.Fatalf("expected defaults for a missing implicit file, got %v", err)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Errorf("address = %s, want :8080", cfg.HTTP.Address)
	}

	if _, err := LoadConfig(missing, CLIFlags{ConfigFileSet: true}); err == nil {
		t.Error("expected an error for a missing explicit config file")
	}
}

func TestDefaultTokenFile(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("", CLIFlags{DefaultTokenFile: "/opt/api/tokens.yaml"})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.HTTP.Auth.TokenFile != "/opt/api/tokens.yaml" {
		t.Errorf("token file = %q", cfg.HTTP.Auth.TokenFile)
	}

	cfg, err = LoadConfig("", CLIFlags{
		DefaultTokenFile: "/opt/api/tokens.yaml",
		AuthTokenFile:    "/etc/tokens.yaml",
		AuthTokenSet:     true,
	})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.HTTP.Auth.TokenFile != "/etc/tokens.yaml" {
		t.Errorf("token file = %q, want the explicit flag", cfg.HTTP.Auth.TokenFile)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			modify: func(c *Config) { c.HTTP.Auth.TokenFile = "tokens.yaml" },
		},
		{
			name: "tls without cert",
			modify: func(c *Config) {
				c.HTTP.Auth.Enabled = false
				c.HTTP.TLS.Enabled = true
				c.HTTP.TLS.CertFile = ""
			},
			wantErr: "certificate",
		},
		{
			name:    "auth without token file",
			modify:  func(c *Config) {},
			wantErr: "token file",
		},
		{
			name: "pool min above max",
			modify: func(c *Config) {
				c.HTTP.Auth.Enabled = false
				c.Database.PoolMinConns = 8
			},
			wantErr: "pool_min_conns",
		},
		{
			name: "bad idle time",
			modify: func(c *Config) {
				c.HTTP.Auth.Enabled = false
				c.Database.PoolMaxConnIdleTime = "forever"
			},
			wantErr: "pool_max_conn_idle_time",
		},
		{
			name: "bad log level",
			modify: func(c *Config) {
				c.HTTP.Auth.Enabled = false
				c.LogLevel = "loud"
			},
			wantErr: "log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.modify(cfg)
			err := validateConfig(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestBuildConnectionString(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "with password",
			cfg:  DatabaseConfig{Host: "localhost", Port: 5432, Database: "app", User: "u", Password: "p", SSLMode: "disable"},
			want: "postgres://u:p@localhost:5432/app?sslmode=disable",
		},
		{
			name: "without password or sslmode",
			cfg:  DatabaseConfig{Host: "h", Port: 6432, Database: "d", User: "u"},
			want: "postgres://u@h:6432/d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.BuildConnectionString(); got != tt.want {
				t.Errorf("BuildConnectionString() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := defaultConfig()
	cfg.HTTP.Auth.TokenFile = "tokens.yaml"
	cfg.Engine.AutoRegister = []string{"orders", "customers"}
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	if !ConfigFileExists(path) {
		t.Fatal("expected config file to exist")
	}

	loaded, err := LoadConfig(path, CLIFlags{ConfigFileSet: true})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if strings.Join(loaded.Engine.AutoRegister, ",") != "orders,customers" {
		t.Errorf("auto_register = %v", loaded.Engine.AutoRegister)
	}
}

func TestReloadableConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "http:\n  auth:\n    enabled: false\nlog_level: error\n")

	cfg, err := LoadConfig(path, CLIFlags{ConfigFileSet: true})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	rc := NewReloadableConfig(cfg, path, CLIFlags{})
	var seen string
	rc.OnReload(func(c *Config) { seen = c.LogLevel })

	if err := os.WriteFile(path, []byte("http:\n  auth:\n    enabled: false\nlog_level: debug\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := rc.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if seen != "debug" || rc.Get().LogLevel != "debug" {
		t.Errorf("expected reloaded log level debug, callback saw %q", seen)
	}

	// An invalid file keeps the previous configuration
	if err := os.WriteFile(path, []byte("log_level: loud\nhttp:\n  auth:\n    enabled: false\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := rc.Reload(); err == nil {
		t.Fatal("expected reload of an invalid file to fail")
	}
	if rc.Get().LogLevel != "debug" {
		t.Errorf("config replaced despite failed reload: %s", rc.Get().LogLevel)
	}

	if rc.GetPath() != path {
		t.Errorf("GetPath() = %s, want %s", rc.GetPath(), path)
	}
}
