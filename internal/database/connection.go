/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Portions copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"pgedge-dynamic-api/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
)

// applicationName is reported to PostgreSQL in pg_stat_activity
const applicationName = "pgEdge Dynamic Query API"

// Client owns the connection pool shared by the introspector and the
// query executor
type Client struct {
	connStr  string
	dbConfig *config.DatabaseConfig
	pool     *pgxpool.Pool
	mu       sync.RWMutex
}

// NewClient creates a client that builds its connection string from
// dbConfig (or the environment when dbConfig has no user)
func NewClient(dbConfig *config.DatabaseConfig) *Client {
	return &Client{dbConfig: dbConfig}
}

// NewClientWithConnectionString creates a client for an explicit
// connection string; dbConfig only supplies pool settings
func NewClientWithConnectionString(connStr string, dbConfig *config.DatabaseConfig) *Client {
	return &Client{connStr: connStr, dbConfig: dbConfig}
}

// Connect creates and pings the connection pool
func (c *Client) Connect(ctx context.Context) error {
	startTime := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pool != nil {
		return nil
	}

	connStr := c.connStr
	if connStr == "" {
		// Priority order for the connection string:
		// 1. DatabaseConfig (if a user is configured)
		// 2. PGEDGE_POSTGRES_CONNECTION_STRING environment variable
		// 3. Default fallback
		if c.dbConfig != nil && c.dbConfig.User != "" {
			connStr = c.dbConfig.BuildConnectionString()
		} else {
			connStr = os.Getenv("PGEDGE_POSTGRES_CONNECTION_STRING")
			if connStr == "" {
				connStr = "postgres://localhost/postgres?sslmode=disable"
			}
		}
		c.connStr = connStr
	}

	enhancedConnStr, err := addApplicationName(connStr, applicationName)
	if err != nil {
		return fmt.Errorf("unable to enhance connection string: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(enhancedConnStr)
	if err != nil {
		return fmt.Errorf("unable to parse connection string: %w", err)
	}

	if err := applyPoolConfig(poolConfig, c.dbConfig); err != nil {
		return err
	}

	if GetLogLevel() >= LogLevelDebug {
		LogConnectionDetails(connStr, map[string]interface{}{
			"max_conns":          poolConfig.MaxConns,
			"min_conns":          poolConfig.MinConns,
			"max_conn_lifetime":  poolConfig.MaxConnLifetime,
			"max_conn_idle_time": poolConfig.MaxConnIdleTime,
		})
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		LogConnection(connStr, time.Since(startTime), err)
		return fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		LogConnection(connStr, time.Since(startTime), err)
		return fmt.Errorf("unable to ping database: %w", err)
	}

	c.pool = pool
	LogConnection(connStr, time.Since(startTime), nil)
	return nil
}

// applyPoolConfig copies pool and session settings from dbConfig
func applyPoolConfig(poolConfig *pgxpool.Config, dbConfig *config.DatabaseConfig) error {
	if dbConfig == nil {
		return nil
	}

	if dbConfig.PoolMaxConns > 0 {
		poolConfig.MaxConns = int32(dbConfig.PoolMaxConns)
	}
	if dbConfig.PoolMinConns > 0 {
		poolConfig.MinConns = int32(dbConfig.PoolMinConns)
	}

	if dbConfig.PoolMaxConnIdleTime != "" {
		idleTime, err := time.ParseDuration(dbConfig.PoolMaxConnIdleTime)
		if err != nil {
			return fmt.Errorf("invalid pool_max_conn_idle_time: %w", err)
		}
		poolConfig.MaxConnIdleTime = idleTime
	}

	// The engine has no timeout policy of its own; a configured
	// statement_timeout is handed to the server as a session parameter
	if dbConfig.StatementTimeout != "" {
		if poolConfig.ConnConfig.RuntimeParams == nil {
			poolConfig.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = dbConfig.StatementTimeout
	}

	return nil
}

// addApplicationName adds application_name to a URL-style connection string
func addApplicationName(connStr, appName string) (string, error) {
	// key=value DSNs are passed through untouched
	if !strings.Contains(connStr, "://") {
		return connStr, nil
	}

	u, err := url.Parse(connStr)
	if err != nil {
		return "", fmt.Errorf("invalid connection string: %w", err)
	}

	query := u.Query()
	if !query.Has("application_name") {
		query.Set("application_name", appName)
		u.RawQuery = query.Encode()
	}

	return u.String(), nil
}

// Pool returns the connection pool, or nil before Connect succeeds
func (c *Client) Pool() *pgxpool.Pool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool
}

// IsConnected reports whether the pool has been created
func (c *Client) IsConnected() bool {
	return c.Pool() != nil
}

// ConnectionString returns the connection string with the password masked
func (c *Client) ConnectionString() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return SanitizeConnStr(c.connStr)
}

// Ping checks that the database is reachable
func (c *Client) Ping(ctx context.Context) error {
	pool := c.Pool()
	if pool == nil {
		return fmt.Errorf("database not connected")
	}
	return pool.Ping(ctx)
}

// LogStats writes the pool statistics to the debug log
func (c *Client) LogStats() {
	pool := c.Pool()
	if pool == nil {
		return
	}
	stat := pool.Stat()
	c.mu.RLock()
	connStr := c.connStr
	c.mu.RUnlock()
	LogPoolStats(connStr, stat.AcquiredConns(), stat.IdleConns(), stat.MaxConns())
}

// Close closes the connection pool
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
}
