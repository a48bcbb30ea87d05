/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

package database

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel represents the logging verbosity level for database operations
type LogLevel int

const (
	// LogLevelNone disables all database logging
	LogLevelNone LogLevel = iota
	// LogLevelInfo logs connections, statements and errors
	LogLevelInfo
	// LogLevelDebug logs pool settings, introspection and statement details
	LogLevelDebug
	// LogLevelTrace logs full statements with their arguments
	LogLevelTrace
)

// Logger handles leveled logging for database operations
type Logger struct {
	level  LogLevel
	logger *log.Logger
}

var globalLogger *Logger

func init() {
	globalLogger = &Logger{
		level:  ParseLogLevel(os.Getenv("PGEDGE_DB_LOG_LEVEL")),
		logger: log.New(os.Stderr, "[DATABASE] ", log.LstdFlags),
	}
}

// ParseLogLevel converts a level name to a LogLevel. Unknown or empty
// values disable logging.
func ParseLogLevel(levelStr string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "info":
		return LogLevelInfo
	case "debug":
		return LogLevelDebug
	case "trace":
		return LogLevelTrace
	default:
		return LogLevelNone
	}
}

// SetLogLevel sets the global database log level
func SetLogLevel(level LogLevel) {
	globalLogger.level = level
}

// GetLogLevel returns the current log level
func GetLogLevel() LogLevel {
	return globalLogger.level
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level >= LogLevelInfo {
		l.logger.Printf("[INFO] "+format, args...)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level >= LogLevelDebug {
		l.logger.Printf("[DEBUG] "+format, args...)
	}
}

// Trace logs a trace message
func (l *Logger) Trace(format string, args ...interface{}) {
	if l.level >= LogLevelTrace {
		l.logger.Printf("[TRACE] "+format, args...)
	}
}

// LogConnection logs a database connection attempt
func LogConnection(connStr string, duration time.Duration, err error) {
	sanitized := SanitizeConnStr(connStr)
	if err != nil {
		globalLogger.Info("Connection failed: connection=%s, duration=%s, error=%v",
			sanitized, duration, err)
	} else {
		globalLogger.Info("Connection succeeded: connection=%s, duration=%s",
			sanitized, duration)
	}
}

// LogConnectionDetails logs pool configuration
func LogConnectionDetails(connStr string, poolConfig map[string]interface{}) {
	sanitized := SanitizeConnStr(connStr)
	configStr := ""
	for k, v := range poolConfig {
		configStr += fmt.Sprintf("%s=%v ", k, v)
	}
	globalLogger.Debug("Connection details: connection=%s, pool_config=%s",
		sanitized, strings.TrimSpace(configStr))
}

// LogIntrospection logs a column introspection for one table
func LogIntrospection(schemaName, table string, columnCount int, duration time.Duration, err error) {
	if err != nil {
		globalLogger.Info("Introspection failed: table=%s.%s, duration=%s, error=%v",
			schemaName, table, duration, err)
	} else {
		globalLogger.Debug("Introspection succeeded: table=%s.%s, column_count=%d, duration=%s",
			schemaName, table, columnCount, duration)
	}
}

// LogQuery logs a statement execution
func LogQuery(query string, duration time.Duration, rowCount int64, err error) {
	queryPreview := truncate(strings.TrimSpace(query), 100)
	if err != nil {
		globalLogger.Info("Query failed: query=%s, duration=%s, error=%v",
			queryPreview, duration, err)
	} else {
		globalLogger.Info("Query succeeded: query=%s, row_count=%d, duration=%s",
			queryPreview, rowCount, duration)
	}
}

// LogQueryDetails logs a statement before execution
func LogQueryDetails(query string, args []interface{}) {
	queryPreview := truncate(strings.TrimSpace(query), 200)
	globalLogger.Debug("Starting query: query=%s, arg_count=%d",
		queryPreview, len(args))
}

// LogQueryTrace logs the full statement and its arguments
func LogQueryTrace(query string, args []interface{}) {
	globalLogger.Trace("Query trace: query=%s, args=%v",
		strings.TrimSpace(query), args)
}

// LogPoolStats logs connection pool statistics
func LogPoolStats(connStr string, acquiredConns, idleConns, maxConns int32) {
	sanitized := SanitizeConnStr(connStr)
	globalLogger.Debug("Pool stats: connection=%s, acquired=%d, idle=%d, max=%d",
		sanitized, acquiredConns, idleConns, maxConns)
}

// SanitizeConnStr masks the password in a connection string
func SanitizeConnStr(connStr string) string {
	schemeIdx := strings.Index(connStr, "://")
	if schemeIdx == -1 {
		return connStr
	}

	scheme := connStr[:schemeIdx+3]
	rest := connStr[schemeIdx+3:]

	// The last @ before the host separates credentials, passwords may
	// contain @ themselves
	hostSepIdx := -1
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '@' {
			slashIdx := strings.Index(rest[i:], "/")
			questionIdx := strings.Index(rest[i:], "?")
			if (slashIdx == -1 || slashIdx > 0) && (questionIdx == -1 || questionIdx > 0) {
				hostSepIdx = i
				break
			}
		}
	}

	if hostSepIdx == -1 {
		return connStr
	}

	credentials := rest[:hostSepIdx]
	hostAndRest := rest[hostSepIdx+1:]

	colonIdx := strings.Index(credentials, ":")
	if colonIdx == -1 {
		return connStr
	}

	user := credentials[:colonIdx]
	return scheme + user + ":***@" + hostAndRest
}

// truncate truncates a string to maxLen characters, adding "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
