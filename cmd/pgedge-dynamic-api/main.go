/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Portions copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"pgedge-dynamic-api/internal/config"
	"pgedge-dynamic-api/internal/database"
	"pgedge-dynamic-api/internal/logging"
)

// Flags shared by every subcommand that needs configuration
var (
	configFile string
	logLevel   string

	dbHost     string
	dbPort     int
	dbName     string
	dbUser     string
	dbPassword string
	dbSSLMode  string
	dbSchema   string
)

var rootCmd = &cobra.Command{
	Use:   "pgedge-dynamic-api",
	Short: "pgEdge Dynamic Query API - Query registered PostgreSQL tables over HTTP",
	Long: `pgedge-dynamic-api introspects PostgreSQL tables at runtime and serves a
PostgREST-style JSON query endpoint over the tables an administrator has
registered. Filters, ordering, pagination, counts and per-token row-level
security predicates are compiled to parameterised SQL.`,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&dbHost, "db-host", "", "Database host")
	pf.IntVar(&dbPort, "db-port", 0, "Database port")
	pf.StringVar(&dbName, "db-name", "", "Database name")
	pf.StringVar(&dbUser, "db-user", "", "Database user")
	pf.StringVar(&dbPassword, "db-password", "", "Database password")
	pf.StringVar(&dbSSLMode, "db-sslmode", "", "Database SSL mode (disable, require, verify-ca, verify-full)")
	pf.StringVar(&dbSchema, "schema", "", "Default schema for table lookups")

	rootCmd.AddCommand(serveCmd, discoverCmd, columnsCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// collectFlags records which persistent and command flags were set
// explicitly so they override the file and environment
func collectFlags(cmd *cobra.Command, flags *config.CLIFlags) {
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "config":
			flags.ConfigFileSet = true
			flags.ConfigFile = configFile
		case "log-level":
			flags.LogLevelSet = true
			flags.LogLevel = logLevel
		case "db-host":
			flags.DBHostSet = true
			flags.DBHost = dbHost
		case "db-port":
			flags.DBPortSet = true
			flags.DBPort = dbPort
		case "db-name":
			flags.DBNameSet = true
			flags.DBName = dbName
		case "db-user":
			flags.DBUserSet = true
			flags.DBUser = dbUser
		case "db-password":
			flags.DBPassSet = true
			flags.DBPassword = dbPassword
		case "db-sslmode":
			flags.DBSSLSet = true
			flags.DBSSLMode = dbSSLMode
		case "schema":
			flags.SchemaSet = true
			flags.Schema = dbSchema
		}
	})
}

// loadConfig resolves the configuration file and merges flags over it.
// An explicit --config must exist; the default path is optional.
func loadConfig(cmd *cobra.Command, flags *config.CLIFlags) (*config.Config, string, error) {
	collectFlags(cmd, flags)

	execPath, err := os.Executable()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get executable path: %w", err)
	}

	path := configFile
	if path == "" {
		path = config.GetDefaultConfigPath(execPath)
		if !config.ConfigFileExists(path) {
			path = ""
		}
	} else if !config.ConfigFileExists(path) {
		return nil, "", fmt.Errorf("configuration file not found: %s", path)
	}

	cfg, err := config.LoadConfig(path, *flags)
	if err != nil {
		return nil, "", err
	}
	applyLogLevels(cfg)
	return cfg, path, nil
}

// applyLogLevels sets the server and database log levels from cfg
func applyLogLevels(cfg *config.Config) {
	if level, ok := logging.ParseLevel(cfg.LogLevel); ok {
		logging.SetLevel(level)
	}
	if cfg.DBLogLevel != "" {
		database.SetLogLevel(database.ParseLogLevel(cfg.DBLogLevel))
	}
}
