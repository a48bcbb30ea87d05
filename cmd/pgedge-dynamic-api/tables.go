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
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pgedge-dynamic-api/internal/config"
	"pgedge-dynamic-api/internal/database"
	"pgedge-dynamic-api/internal/registry"
	"pgedge-dynamic-api/internal/schema"
)

const inspectTimeout = 30 * time.Second

var promptPassword bool

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the tables of a schema and their column counts",
	Args:  cobra.NoArgs,
	RunE:  runDiscover,
}

var columnsCmd = &cobra.Command{
	Use:   "columns <table>",
	Short: "Show the introspected columns of a table",
	Args:  cobra.ExactArgs(1),
	RunE:  runColumns,
}

func init() {
	for _, cmd := range []*cobra.Command{discoverCmd, columnsCmd} {
		cmd.Flags().BoolVarP(&promptPassword, "password", "W", false, "Prompt for the database password")
	}
}

// connect loads the configuration and opens a pool for the inspection
// commands. These never serve HTTP, so authentication is not validated.
func connect(cmd *cobra.Command) (*config.Config, *database.Client, error) {
	cmd.SilenceUsage = true

	flags := config.CLIFlags{AuthEnabled: false, AuthEnabledSet: true}
	cfg, _, err := loadConfig(cmd, &flags)
	if err != nil {
		return nil, nil, err
	}

	if promptPassword && cfg.Database.Password == "" {
		password, err := readPassword(fmt.Sprintf("Password for user %s: ", cfg.Database.User))
		if err != nil {
			return nil, nil, err
		}
		cfg.Database.Password = password
	}

	client := database.NewClient(&cfg.Database)
	ctx, cancel := context.WithTimeout(cmd.Context(), inspectTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return cfg, client, nil
}

// readPassword prompts on the terminal without echo
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("cannot prompt for a password: stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	passwordBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr) // New line after password input
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(passwordBytes), nil
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, client, err := connect(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	introspector := schema.NewPostgresIntrospector(client.Pool(), cfg.Engine.DefaultSchema)
	reg := registry.New(introspector, registry.WithDefaultSchema(cfg.Engine.DefaultSchema))

	ctx, cancel := context.WithTimeout(cmd.Context(), inspectTimeout)
	defer cancel()
	tables, err := reg.Discover(ctx, "")
	if err != nil {
		return err
	}

	renderTables(cmd.OutOrStdout(), cfg.Engine.DefaultSchema, tables)
	return nil
}

func runColumns(cmd *cobra.Command, args []string) error {
	cfg, client, err := connect(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	introspector := schema.NewPostgresIntrospector(client.Pool(), cfg.Engine.DefaultSchema)
	ctx, cancel := context.WithTimeout(cmd.Context(), inspectTimeout)
	defer cancel()
	columns, err := introspector.DescribeColumns(ctx, args[0], "")
	if err != nil {
		return err
	}
	renderColumns(cmd.OutOrStdout(), args[0], columns)
	return nil
}

func renderTables(w io.Writer, schemaName string, tables []registry.TableInfo) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Tables in schema %s", schemaName)
	t.AppendHeader(table.Row{"Table", "Columns"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
	})
	for _, info := range tables {
		t.AppendRow(table.Row{info.Name, info.ColumnCount})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d table(s)", len(tables)), ""})
	t.Render()
}

func renderColumns(w io.Writer, tableName string, columns []schema.ColumnDescriptor) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Columns of %s", tableName)
	t.AppendHeader(table.Row{"#", "Column", "Type", "Kind", "Nullable", "Key", "Default"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 5, Align: text.AlignCenter},
		{Number: 6, Align: text.AlignCenter},
	})
	for i, col := range columns {
		key := ""
		if col.IsPrimaryKey {
			key = "PK"
		}
		nullable := "no"
		if col.Nullable {
			nullable = "yes"
		}
		def := ""
		if col.DefaultValue != nil {
			def = strings.TrimSpace(*col.DefaultValue)
		}
		t.AppendRow(table.Row{i + 1, col.Name, col.TypeName, col.Kind.String(), nullable, key, def})
	}
	t.Render()
}
