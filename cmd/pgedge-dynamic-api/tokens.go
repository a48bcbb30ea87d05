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
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"pgedge-dynamic-api/internal/auth"
	"pgedge-dynamic-api/internal/filter"
)

var (
	tokenFile   string
	tokenNote   string
	tokenExpiry string
	tokenAdmin  bool
	tokenRLS    []string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API tokens",
}

var tokenAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a new API token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		var expiry time.Duration
		switch {
		case tokenExpiry != "" && tokenExpiry != "never":
			var err error
			expiry, err = parseDuration(tokenExpiry)
			if err != nil {
				return fmt.Errorf("invalid expiry duration: %w", err)
			}
		case tokenExpiry == "":
			expiry = 0 // Will prompt user
		default:
			expiry = -1 // Never expires
		}

		rls, err := parseRLSFlags(tokenRLS)
		if err != nil {
			return err
		}
		return addTokenCommand(cmd.OutOrStdout(), resolveTokenFile(), tokenNote, expiry, tokenAdmin, rls)
	},
}

var tokenRemoveCmd = &cobra.Command{
	Use:   "remove <id|hash-prefix>",
	Short: "Remove an API token by ID or hash prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return removeTokenCommand(cmd.OutOrStdout(), resolveTokenFile(), args[0])
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all API tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return listTokensCommand(cmd.OutOrStdout(), resolveTokenFile())
	},
}

var tokenRLSCmd = &cobra.Command{
	Use:   "rls <id> <table> [column:operator[:value]...]",
	Short: "Replace the row-level security conditions of a token for one table",
	Long: `Replace the row-level security conditions of a token for one table.
With no conditions the table's conditions are removed. Values are parsed as
JSON when possible (42, true, "x") and used as text otherwise.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		conds := make([]filter.RlsCondition, 0, len(args)-2)
		for _, spec := range args[2:] {
			cond, err := parseCondition(spec)
			if err != nil {
				return err
			}
			conds = append(conds, cond)
		}
		return setRLSCommand(cmd.OutOrStdout(), resolveTokenFile(), args[0], args[1], conds)
	},
}

func init() {
	tokenCmd.PersistentFlags().StringVar(&tokenFile, "token-file", "", "Path to API token file")

	tokenAddCmd.Flags().StringVar(&tokenNote, "note", "", "Annotation for the new token")
	tokenAddCmd.Flags().StringVar(&tokenExpiry, "expiry", "", "Token expiry duration: '30d', '1y', '2w', '12h', 'never'")
	tokenAddCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "Allow the token to manage table registrations")
	tokenAddCmd.Flags().StringArrayVar(&tokenRLS, "rls", nil,
		"Row-level security condition as table:column:operator[:value] (repeatable)")

	tokenCmd.AddCommand(tokenAddCmd, tokenRemoveCmd, tokenListCmd, tokenRLSCmd)
}

// resolveTokenFile returns --token-file or the default path
func resolveTokenFile() string {
	if tokenFile != "" {
		return tokenFile
	}
	execPath, err := os.Executable()
	if err != nil {
		return auth.GetDefaultTokenPath("")
	}
	return auth.GetDefaultTokenPath(execPath)
}

// loadOrCreateTokenStore opens the token file, creating an empty store if
// it does not exist yet
func loadOrCreateTokenStore(path string) (*auth.TokenStore, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Creating new token file: %s\n", path)
		return auth.InitializeTokenStore(), nil
	}
	store, err := auth.LoadTokenStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load token file: %w", err)
	}
	return store, nil
}

// addTokenCommand handles token add
func addTokenCommand(out io.Writer, path, annotation string, expiresIn time.Duration, admin bool, rls map[string][]filter.RlsCondition) error {
	store, err := loadOrCreateTokenStore(path)
	if err != nil {
		return err
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	hash := auth.HashToken(token)

	reader := bufio.NewReader(os.Stdin)

	// Prompt for annotation if not provided
	if annotation == "" {
		fmt.Fprint(out, "Enter annotation/note for this token (optional): ")
		if input, err := reader.ReadString('\n'); err == nil {
			annotation = strings.TrimSpace(input)
		}
	}

	// Calculate expiry
	var expiresAt *time.Time
	if expiresIn > 0 {
		expiry := time.Now().Add(expiresIn)
		expiresAt = &expiry
	} else if expiresIn == 0 {
		fmt.Fprint(out, "Enter expiry duration (e.g., '30d', '1y', or 'never'): ")
		input := ""
		if userInput, err := reader.ReadString('\n'); err == nil {
			input = strings.TrimSpace(userInput)
		}

		if input != "" && input != "never" {
			duration, err := parseDuration(input)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			expiry := time.Now().Add(duration)
			expiresAt = &expiry
		}
	}

	tokenID := fmt.Sprintf("token-%d", time.Now().Unix())
	if err := store.AddToken(tokenID, hash, annotation, expiresAt, admin); err != nil {
		return fmt.Errorf("failed to add token: %w", err)
	}
	for _, table := range sortedKeys(rls) {
		if err := store.SetRLS(tokenID, table, rls[table]); err != nil {
			return fmt.Errorf("invalid row-level security for %s: %w", table, err)
		}
	}

	if err := auth.SaveTokenStore(path, store); err != nil {
		return fmt.Errorf("failed to save token file: %w", err)
	}

	fmt.Fprintln(out, "\n"+strings.Repeat("=", 70))
	fmt.Fprintln(out, "Token created successfully!")
	fmt.Fprintln(out, strings.Repeat("=", 70))
	fmt.Fprintf(out, "\nToken: %s\n", token)
	fmt.Fprintf(out, "Hash:  %s\n", hash[:16]+"...")
	fmt.Fprintf(out, "ID:    %s\n", tokenID)
	if annotation != "" {
		fmt.Fprintf(out, "Note:  %s\n", annotation)
	}
	if admin {
		fmt.Fprintln(out, "Role:  admin")
	}
	if len(rls) > 0 {
		fmt.Fprintf(out, "RLS:   %s\n", strings.Join(sortedKeys(rls), ", "))
	}
	if expiresAt != nil {
		fmt.Fprintf(out, "Expires: %s\n", expiresAt.Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "Expires: Never")
	}
	fmt.Fprintln(out, strings.Repeat("=", 70))
	fmt.Fprintln(out, "\nIMPORTANT: Save this token securely - it will not be shown again!")
	fmt.Fprintln(out, "Use it in API requests with: Authorization: Bearer <token>")
	fmt.Fprintln(out, strings.Repeat("=", 70)+"\n")

	return nil
}

// removeTokenCommand handles token remove
func removeTokenCommand(out io.Writer, path, identifier string) error {
	store, err := auth.LoadTokenStore(path)
	if err != nil {
		return fmt.Errorf("failed to load token file: %w", err)
	}

	removed, err := store.RemoveToken(identifier)
	if err != nil {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	if !removed {
		return fmt.Errorf("token not found: %s", identifier)
	}

	if err := auth.SaveTokenStore(path, store); err != nil {
		return fmt.Errorf("failed to save token file: %w", err)
	}

	fmt.Fprintf(out, "Token removed successfully: %s\n", identifier)
	return nil
}

// setRLSCommand handles token rls
func setRLSCommand(out io.Writer, path, tokenID, table string, conds []filter.RlsCondition) error {
	store, err := auth.LoadTokenStore(path)
	if err != nil {
		return fmt.Errorf("failed to load token file: %w", err)
	}
	if err := store.SetRLS(tokenID, table, conds); err != nil {
		return err
	}
	if err := auth.SaveTokenStore(path, store); err != nil {
		return fmt.Errorf("failed to save token file: %w", err)
	}

	if len(conds) == 0 {
		fmt.Fprintf(out, "Row-level security removed for %s on %s\n", tokenID, table)
	} else {
		fmt.Fprintf(out, "Row-level security set for %s on %s (%d condition(s))\n", tokenID, table, len(conds))
	}
	return nil
}

// listTokensCommand handles token list
func listTokensCommand(out io.Writer, path string) error {
	store, err := auth.LoadTokenStore(path)
	if err != nil {
		return fmt.Errorf("failed to load token file: %w", err)
	}

	tokens := store.ListTokens()
	if len(tokens) == 0 {
		fmt.Fprintln(out, "No tokens found.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.SetTitle("API Tokens")
	t.AppendHeader(table.Row{"ID", "Hash Prefix", "Expires", "Status", "Role", "RLS Tables", "Annotation"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignCenter},
		{Number: 7, WidthMax: 30},
	})

	for _, token := range tokens {
		status := text.FgGreen.Sprint("Active")
		if token.Expired {
			status = text.FgRed.Sprint("EXPIRED")
		}

		expiryStr := "Never"
		if token.ExpiresAt != nil {
			expiryStr = token.ExpiresAt.Format("2006-01-02 15:04")
		}

		role := "reader"
		if token.Admin {
			role = "admin"
		}

		t.AppendRow(table.Row{
			token.ID,
			token.HashPrefix,
			expiryStr,
			status,
			role,
			strings.Join(token.RLSTables, ", "),
			token.Annotation,
		})
	}
	t.Render()

	return nil
}

// parseRLSFlags groups --rls values by table
func parseRLSFlags(specs []string) (map[string][]filter.RlsCondition, error) {
	rls := make(map[string][]filter.RlsCondition)
	for _, spec := range specs {
		table, rest, ok := strings.Cut(spec, ":")
		if !ok || table == "" {
			return nil, fmt.Errorf("invalid --rls %q: expected table:column:operator[:value]", spec)
		}
		cond, err := parseCondition(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid --rls %q: %w", spec, err)
		}
		rls[table] = append(rls[table], cond)
	}
	return rls, nil
}

// parseCondition parses column:operator[:value]. The value is decoded as
// JSON when it parses, otherwise it is kept as text.
func parseCondition(spec string) (filter.RlsCondition, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return filter.RlsCondition{}, fmt.Errorf("invalid condition %q: expected column:operator[:value]", spec)
	}
	if _, err := filter.ParseOperator(parts[1]); err != nil {
		return filter.RlsCondition{}, err
	}

	cond := filter.RlsCondition{Column: parts[0], Operator: parts[1]}
	if len(parts) == 3 {
		var v any
		if err := json.Unmarshal([]byte(parts[2]), &v); err == nil {
			cond.Value = v
		} else {
			cond.Value = parts[2]
		}
	}
	return cond, nil
}

func sortedKeys(m map[string][]filter.RlsCondition) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseDuration parses durations like "30d", "1y", "2w", "12h"
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration format")
	}

	// Get the numeric part and unit
	numStr := s[:len(s)-1]
	unit := s[len(s)-1]

	var num int
	if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
		return 0, fmt.Errorf("invalid number in duration: %w", err)
	}

	switch unit {
	case 'h':
		return time.Duration(num) * time.Hour, nil
	case 'd':
		return time.Duration(num) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(num) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(num) * 30 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(num) * 365 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid duration unit: %c (use h, d, w, m, or y)", unit)
	}
}
