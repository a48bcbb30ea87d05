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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pgedge-dynamic-api/internal/api"
	"pgedge-dynamic-api/internal/auth"
	"pgedge-dynamic-api/internal/config"
	"pgedge-dynamic-api/internal/database"
	"pgedge-dynamic-api/internal/engine"
	"pgedge-dynamic-api/internal/logging"
	"pgedge-dynamic-api/internal/registry"
	"pgedge-dynamic-api/internal/schema"
	"pgedge-dynamic-api/internal/store"
)

const (
	// Token cleanup configuration
	tokenCleanupInterval = 5 * time.Minute // How often to check for expired tokens

	shutdownTimeout = 15 * time.Second
)

var (
	httpAddr      string
	tlsMode       bool
	certFile      string
	keyFile       string
	noAuth        bool
	tokenFilePath string
	storePath     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP query server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&httpAddr, "addr", "", "HTTP server address")
	f.BoolVar(&tlsMode, "tls", false, "Enable TLS/HTTPS")
	f.StringVar(&certFile, "cert", "", "Path to TLS certificate file")
	f.StringVar(&keyFile, "key", "", "Path to TLS key file")
	f.BoolVar(&noAuth, "no-auth", false, "Disable API token authentication")
	f.StringVar(&tokenFilePath, "token-file", "", "Path to API token file")
	f.StringVar(&storePath, "store", "", "Path to the SQLite registration store")
}

// serveFlags records the serve-only flags that were set explicitly
func serveFlags(cmd *cobra.Command, execPath string) config.CLIFlags {
	flags := config.CLIFlags{DefaultTokenFile: auth.GetDefaultTokenPath(execPath)}
	f := cmd.Flags()
	if f.Changed("addr") {
		flags.HTTPAddrSet, flags.HTTPAddr = true, httpAddr
	}
	if f.Changed("tls") {
		flags.TLSEnabledSet, flags.TLSEnabled = true, tlsMode
	}
	if f.Changed("cert") {
		flags.TLSCertSet, flags.TLSCertFile = true, certFile
	}
	if f.Changed("key") {
		flags.TLSKeySet, flags.TLSKeyFile = true, keyFile
	}
	if f.Changed("no-auth") {
		// Invert because it's "no-auth"
		flags.AuthEnabledSet, flags.AuthEnabled = true, !noAuth
	}
	if f.Changed("token-file") {
		flags.AuthTokenSet, flags.AuthTokenFile = true, tokenFilePath
	}
	if f.Changed("store") {
		flags.StorePathSet, flags.StorePath = true, storePath
	}
	return flags
}

func runServe(cmd *cobra.Command, args []string) error {
	// Suppress usage for runtime errors (flags have already been parsed by this point)
	cmd.SilenceUsage = true

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	flags := serveFlags(cmd, execPath)
	cfg, cfgPath, err := loadConfig(cmd, &flags)
	if err != nil {
		return err
	}

	// Verify TLS files exist if HTTPS is enabled
	if cfg.HTTP.TLS.Enabled {
		if _, err := os.Stat(cfg.HTTP.TLS.CertFile); err != nil {
			return fmt.Errorf("certificate file not found: %s", cfg.HTTP.TLS.CertFile)
		}
		if _, err := os.Stat(cfg.HTTP.TLS.KeyFile); err != nil {
			return fmt.Errorf("key file not found: %s", cfg.HTTP.TLS.KeyFile)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load token store if auth is enabled
	var tokenStore *auth.TokenStore
	if cfg.HTTP.Auth.Enabled {
		if _, err := os.Stat(cfg.HTTP.Auth.TokenFile); os.IsNotExist(err) {
			return fmt.Errorf("token file not found: %s (create tokens with: %s token add, or disable authentication with --no-auth)",
				cfg.HTTP.Auth.TokenFile, os.Args[0])
		}
		tokenStore, err = auth.LoadTokenStore(cfg.HTTP.Auth.TokenFile)
		if err != nil {
			return fmt.Errorf("failed to load token file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Loaded %d API token(s) from %s\n", len(tokenStore.ListTokens()), cfg.HTTP.Auth.TokenFile)

		if err := tokenStore.StartWatching(); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: Failed to start watching token file: %v\n", err)
			fmt.Fprintf(os.Stderr, "         Token changes will require server restart\n")
		} else {
			fmt.Fprintf(os.Stderr, "Watching %s for changes\n", cfg.HTTP.Auth.TokenFile)
		}
		defer tokenStore.StopWatching()

		if removed := tokenStore.CleanupExpiredTokens(); removed > 0 {
			fmt.Fprintf(os.Stderr, "Removed %d expired token(s)\n", removed)
			if err := auth.SaveTokenStore(cfg.HTTP.Auth.TokenFile, tokenStore); err != nil {
				fmt.Fprintf(os.Stderr, "WARNING: Failed to save cleaned token file: %v\n", err)
			}
		}
		go cleanupTokens(ctx, tokenStore, cfg.HTTP.Auth.TokenFile)
	}

	client := database.NewClient(&cfg.Database)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer client.Close()
	fmt.Fprintf(os.Stderr, "Connected to database: %s\n", client.ConnectionString())

	svc, closeStore, err := buildService(cfg, client)
	if err != nil {
		return err
	}
	defer closeStore()

	stats, err := svc.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore registrations: %w", err)
	}
	if stats.Restored > 0 || stats.Failed > 0 {
		fmt.Fprintf(os.Stderr, "Restored %d table(s), %d failed\n", stats.Restored, stats.Failed)
	}
	if err := svc.AutoRegister(ctx, cfg.Engine); err != nil {
		return fmt.Errorf("failed to auto-register tables: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Registered tables: %d\n", len(svc.ListRegisteredTables()))

	if cfgPath != "" {
		defer watchConfig(cfg, cfgPath, flags, svc)()
	}

	handler := api.NewHandler(svc, client)
	srv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           api.RequestLogger(auth.AuthMiddleware(tokenStore, cfg.HTTP.Auth.Enabled)(handler.Routes())),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.HTTP.TLS.Enabled {
			fmt.Fprintf(os.Stderr, "Starting server in HTTPS mode on %s\n", cfg.HTTP.Address)
			errCh <- srv.ListenAndServeTLS(cfg.HTTP.TLS.CertFile, cfg.HTTP.TLS.KeyFile)
		} else {
			fmt.Fprintf(os.Stderr, "Starting server in HTTP mode on %s\n", cfg.HTTP.Address)
			errCh <- srv.ListenAndServe()
		}
	}()

	if cfg.HTTP.Auth.Enabled {
		fmt.Fprintf(os.Stderr, "Authentication: ENABLED\n")
	} else {
		fmt.Fprintf(os.Stderr, "Authentication: DISABLED (warning: server is not secured)\n")
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	fmt.Fprintf(os.Stderr, "Shutting down\n")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// buildService wires the registry, introspector, executor and store over
// the connected client. The returned func closes the store.
func buildService(cfg *config.Config, client *database.Client) (*engine.Service, func(), error) {
	pool := client.Pool()
	introspector := schema.NewPostgresIntrospector(pool, cfg.Engine.DefaultSchema)
	reg := registry.New(introspector,
		registry.WithDefaultSchema(cfg.Engine.DefaultSchema),
		registry.WithGlobalExcludedColumns(cfg.Engine.GlobalExcludedColumns),
	)

	var opts []engine.Option
	closeStore := func() {}
	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open store: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Registration store: %s\n", st.Path())
		opts = append(opts, engine.WithStore(st))
		closeStore = func() {
			if err := st.Close(); err != nil {
				logging.Warn("store_close_failed", "error", err)
			}
		}
	}

	return engine.New(reg, introspector, pool, opts...), closeStore, nil
}

// watchConfig reloads the configuration file when it changes. Log levels
// and the global exclusion list apply immediately; everything else needs
// a restart. The returned func stops watching.
func watchConfig(cfg *config.Config, path string, flags config.CLIFlags, svc *engine.Service) func() {
	rc := config.NewReloadableConfig(cfg, path, flags)
	previous := cfg.Engine.GlobalExcludedColumns
	rc.OnReload(func(next *config.Config) {
		applyLogLevels(next)
		if !slices.Equal(previous, next.Engine.GlobalExcludedColumns) {
			if err := svc.SetGlobalExcludedColumns(next.Engine.GlobalExcludedColumns); err != nil {
				logging.Error("global_exclusions_reload_failed", "error", err)
				return
			}
			previous = next.Engine.GlobalExcludedColumns
		}
	})

	watcher, err := auth.NewFileWatcher(path, rc.Reload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to watch configuration file: %v\n", err)
		return func() {}
	}
	watcher.Start()
	fmt.Fprintf(os.Stderr, "Watching %s for changes\n", path)
	return watcher.Stop
}

// cleanupTokens periodically drops expired tokens from the store and file
func cleanupTokens(ctx context.Context, tokenStore *auth.TokenStore, path string) {
	ticker := time.NewTicker(tokenCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := tokenStore.CleanupExpiredTokens(); removed > 0 {
				logging.Info("expired_tokens_removed", "count", removed)
				if err := auth.SaveTokenStore(path, tokenStore); err != nil {
					logging.Warn("token_file_save_failed", "error", err)
				}
			}
		}
	}
}
