package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/epicconnect/internal/config"
	"github.com/ehr/epicconnect/internal/platform/auth"
	"github.com/ehr/epicconnect/internal/platform/db"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "epic-connect",
		Short:        "SMART on FHIR client for Epic",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(authorizeURLCmd())
	root.AddCommand(migrateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the auth and FHIR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise")
		return err
	}
	defer a.Close()

	go a.runJanitor(ctx, janitorInterval)

	e := a.router()
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("mock", cfg.UseMockData).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func exportCmd() *cobra.Command {
	var opts exportOptions
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Run a bulk data export and write the NDJSON output",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env, cfg.LogLevel)
			if opts.AccessToken == "" {
				opts.AccessToken = os.Getenv("EPIC_ACCESS_TOKEN")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return runExport(ctx, a, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.Identity, "identity", string(config.Clinician), "Identity whose client runs the export (patient|clinician)")
	cmd.Flags().StringVar(&opts.Level, "level", "system", "Export level: system, patient or group")
	cmd.Flags().StringVar(&opts.GroupID, "group", "", "Group id for group-level exports")
	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "Resource types to export (repeatable or comma-separated)")
	cmd.Flags().StringVar(&opts.Since, "since", "", "Only resources updated since this RFC3339 time")
	cmd.Flags().StringVar(&opts.OutDir, "out", "./export", "Directory for NDJSON output")
	cmd.Flags().StringVar(&opts.AccessToken, "access-token", "", "Bearer token (defaults to EPIC_ACCESS_TOKEN)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "Poll interval (defaults to EXPORT_POLL_INTERVAL)")
	return cmd
}

func authorizeURLCmd() *cobra.Command {
	var identity, scopes string
	cmd := &cobra.Command{
		Use:   "authorize-url",
		Short: "Print a SMART authorization URL for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return printAuthorizeURL(cfg, identity, scopes, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&identity, "identity", string(config.Patient), "Identity (patient|clinician)")
	cmd.Flags().StringVar(&scopes, "scope", "", "Scopes to request (defaults to the configured set)")
	return cmd
}

// printAuthorizeURL prints the URL and state token. The PKCE verifier is
// never printed.
func printAuthorizeURL(cfg *config.Config, identity, scopes string, out io.Writer) error {
	id, err := config.ParseIdentity(identity)
	if err != nil {
		return err
	}
	ic, err := cfg.Identity(id)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)
	client := auth.NewClient(ic, nil, nil, logger)

	authURL, state, err := client.AuthorizationURL(config.SplitScopes(scopes))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, authURL)
	fmt.Fprintf(out, "state: %s (expires %s)\n", state.State, state.CreatedAt.Add(auth.StateTTL).Format(time.RFC3339))
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the session and audit tables",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	m, err := db.NewMigrator(pool, logger, appMigrations()...)
	if err != nil {
		return err
	}
	return fn(ctx, m)
}

func printMigrationStatus(out io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(out, "%-10s %-30s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, strings.Repeat("-", 10)+" "+strings.Repeat("-", 30)+" "+strings.Repeat("-", 10)+" "+strings.Repeat("-", 20))
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-30s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
