/*
main.go - stashd entry point

PURPOSE:
  Command-line front end for the stash ledger: runs the HTTP API, applies
  migrations and prints balances from the terminal.

COMMANDS:
  serve              Start the HTTP API with graceful shutdown
  migrate            Apply schema migrations and exit
  balance <item-id>  Print an item's balance (--at for a point in time)
  version            Print version information

CONFIGURATION:
  --config points at an optional YAML file. Every key can be overridden by
  a STASH_* environment variable or a .env file; see package config.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the balance auditor
  4. Close the store

EXAMPLES:
  # Run with the default SQLite file
  stashd serve

  # Run against Postgres
  STASH_STORE_DRIVER=postgres STASH_STORE_DSN=postgres://... stashd serve

  # Balance at the end of January
  stashd balance blue-dream --at 2025-01-31

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/stash-ledger/api"
	"github.com/warp/stash-ledger/inventory"
)

var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "stashd"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Stash inventory ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(
		serveCmd(&configPath),
		migrateCmd(&configPath),
		balanceCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	handler := api.NewHandler(a.service, a.units, a.cfg.Locale(), a.log)
	opts := api.RouterOptions{AllowedOrigins: a.cfg.CORS.AllowedOrigins}
	if a.metrics != nil {
		opts.Metrics = a.metrics.Handler()
	}

	auditor := api.NewBalanceAuditor(a.service, a.log)
	auditor.Interval = a.cfg.Audit.Interval
	auditor.Enabled = a.cfg.Audit.Interval > 0
	if a.metrics != nil {
		auditor.Metrics = a.metrics
	}
	handler.Audit = auditor
	auditor.Start()
	defer auditor.Stop()

	server := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, opts),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info("server stopped")
	return nil
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening a durable store applies its migrations.
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			a.log.WithField("driver", a.cfg.Store.Driver).Info("migrations applied")
			return nil
		},
	}
}

func balanceCmd(configPath *string) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "balance <item-id>",
		Short: "Print an item's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var asOf time.Time
			if at != "" {
				t, err := parseAt(at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				asOf = t
			}

			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			bal, err := a.service.Balance(cmd.Context(), inventory.ItemID(args[0]), asOf)
			if err != nil {
				return err
			}
			printBalance(cmd, bal, a)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Point in time (RFC 3339 or YYYY-MM-DD, whole day included)")
	return cmd
}

func printBalance(cmd *cobra.Command, bal inventory.Balance, a *app) {
	out := cmd.OutOrStdout()
	tag := a.cfg.Locale()
	fmt.Fprintf(out, "%s (%d entries)\n", bal.Display().Format(tag), bal.Applied)
	if adv := bal.Advisory(); adv != nil {
		fmt.Fprintf(out, "warning: %v\n", adv)
	}
	if n := len(bal.Incomplete); n > 0 {
		fmt.Fprintf(out, "warning: %d entries without an amount\n", n)
	}
}

func parseAt(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return d.Add(24*time.Hour - time.Nanosecond), nil
}
