package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wwc-network/wwc/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)

	serveCmd.Flags().String("listen", "", "listen address host:port (overrides config)")
	serveCmd.Flags().String("store", "", "ledger store: sqlite, postgres, mongo or memory")
	serveCmd.Flags().String("dsn", "", "postgres DSN or mongo URI")
	migrateCmd.Flags().String("store", "", "ledger store: sqlite, postgres or mongo")
	migrateCmd.Flags().String("dsn", "", "postgres DSN or mongo URI")
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the credits ledger server",
	Long: `Run the credits ledger HTTP server.

Examples:
  wwcd serve
  wwcd serve --listen 0.0.0.0:8787 --store postgres --dsn postgres://localhost/wwc`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyStoreFlags(cmd, &cfg); err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		if err := cfg.API.SetListen(listen); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(os.Stderr)
	srv, err := daemon.NewServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	return srv.Run(ctx)
}

func applyStoreFlags(cmd *cobra.Command, cfg *daemon.Config) error {
	if v, _ := cmd.Flags().GetString("store"); v != "" {
		cfg.Store.Driver = v
	}
	if v, _ := cmd.Flags().GetString("dsn"); v != "" {
		cfg.Store.DSN = v
	}
	return cfg.Validate()
}

// ─── migrate ────────────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the ledger schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyStoreFlags(cmd, &cfg); err != nil {
			return err
		}
		if cfg.Store.Driver == "memory" {
			return fmt.Errorf("the memory store has no schema")
		}

		store, err := daemon.OpenStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "%s store migrated\n", cfg.Store.Driver)
		return nil
	},
}
