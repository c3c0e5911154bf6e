// Command migrate applies the embedded schema migrations to DATABASE_URL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ankitkr9911/Cipherstorm/internal/config"
	"github.com/ankitkr9911/Cipherstorm/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	var databaseURL string

	rootCmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the transaction-service database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL != "" {
				return nil
			}
			cfg, err := config.LoadConfig(".")
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			databaseURL = cfg.DatabaseURL
			if databaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set (use --database-url)")
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres connection string (defaults to DATABASE_URL)")

	rootCmd.AddCommand(gooseCmd("up", "Apply all pending migrations", &databaseURL, cobra.NoArgs))
	rootCmd.AddCommand(gooseCmd("up-to", "Apply migrations up to VERSION", &databaseURL, cobra.ExactArgs(1)))
	rootCmd.AddCommand(gooseCmd("down", "Roll back the latest migration", &databaseURL, cobra.NoArgs))
	rootCmd.AddCommand(gooseCmd("down-to", "Roll back migrations down to VERSION", &databaseURL, cobra.ExactArgs(1)))
	rootCmd.AddCommand(gooseCmd("redo", "Roll back and re-apply the latest migration", &databaseURL, cobra.NoArgs))
	rootCmd.AddCommand(gooseCmd("status", "Print the status of every migration", &databaseURL, cobra.NoArgs))
	rootCmd.AddCommand(gooseCmd("version", "Print the current schema version", &databaseURL, cobra.NoArgs))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func gooseCmd(command, short string, databaseURL *string, args cobra.PositionalArgs) *cobra.Command {
	use := command
	if command == "up-to" || command == "down-to" {
		use = command + " VERSION"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.OpenSQL(cmd.Context(), *databaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			return store.Migrate(cmd.Context(), db, command, args...)
		},
	}
}
