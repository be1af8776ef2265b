package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"variantlab/internal/migration"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}
	if err := newMigrateCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newMigrateCmd() *cobra.Command {
	var (
		reset   bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "migrate [database_url]",
		Short: "Create or upgrade the variantlab schema",
		Long: `Create or upgrade the variantlab Postgres schema.

The database URL is taken from the first argument, or from DATABASE_URL.
Use --reset to drop every table first (WARNING: destroys all data).`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			databaseURL := os.Getenv("DATABASE_URL")
			if len(args) > 0 {
				databaseURL = args[0]
			}
			if databaseURL == "" {
				return fmt.Errorf("no database url: pass one or set DATABASE_URL")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return migrate(ctx, databaseURL, reset)
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Drop every table before migrating")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Overall deadline")
	return cmd
}

func migrate(ctx context.Context, databaseURL string, reset bool) error {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	runner := migration.NewRunner()
	if reset {
		log.Println("Dropping all tables")
		if err := runner.Reset(ctx, db); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
	}
	if err := runner.Run(ctx, db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Printf("Schema at version %s", runner.Version())
	return nil
}
