package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/fleetlake/fleetlake/database"
)

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back database migrations",
	Long: `Roll back the database migrations. This drops the mirror tables and
the sync state, so it is only safe on databases whose contents can be
re-synced from the provider.`,
	RunE: runMigrateDown,
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	connString, proceed, err := migrateConfig(cmd)
	if err != nil || !proceed {
		return err
	}

	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(ctx); closeErr != nil {
			slog.Error("Error closing database connection", "error", closeErr)
		}
	}()

	slog.Info("Rolling back database migrations...")
	if err := database.MigrateDown(ctx, conn); err != nil {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}

	slog.Info("Migrations rolled back successfully")
	return nil
}
