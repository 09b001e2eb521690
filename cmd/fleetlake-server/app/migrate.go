package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fleetlake/fleetlake/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration tool",
	Long:  `Database migration tool for managing schema versions. Use with 'up' or 'down' subcommands.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

func init() {
	migrateCmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	migrateCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := migrateCmd.MarkPersistentFlagRequired("config"); err != nil {
		panic(err)
	}

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

// migrateConfig loads the config named by the command's --config flag and
// confirms the target database with the user unless --yes was passed.
func migrateConfig(cmd *cobra.Command) (connString string, proceed bool, err error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", false, err
	}
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return "", false, err
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return "", false, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database == nil {
		return "", false, fmt.Errorf("database configuration is required")
	}

	connString, err = cfg.Database.GetConnectionString()
	if err != nil {
		return "", false, fmt.Errorf("failed to get connection string: %w", err)
	}

	if !yes {
		slog.Info("About to run migrations",
			"user", cfg.Database.User,
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Database)
		fmt.Print("Continue? (yes/no): ")
		var response string
		if _, err := fmt.Scanln(&response); err != nil {
			return "", false, fmt.Errorf("failed to read user input: %w", err)
		}
		if response != "yes" && response != "y" {
			slog.Info("Migration cancelled by user")
			return "", false, nil
		}
	}

	return connString, true, nil
}
