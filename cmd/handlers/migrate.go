package handlers

import (
	"fmt"

	"github.com/spf13/cobra"

	"trendlens/internal/config"
	"trendlens/internal/persistence"
)

// NewMigrateCmd creates the migrate command group.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(newMigrateUpCmd())
	cmd.AddCommand(newMigrateStatusCmd())

	return cmd
}

// migrateDB opens the database without the full service graph so
// migrations can run before anything else is configured.
func migrateDB() (*persistence.PostgresDB, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	db, err := persistence.NewPostgresDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return db, nil
}

func newMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := migrateDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := persistence.NewMigrationManager(db).Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Migrations applied")
			return nil
		},
	}
}

func newMigrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := migrateDB()
			if err != nil {
				return err
			}
			defer db.Close()

			statuses, err := persistence.NewMigrationManager(db).Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, st := range statuses {
				mark := " "
				if st.Applied {
					mark = "x"
				}
				fmt.Printf("[%s] %03d %s\n", mark, st.Version, st.Description)
			}
			return nil
		},
	}
}
