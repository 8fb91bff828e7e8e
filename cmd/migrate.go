package cmd

import (
	"context"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/disbursement-core/pkg/logger"
)

var (
	migrateCmd = &cobra.Command{
		RunE:  runMigration,
		Use:   "migrate",
		Short: "Apply the goose migrations under db/migrations",
		Long: `Apply the goose migrations under db/migrations. --rollback reverts the
latest version and --status prints what is applied.`,
	}
	migrateRollback bool
	migrateStatus   bool
	migrateDir      string
)

func init() {
	migrateCmd.Flags().BoolVarP(&migrateRollback, "rollback", "r", false, "roll back the latest migration")
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "print migration status and exit")
	migrateCmd.PersistentFlags().StringVarP(&migrateDir, "dir", "d", "db/migrations", "sql migrations directory")
}

func migrationCommand() string {
	switch {
	case migrateStatus:
		return "status"
	case migrateRollback:
		return "down"
	}
	return "up"
}

func runMigration(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := logger.Configure(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	db, err := goose.OpenDBWithDriver("pgx", cfg.Database.Source)
	if err != nil {
		return fmt.Errorf("goose: failed to open db: %w", err)
	}
	defer db.Close()
	goose.SetTableName("schema_migrations")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	command := migrationCommand()
	log.Info("running migrations", "command", command, "dir", migrateDir)
	if err := goose.RunContext(ctx, command, db, migrateDir); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	log.Info("migrations finished", "command", command)
	return nil
}
