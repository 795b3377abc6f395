package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hugh/tenantgate/internal/database"
	"github.com/hugh/tenantgate/internal/tasks"
	"github.com/hugh/tenantgate/pkg/config"
	"github.com/hugh/tenantgate/pkg/queue"
	"github.com/hugh/tenantgate/pkg/util"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// deps are opened lazily so commands that need only the queue do not dial
// the database and the other way round.
type deps struct {
	logger    *slog.Logger
	retention time.Duration
	db        func() (*gorm.DB, error)
	inspector func() (tasks.TaskInspector, error)
}

func newRootCmd(d *deps) *cobra.Command {
	root := &cobra.Command{
		Use:           "orgctl",
		Short:         "tenantgate operator tool",
		Long:          `Administer organization lifecycles, the plan catalog and held billing events`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newMigrateCmd(d))
	root.AddCommand(newOrgCmd(d))
	root.AddCommand(newPlanCmd(d))
	root.AddCommand(newEventsCmd(d))
	root.AddCommand(newLedgerCmd(d))
	return root
}

func newMigrateCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := d.db()
			if err != nil {
				return err
			}
			if err := database.AutoMigrate(db); err != nil {
				return fmt.Errorf("migrating: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := util.NewLogger(cfg.Server.Env)

	var db *gorm.DB
	d := &deps{
		logger:    logger,
		retention: cfg.Ledger.Retention(),
		db: func() (*gorm.DB, error) {
			if db != nil {
				return db, nil
			}
			conn, err := database.Connect(&cfg.Database, logger)
			if err != nil {
				return nil, err
			}
			db = conn
			return db, nil
		},
		inspector: func() (tasks.TaskInspector, error) {
			return queue.NewInspector(&cfg.Redis), nil
		},
	}

	if err := newRootCmd(d).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
