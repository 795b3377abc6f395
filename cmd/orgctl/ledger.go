package main

import (
	"fmt"
	"time"

	"github.com/hugh/tenantgate/internal/billing"
	"github.com/hugh/tenantgate/internal/entitlement"
	"github.com/spf13/cobra"
)

func newLedgerCmd(d *deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Processed event ledger commands",
	}

	var days int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete ledger entries older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := d.db()
			if err != nil {
				return err
			}
			retention := d.retention
			if days > 0 {
				retention = time.Duration(days) * 24 * time.Hour
			}
			if retention <= 0 {
				return fmt.Errorf("retention must be positive")
			}

			r := billing.NewReconciler(db, entitlement.NewStore(db, d.logger), nil, nil, d.logger)
			cutoff := time.Now().Add(-retention)
			n, err := r.PruneLedger(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d entries processed before %s\n", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}
	prune.Flags().IntVar(&days, "days", 0, "override the configured retention in days")
	cmd.AddCommand(prune)
	return cmd
}
