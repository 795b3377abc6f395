package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/internal/lifecycle"
	"github.com/spf13/cobra"
)

func newOrgCmd(d *deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Organization lifecycle commands",
	}
	cmd.AddCommand(newOrgListCmd(d), newOrgShowCmd(d), newOrgHistoryCmd(d), newOrgTransitionCmd(d))
	return cmd
}

func tracker(d *deps) (*lifecycle.Tracker, error) {
	db, err := d.db()
	if err != nil {
		return nil, err
	}
	return lifecycle.NewTracker(db, d.logger), nil
}

func newOrgListCmd(d *deps) *cobra.Command {
	var status string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List organizations, newest first",
		Example: `  # Applications waiting for review
  orgctl org list --status pending`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tracker(d)
			if err != nil {
				return err
			}
			filter := lifecycle.ListFilter{Offset: offset, Limit: limit}
			if status != "" {
				filter.Status = models.OrgStatus(strings.ToUpper(status))
				if !filter.Status.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
			}

			orgs, total, err := t.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tOWNER\tCREATED")
			for _, o := range orgs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", o.ID, o.Name, o.Status, o.OwnerUserID, o.CreatedAt.Format("2006-01-02"))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d\n", len(orgs), total)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only organizations in this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func newOrgShowCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "show <org-id>",
		Short: "Show one organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid organization id: %w", err)
			}
			t, err := tracker(d)
			if err != nil {
				return err
			}
			org, err := t.Get(cmd.Context(), orgID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:       %s\n", org.ID)
			fmt.Fprintf(out, "Name:     %s\n", org.Name)
			fmt.Fprintf(out, "Owner:    %s\n", org.OwnerUserID)
			fmt.Fprintf(out, "Status:   %s\n", org.Status)
			if org.RejectionReason != "" {
				fmt.Fprintf(out, "Rejected: %s\n", org.RejectionReason)
			}
			if org.BanReason != "" {
				fmt.Fprintf(out, "Banned:   %s\n", org.BanReason)
			}
			fmt.Fprintf(out, "Version:  %d\n", org.Version)

			var next []string
			for _, tr := range lifecycle.Allowed(org.Status) {
				next = append(next, string(tr))
			}
			fmt.Fprintf(out, "Next:     %s\n", strings.Join(next, ", "))
			return nil
		},
	}
}

func newOrgHistoryCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "history <org-id>",
		Short: "Show the lifecycle audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid organization id: %w", err)
			}
			t, err := tracker(d)
			if err != nil {
				return err
			}
			events, err := t.History(cmd.Context(), orgID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tTRANSITION\tFROM\tTO\tACTOR\tREASON")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Transition, ev.FromStatus, ev.ToStatus, ev.Actor, ev.Reason)
			}
			return w.Flush()
		},
	}
}

func newOrgTransitionCmd(d *deps) *cobra.Command {
	var reason, actor string

	cmd := &cobra.Command{
		Use:   "transition <org-id> <transition>",
		Short: "Apply a lifecycle transition",
		Long: `Apply one of: start, submit, approve, reject, reopen, suspend, archive, reinstate.
Reject and suspend require --reason.`,
		Example: `  orgctl org transition 6f1c... approve
  orgctl org transition 6f1c... suspend --reason "chargeback review"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid organization id: %w", err)
			}
			tr, err := lifecycle.ParseTransition(args[1])
			if err != nil {
				return err
			}
			t, err := tracker(d)
			if err != nil {
				return err
			}

			org, err := t.Apply(cmd.Context(), orgID, tr, reason, actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", org.ID, org.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to the organization")
	cmd.Flags().StringVar(&actor, "actor", "orgctl", "recorded in the audit trail")
	return cmd
}
