package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/hugh/tenantgate/internal/tasks"
	"github.com/spf13/cobra"
)

func newEventsCmd(d *deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect billing events held after exhausting retries",
	}
	cmd.AddCommand(newEventsHeldCmd(d), newEventsReplayCmd(d), newEventsDiscardCmd(d))
	return cmd
}

func heldEvents(d *deps) (*tasks.HeldEvents, error) {
	insp, err := d.inspector()
	if err != nil {
		return nil, err
	}
	return tasks.NewHeldEvents(insp), nil
}

func newEventsHeldCmd(d *deps) *cobra.Command {
	var page, pageSize int

	cmd := &cobra.Command{
		Use:   "held",
		Short: "List held billing events",
		RunE: func(cmd *cobra.Command, args []string) error {
			held, err := heldEvents(d)
			if err != nil {
				return err
			}
			events, err := held.List(page, pageSize)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no held events")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tOBJECT\tRETRIED\tFAILED\tERROR")
			for _, ev := range events {
				failed := "-"
				if !ev.LastFailedAt.IsZero() {
					failed = ev.LastFailedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", ev.ID, ev.Type, ev.ObjectRef, ev.Retried, failed, ev.LastError)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 50, "events per page")
	return cmd
}

func newEventsReplayCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <event-id>...",
		Short: "Move held events back to the billing queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			held, err := heldEvents(d)
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := held.Replay(id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %s\n", id)
			}
			return nil
		},
	}
}

func newEventsDiscardCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <event-id>...",
		Short: "Delete held events without applying them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			held, err := heldEvents(d)
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := held.Discard(id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", id)
			}
			return nil
		},
	}
}
