package main

import (
	"fmt"

	"github.com/hugh/tenantgate/internal/catalog"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/spf13/cobra"
)

func newPlanCmd(d *deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan catalog commands",
	}
	cmd.AddCommand(newPlanSetCmd(d))
	return cmd
}

func newPlanSetCmd(d *deps) *cobra.Command {
	var (
		name   string
		prices []string
		limits models.PlanLimits
	)

	cmd := &cobra.Command{
		Use:   "set <slug>",
		Short: "Create or update a plan and map provider prices to it",
		Long: `Create or update a catalog plan. Existing entitlement snapshots keep the
limits copied at their last sync; the new limits apply from the next
subscription event.`,
		Example: `  orgctl plan set starter --name Starter --max-listings 10 --max-members 2 \
    --price price_starter_monthly --price price_starter_yearly`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := d.db()
			if err != nil {
				return err
			}
			if name == "" {
				name = args[0]
			}

			c := catalog.New(db, nil, 0, d.logger)
			plan := catalog.Plan{Slug: args[0], Name: name, Limits: limits}
			if err := c.SavePlan(cmd.Context(), plan, prices...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan %s saved (%d price refs)\n", plan.Slug, len(prices))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&name, "name", "", "display name (defaults to the slug)")
	f.StringArrayVar(&prices, "price", nil, "provider price reference, repeatable")
	f.IntVar(&limits.MaxListings, "max-listings", 0, "listing limit")
	f.IntVar(&limits.MaxFeaturedListings, "max-featured", 0, "featured listing limit")
	f.IntVar(&limits.MaxMembers, "max-members", 0, "member limit")
	f.IntVar(&limits.MaxImagesPerListing, "max-images", 0, "images per listing")
	f.IntVar(&limits.MaxVideosPerListing, "max-videos", 0, "videos per listing")
	f.BoolVar(&limits.HasAnalytics, "analytics", false, "enable analytics")
	f.Int64Var(&limits.ListingOverageCents, "listing-overage", 0, "per listing overage in cents")
	f.Int64Var(&limits.FeaturedListingOverageCents, "featured-overage", 0, "per featured listing overage in cents")
	f.Int64Var(&limits.MemberOverageCents, "member-overage", 0, "per member overage in cents")
	f.Int64Var(&limits.ImageOverageCents, "image-overage", 0, "per image overage in cents")
	f.Int64Var(&limits.VideoOverageCents, "video-overage", 0, "per video overage in cents")
	return cmd
}
