package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/zapbridge/internal/campaign"
	"github.com/nextlevelbuilder/zapbridge/internal/config"
	"github.com/nextlevelbuilder/zapbridge/internal/identity"
	"github.com/nextlevelbuilder/zapbridge/internal/templates"
	"github.com/nextlevelbuilder/zapbridge/internal/textutil"
)

func campaignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Manage scheduled template campaigns",
	}
	cmd.AddCommand(campaignAddCmd())
	cmd.AddCommand(campaignListCmd())
	cmd.AddCommand(campaignRemoveCmd())
	cmd.AddCommand(campaignRunsCmd())
	return cmd
}

func openCampaignStore() (*config.Config, *campaign.Store) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %s\n", err)
		os.Exit(1)
	}
	store, err := campaign.OpenStore(cfg.DataPath("campaigns.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open campaign store: %s\n", err)
		os.Exit(1)
	}
	return cfg, store
}

func campaignAddCmd() *cobra.Command {
	var (
		name     string
		template string
		params   []string
		to       []string
		schedule string
		disabled bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled campaign",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, store := openCampaignStore()
			defer store.Close()

			if !gronx.New().IsValid(schedule) {
				fmt.Fprintf(os.Stderr, "invalid cron schedule %q\n", schedule)
				os.Exit(1)
			}
			for _, r := range to {
				if !identity.IsValid(identity.Normalize(r)) {
					fmt.Fprintf(os.Stderr, "invalid recipient %q\n", r)
					os.Exit(1)
				}
			}

			// Fail early on a template the catalog cannot render.
			registry, err := templates.Open(cfg.DataPath("templates.json"))
			if err != nil {
				fmt.Fprintf(os.Stderr, "load template catalog: %s\n", err)
				os.Exit(1)
			}
			if _, err := registry.Render(template, params); err != nil {
				fmt.Fprintf(os.Stderr, "%s\n", err)
				os.Exit(1)
			}

			c, err := store.Add(context.Background(), campaign.Campaign{
				Name:       name,
				Template:   template,
				Params:     params,
				Recipients: to,
				Schedule:   schedule,
				Enabled:    !disabled,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "add campaign: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Campaign %s added (%d recipients, schedule %q)\n",
				c.ID, len(c.Recipients), c.Schedule)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "campaign name")
	cmd.Flags().StringVar(&template, "template", "", "template name from the catalog")
	cmd.Flags().StringArrayVar(&params, "param", nil, "template parameter (repeatable, positional)")
	cmd.Flags().StringArrayVar(&to, "to", nil, "recipient number (repeatable)")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule, e.g. \"0 9 * * MON\"")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the campaign paused")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("template")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("schedule")
	return cmd
}

func campaignListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		Run: func(cmd *cobra.Command, args []string) {
			_, store := openCampaignStore()
			defer store.Close()

			campaigns, err := store.List(context.Background())
			if err != nil {
				fmt.Fprintf(os.Stderr, "list campaigns: %s\n", err)
				os.Exit(1)
			}
			if len(campaigns) == 0 {
				fmt.Println("No campaigns.")
				return
			}
			fmt.Printf("%s %s %s %s %s\n",
				textutil.Pad("ID", 38), textutil.Pad("NAME", 20),
				textutil.Pad("TEMPLATE", 16), textutil.Pad("SCHEDULE", 14), "STATE")
			for _, c := range campaigns {
				state := "enabled"
				if !c.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s %s %s %s %s\n",
					textutil.Pad(c.ID, 38),
					textutil.Pad(textutil.Truncate(c.Name, 20), 20),
					textutil.Pad(textutil.Truncate(c.Template, 16), 16),
					textutil.Pad(c.Schedule, 14), state)
			}
		},
	}
}

func campaignRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a campaign",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			_, store := openCampaignStore()
			defer store.Close()

			if err := store.Remove(context.Background(), args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "remove campaign: %s\n", err)
				os.Exit(1)
			}
			fmt.Println("Campaign removed.")
		},
	}
}

func campaignRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <id>",
		Short: "Show a campaign's run history",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			_, store := openCampaignStore()
			defer store.Close()

			runs, err := store.Runs(context.Background(), args[0], limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "list runs: %s\n", err)
				os.Exit(1)
			}
			if len(runs) == 0 {
				fmt.Println("No runs yet.")
				return
			}
			fmt.Printf("%s %s %s %s\n",
				textutil.Pad("FIRED", 22), textutil.Pad("DELIVERED", 10),
				textutil.Pad("FAILED", 7), "FINISHED")
			for _, r := range runs {
				finished := "running"
				if r.FinishedAt != nil {
					finished = r.FinishedAt.Local().Format(time.RFC822)
				}
				fmt.Printf("%s %s %s %s\n",
					textutil.Pad(r.FiredAt.Local().Format(time.RFC822), 22),
					textutil.Pad(fmt.Sprintf("%d", r.Delivered), 10),
					textutil.Pad(fmt.Sprintf("%d", r.Failed), 7), finished)
			}
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to show")
	return cmd
}
