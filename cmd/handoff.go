package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/zapbridge/internal/config"
	"github.com/nextlevelbuilder/zapbridge/internal/handoff"
	"github.com/nextlevelbuilder/zapbridge/internal/identity"
	"github.com/nextlevelbuilder/zapbridge/internal/textutil"
)

func handoffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Pause and resume the agent for individual numbers",
	}
	cmd.AddCommand(handoffActivateCmd())
	cmd.AddCommand(handoffDeactivateCmd())
	cmd.AddCommand(handoffListCmd())
	return cmd
}

func openHandoffStore() *handoff.Store {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %s\n", err)
		os.Exit(1)
	}
	store, err := handoff.Open(cfg.DataPath("handoff.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open handoff store: %s\n", err)
		os.Exit(1)
	}
	return store
}

func handoffActivateCmd() *cobra.Command {
	var by string
	var minutes int
	cmd := &cobra.Command{
		Use:   "activate <number>",
		Short: "Pause the agent for a number",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := openHandoffStore()
			entry, err := store.Activate(args[0], by, time.Duration(minutes)*time.Minute)
			if err != nil {
				fmt.Fprintf(os.Stderr, "activate: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Handoff active for %s until %s\n",
				identity.Mask(entry.Number), entry.ExpiresAt.Local().Format(time.RFC822))
		},
	}
	cmd.Flags().StringVar(&by, "by", "cli", "who is taking the conversation over")
	cmd.Flags().IntVar(&minutes, "duration", 30, "handoff window in minutes")
	return cmd
}

func handoffDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <number>",
		Short: "Resume the agent for a number",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := openHandoffStore()
			removed, err := store.Deactivate(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "deactivate: %s\n", err)
				os.Exit(1)
			}
			if removed {
				fmt.Println("Handoff released, agent resumed.")
			} else {
				fmt.Println("No active handoff for that number.")
			}
		},
	}
}

func handoffListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active handoffs",
		Run: func(cmd *cobra.Command, args []string) {
			store := openHandoffStore()
			entries := store.List()
			if len(entries) == 0 {
				fmt.Println("No active handoffs.")
				return
			}
			fmt.Printf("%s %s %s\n",
				textutil.Pad("NUMBER", 18), textutil.Pad("BY", 16), "EXPIRES")
			for _, e := range entries {
				fmt.Printf("%s %s %s\n",
					textutil.Pad(identity.Mask(e.Number), 18),
					textutil.Pad(textutil.Truncate(e.ActivatedBy, 16), 16),
					e.ExpiresAt.Local().Format(time.RFC822))
			}
		},
	}
}
