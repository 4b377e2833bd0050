package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/zapbridge/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/zapbridge/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "zapbridge",
	Short: "zapbridge — WhatsApp to team-inbox bridge",
	Long: `zapbridge connects a WhatsApp Cloud API number to a conversational agent
and mirrors every exchange into a Chatwoot team inbox. It verifies webhook
signatures, deduplicates redelivered events, keeps outbound sends idempotent
across restarts, and lets a human take over any conversation.

Running zapbridge with no subcommand starts the bridge server.`,
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.zapbridge/config.json or $ZAPBRIDGE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("zapbridge %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("ZAPBRIDGE_CONFIG"); v != "" {
		return v
	}
	return config.ExpandHome(config.DefaultConfigPath)
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
