package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/sidlabs/sid/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile      string
	verbose      bool
	campaignsDir string
	gatewayURL   string
	agentURLs    = map[string]*string{}
	once         bool
	campaignID   string
	interval     string
	apiPort      int
)

var rootCmd = &cobra.Command{
	Use:   "sid",
	Short: "sid — autonomous agent campaign runner",
	Long: "sid evaluates declarative campaign definitions, dispatches work to agents or\n" +
		"directly to the tool gateway, and files the results as issues, pull requests,\n" +
		"and Discussions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $SID_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.Flags().StringVar(&campaignsDir, "campaigns-dir", "", "path to campaign definitions (default /etc/campaigns)")
	rootCmd.Flags().StringVar(&gatewayURL, "gateway-url", "", "tool gateway base URL")
	for _, agent := range agentNames() {
		agentURLs[agent] = rootCmd.Flags().String("agent-url-"+agent, "", agent+" sidecar URL (empty: not configured)")
	}
	rootCmd.Flags().BoolVar(&once, "once", false, "run all due campaigns once and exit")
	rootCmd.Flags().StringVar(&campaignID, "campaign", "", "run a single campaign by ID and exit")
	rootCmd.Flags().StringVar(&interval, "interval", "", "scheduler check interval (default 60s)")
	rootCmd.Flags().IntVar(&apiPort, "api-port", -1, "HTTP API port (0 disables the API server)")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(campaignsCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sid %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return os.Getenv("SID_CONFIG")
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
