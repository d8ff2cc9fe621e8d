package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	cfgFile        string
	endpoint       string
	participant    string
	agents         []string
	transcriptPath string
	metricsAddr    string
	jsonOut        bool
)

var rootCmd = &cobra.Command{
	Use:   "sessionhub",
	Short: "sessionhub - multi-channel client for remote agents",
	Long: `sessionhub keeps one connection per channel to a remote agent backend
and merges live and historical messages into per-channel history.

  sessionhub watch     Stream messages, envelopes and connection changes
  sessionhub chat      Send messages on a channel from the terminal
  sessionhub states    Connect every channel and print its status`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sessionhub.toml if present)")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "backend websocket endpoint (overrides config)")
	rootCmd.PersistentFlags().StringVar(&participant, "participant", "", "participant id (overrides config)")
	rootCmd.PersistentFlags().StringSliceVarP(&agents, "agent", "a", nil, "agent to bind to a new channel (repeatable)")
	rootCmd.PersistentFlags().StringVar(&transcriptPath, "transcript", "", "record chat messages to this JSON-lines file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(statesCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute(ver string) error {
	version = ver
	return rootCmd.Execute()
}

var version string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sessionhub %s\n", version)
	},
}
