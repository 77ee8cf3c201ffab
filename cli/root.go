// Package cli provides the command-line interface for the NowBridge
// integration platform. It wires configuration, the durable queue, the
// worker pool, the scheduler, the sync engine and the HTTP API into a
// single process, and handles graceful shutdown.
//
// Configuration is loaded from config files, .env files and NOWBRIDGE_
// prefixed environment variables; see the config package for the
// precedence rules.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"nowbridge.evalgo.org/version"
)

// cfgFile holds the path given via --config. Empty means the standard
// search locations are used.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "nowbridge",
	Short: "ServiceNow integration platform",
	Long: `NowBridge keeps ServiceNow tables synchronized into a local document
store, runs background jobs against them, and exposes the result over a
REST and server-sent-events API.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Printf("nowbridge %s (%s, %s)\n", version.GetVersion(), info.MainModule, info.GoVersion)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ./configs, ~/.nowbridge, /etc/nowbridge)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
