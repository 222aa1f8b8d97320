package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "agentcore",
	Short: "agentcore - agent coordination core",
	Long:  `agentcore runs the agent coordination core: the registry, instance manager, task dispatcher, messaging router, workflow orchestrator, and health supervisor for a fleet of in-process agents.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentcore version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("agentcore", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "Path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
