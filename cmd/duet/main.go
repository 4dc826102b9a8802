// duet moderates turn-taking between two AI agents and a human.
// `duet serve` runs the trigger consumers, MCP tools and dashboard; the other
// commands work directly on the session store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set by -ldflags at build time.
var Version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "duet",
	Short: "Moderate debates and planning sessions between two AI agents",
	Long: `duet alternates turns between Agent A and Agent B, stops at human
checkpoints, and lets a human steer or interrupt at any time.

Debate sessions pass the floor until an agent hands over. Planning sessions
walk analyze -> propose -> review -> validate -> finalize and wait for a human
at validation and completion.`,
	Version:       Version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $DUET_CONFIG or ~/.config/duet/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(sayCmd)
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "duet "+Version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
