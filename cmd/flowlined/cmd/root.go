package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string

	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "flowlined",
	Short: "Distributed workflow orchestration engine",
	Long: `flowlined drives durable workflow instances across an engine pool.

Each engine acquires a distributed lock per instance, persists node-level
progress after every step, and heartbeats while driving. When an engine
dies mid-workflow, any surviving engine reclaims its instances and resumes
them from the last completed node.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion injects build metadata from the linker.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./config.yaml)")
}
