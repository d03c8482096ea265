package main

import (
	"github.com/spf13/cobra"

	"herald/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "herald",
		Short:         "Run broadcast and auto-reply workers for a set of Telegram bots",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config (json or yaml)")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newStopLegacyCmd(),
		newLedgerCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.NewConfigManager(o.configPath).Parse()
}
