package main

import (
	"github.com/spf13/cobra"

	"github.com/hazyhaar/bundlewatch/bundle"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List the configured targets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		targets, err := loadTargets()
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), bundle.Summaries(targets))
	},
}
