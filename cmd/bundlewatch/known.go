package main

import (
	"github.com/spf13/cobra"

	"github.com/hazyhaar/bundlewatch/known"
)

var (
	knownRuns  bool
	knownLimit int
)

var knownCmd = &cobra.Command{
	Use:   "known [target]",
	Short: "List the builds recorded so far",
	Long: `Lists the builds in the known-builds database, oldest first. With a target
name, only that target's builds are listed. --runs lists scan outcomes
instead, newest first, failures included.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKnown,
}

func init() {
	knownCmd.Flags().BoolVar(&knownRuns, "runs", false, "List scan runs instead of builds")
	knownCmd.Flags().IntVar(&knownLimit, "limit", 50, "Maximum runs listed with --runs")
}

func runKnown(cmd *cobra.Command, args []string) error {
	store, err := known.Open(storePath(), known.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()

	target := ""
	if len(args) == 1 {
		target = args[0]
	}
	if knownRuns {
		runs, err := store.Runs(cmd.Context(), target, knownLimit)
		if err != nil {
			return err
		}
		if runs == nil {
			runs = []known.Run{}
		}
		return writeJSON(cmd.OutOrStdout(), runs)
	}

	builds, err := store.List(cmd.Context(), target)
	if err != nil {
		return err
	}
	if builds == nil {
		builds = []known.Build{}
	}
	return writeJSON(cmd.OutOrStdout(), builds)
}
