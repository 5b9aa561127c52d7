package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/bundlewatch/bundle"
	"github.com/hazyhaar/bundlewatch/known"
)

var scanRecord bool

var scanCmd = &cobra.Command{
	Use:   "scan <target>",
	Short: "Fingerprint one target and print the record",
	Long: `Fetches the target's entry page, walks its scripts (and build manifest
routes when the target has one) and prints the fingerprint record as JSON.

Exits non-zero when a fetch fails or a required field is not found.

Example:
  bundlewatch scan splatnet3
  bundlewatch scan lhub --record`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanRecord, "record", false, "Also record the build in the known-builds database")
}

func runScan(cmd *cobra.Command, args []string) error {
	targets, err := loadTargets()
	if err != nil {
		return err
	}
	t, err := bundle.Lookup(targets, args[0])
	if err != nil {
		return err
	}

	start := time.Now()
	rec, err := newScanner().Scan(cmd.Context(), t)
	if err != nil {
		return err
	}

	if scanRecord {
		store, err := known.Open(storePath(), known.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer store.Close()
		obs, err := store.Observe(cmd.Context(), rec)
		if err != nil {
			return err
		}
		run := known.Run{
			RunID:     rec.RunID,
			Target:    t.Name,
			StartedAt: start,
			Elapsed:   time.Since(start),
			Token:     obs.Token,
			NewBuild:  obs.New,
		}
		if err := store.RecordRun(cmd.Context(), run); err != nil {
			return err
		}
		logger.Info("scan: recorded", "target", t.Name, "token", obs.Token, "new", obs.New)
	}
	return writeJSON(cmd.OutOrStdout(), rec)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
