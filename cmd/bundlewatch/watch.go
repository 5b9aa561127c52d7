package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/bundlewatch/bundle"
	"github.com/hazyhaar/bundlewatch/known"
	"github.com/hazyhaar/bundlewatch/notify"
	"github.com/hazyhaar/bundlewatch/watch"
)

var (
	watchInterval    time.Duration
	watchConcurrency int
	watchOnce        bool
	watchTargets     []string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Scan targets periodically and announce new builds",
	Long: `Scans every selected target, records each build in the known-builds
database and notifies Discord and Mastodon (when configured) about builds not
seen before. Scan failures are logged and retried on the next round.

Example:
  bundlewatch watch --interval 10m
  bundlewatch watch --once --target splatnet3 --target nooklink`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Minute, "Time between rounds")
	watchCmd.Flags().IntVar(&watchConcurrency, "concurrency", 1, "Targets scanned at once")
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "Run a single round and exit")
	watchCmd.Flags().StringSliceVar(&watchTargets, "target", nil, "Target to watch (repeatable; default: all)")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	all, err := loadTargets()
	if err != nil {
		return err
	}
	selected, err := selectTargets(all, watchTargets)
	if err != nil {
		return err
	}

	store, err := known.Open(storePath(), known.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()

	notifiers := notify.FromEnv(os.Getenv, notify.Config{Logger: logger})
	if len(notifiers) == 0 {
		logger.Warn("watch: no notifier configured, new builds are only recorded")
	}

	runner := watch.New(newScanner(), store, selected, watch.Options{
		Interval:    watchInterval,
		Concurrency: watchConcurrency,
		Notifier:    notifiers,
		Logger:      logger,
	})
	if watchOnce {
		return runner.Once(cmd.Context())
	}
	runner.Run(cmd.Context())
	s := runner.Stats()
	logger.Info("watch: summary", "rounds", s.Rounds, "scans", s.Scans, "new_builds", s.NewBuilds, "errors", s.Errors)
	return nil
}

// selectTargets resolves names in order, or every target by name when
// names is empty.
func selectTargets(all map[string]bundle.Target, names []string) ([]bundle.Target, error) {
	if len(names) == 0 {
		names = bundle.Names(all)
	}
	out := make([]bundle.Target, 0, len(names))
	for _, n := range names {
		t, err := bundle.Lookup(all, n)
		if err != nil {
			return nil, fmt.Errorf("watch: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}
