// Command bundlewatch fingerprints web app deployments from their public
// HTML and JavaScript bundles.
//
//	bundlewatch scan splatnet3      # one record on stdout
//	bundlewatch watch --interval 5m # scan, dedupe, notify
//	bundlewatch serve --addr :8080  # HTTP API
//	bundlewatch mcp                 # MCP over stdio
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/bundlewatch/bundle"
)

// version is set at link time.
var version = "dev"

var (
	// Global flags
	targetsPath string
	logLevel    string
	logFormat   string
	dbPath      string
	httpTimeout time.Duration
	evalTimeout time.Duration

	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "bundlewatch",
	Short: "Detect new web app deployments from their public bundles",
	Long: `bundlewatch fetches a web app's entry page and scripts, and extracts the
version, revision, runtime environment, build manifest and persisted GraphQL
query ids the bundles carry.

Records are written to stdout as JSON. Logs go to stderr.

Collaborator settings are read from the environment, or from .env:
  BUNDLEWATCH_DB            known-builds database (default bundlewatch.db)
  DISCORD_WEBHOOK_ID        Discord webhook, with DISCORD_WEBHOOK_TOKEN
  DISCORD_WEBHOOK_MENTION   prepended to Discord messages
  DISCORD_GUILD_ID          links Mastodon posts to the Discord message
  MASTODON_HOST             Mastodon instance, with MASTODON_TOKEN`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		l, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(l)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&targetsPath, "targets", "t", "", "YAML file of extra or overriding targets")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "text or json")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "known-builds database (or set BUNDLEWATCH_DB)")
	rootCmd.PersistentFlags().DurationVar(&httpTimeout, "http-timeout", 30*time.Second, "Timeout for each HTTP request")
	rootCmd.PersistentFlags().DurationVar(&evalTimeout, "eval-timeout", time.Second, "Timeout for each fragment evaluation")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(knownCmd)
}

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorLine(err))
		os.Exit(1)
	}
}

// errorLine renders a fatal error for the terminal. A missing field is
// named on its own so scripts can grep for it.
func errorLine(err error) string {
	var missing *bundle.MissingDataError
	if errors.As(err, &missing) {
		return fmt.Sprintf("bundlewatch: %s: missing %s", missing.Target, missing.Field)
	}
	return "bundlewatch: " + err.Error()
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// loadTargets returns the presets, extended by --targets when given.
func loadTargets() (map[string]bundle.Target, error) {
	if targetsPath == "" {
		return bundle.Presets(), nil
	}
	return bundle.LoadTargets(targetsPath)
}

func newScanner() *bundle.Scanner {
	return bundle.NewScanner(bundle.Config{
		Timeout:     httpTimeout,
		EvalTimeout: evalTimeout,
		Logger:      logger,
	})
}

func storePath() string {
	if dbPath != "" {
		return dbPath
	}
	if p := os.Getenv("BUNDLEWATCH_DB"); p != "" {
		return p
	}
	return "bundlewatch.db"
}
