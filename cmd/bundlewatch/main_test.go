package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/bundlewatch/bundle"
	"github.com/hazyhaar/bundlewatch/known"
)

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	targetsPath, dbPath, knownRuns = "", "", false
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(&buf, "warn", "json")
	if err != nil {
		t.Fatal(err)
	}
	l.Info("hidden")
	l.Warn("shown", "k", 1)
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("log output: %q", out)
	}

	if _, err := newLogger(&buf, "loud", "text"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := newLogger(&buf, "info", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestErrorLine(t *testing.T) {
	err := fmt.Errorf("scan: %w", &bundle.MissingDataError{Target: "lhub", Field: bundle.FieldBuildManifest})
	if got := errorLine(err); got != "bundlewatch: lhub: missing build_manifest" {
		t.Fatalf("missing data: got %q", got)
	}
	if got := errorLine(errors.New("boom")); got != "bundlewatch: boom" {
		t.Fatalf("other: got %q", got)
	}
}

func TestTargetsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	doc := "targets:\n  - name: extra\n    url: https://extra.example/\n    version: true\n    require: [version]\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := execute(t, "--targets", path, "targets")
	if err != nil {
		t.Fatal(err)
	}
	var got []bundle.TargetSummary
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, out)
	}
	names := make([]string, len(got))
	for i, s := range got {
		names[i] = s.Name
	}
	want := "extra,lhub,nooklink,splatnet3,tournament-manager"
	if strings.Join(names, ",") != want {
		t.Fatalf("names: got %v", names)
	}
}

func TestScanCommand_UnknownTarget(t *testing.T) {
	_, _, err := execute(t, "scan", "nope")
	if !errors.Is(err, bundle.ErrUnknownTarget) {
		t.Fatalf("got %v", err)
	}
}

func TestKnownCommand(t *testing.T) {
	// WHAT: `known` lists what `watch` recorded, filtered by target.
	// WHY: It is the only way to inspect the store without sqlite3.
	db := filepath.Join(t.TempDir(), "known.db")
	store, err := known.Open(db, known.Options{Now: func() time.Time { return time.Unix(1_700_000_000, 0) }})
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range []*bundle.Record{
		{Target: "splatnet3", Version: "6.0.0", Revision: rev40},
		{Target: "lhub", BuildID: "abc123"},
	} {
		if _, err := store.Observe(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}
	store.Close()

	out, _, err := execute(t, "--db", db, "known", "splatnet3")
	if err != nil {
		t.Fatal(err)
	}
	var builds []known.Build
	if err := json.Unmarshal([]byte(out), &builds); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, out)
	}
	if len(builds) != 1 || builds[0].Token != "6.0.0-"+rev40+"-web" {
		t.Fatalf("builds: %+v", builds)
	}

	out, _, err = execute(t, "--db", db, "known")
	if err != nil {
		t.Fatal(err)
	}
	builds = nil
	if err := json.Unmarshal([]byte(out), &builds); err != nil || len(builds) != 2 {
		t.Fatalf("all builds: %v %+v", err, builds)
	}

	out, _, err = execute(t, "--db", db, "known", "--runs")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("runs: %s", out)
	}
}

func TestSelectTargets(t *testing.T) {
	all := bundle.Presets()
	got, err := selectTargets(all, []string{"nooklink", "splatnet3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "nooklink" || got[1].Name != "splatnet3" {
		t.Fatalf("order not kept: %v", got)
	}
	if got, _ := selectTargets(all, nil); len(got) != len(all) {
		t.Fatalf("default selection: %d targets", len(got))
	}
	if _, err := selectTargets(all, []string{"nope"}); !errors.Is(err, bundle.ErrUnknownTarget) {
		t.Fatalf("unknown: %v", err)
	}
}

func TestStorePath(t *testing.T) {
	dbPath = ""
	t.Setenv("BUNDLEWATCH_DB", "/tmp/from-env.db")
	if got := storePath(); got != "/tmp/from-env.db" {
		t.Fatalf("env: got %q", got)
	}
	dbPath = "flag.db"
	defer func() { dbPath = "" }()
	if got := storePath(); got != "flag.db" {
		t.Fatalf("flag: got %q", got)
	}
}
