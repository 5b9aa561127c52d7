package known

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRuns_NewestFirst(t *testing.T) {
	// WHAT: runs come back newest first, filtered by target and limited.
	// WHY: failures leave no build row, so the run log is where they show.
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)

	runs := []Run{
		{RunID: "r1", Target: "splatnet3", StartedAt: base, Elapsed: 1500 * time.Millisecond, Token: "6.0.0-" + revA + "-web", NewBuild: true},
		{RunID: "r2", Target: "nooklink", StartedAt: base.Add(time.Minute), Elapsed: 200 * time.Millisecond, Error: "fetch https://x/: http 503"},
		{RunID: "r3", Target: "splatnet3", StartedAt: base.Add(2 * time.Minute), Elapsed: time.Second, Token: "6.0.0-" + revA + "-web"},
	}
	for _, r := range runs {
		if err := s.RecordRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Runs(ctx, "splatnet3", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []Run{runs[2], runs[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("runs (-want +got):\n%s", diff)
	}

	got, err = s.Runs(ctx, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].RunID != "r3" {
		t.Fatalf("limit: %+v", got)
	}

	all, _ := s.Runs(ctx, "", 10)
	if len(all) != 3 || all[1].Error == "" {
		t.Fatalf("all: %+v", all)
	}
}

func TestRecordRun_ReplacesSameID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	at := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	s.RecordRun(ctx, Run{RunID: "r1", Target: "lhub", StartedAt: at, Error: "boom"})
	s.RecordRun(ctx, Run{RunID: "r1", Target: "lhub", StartedAt: at, Token: "abc-web"})

	got, err := s.Runs(ctx, "lhub", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Error != "" || got[0].Token != "abc-web" {
		t.Fatalf("got %+v", got)
	}
}
