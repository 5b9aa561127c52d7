package bundle

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/bundlewatch/sandbox"
)

func TestPresets_Valid(t *testing.T) {
	for name, target := range Presets() {
		if target.Name != name {
			t.Errorf("preset %q named %q", name, target.Name)
		}
		if err := target.Validate(); err != nil {
			t.Errorf("preset %q: %v", name, err)
		}
		if len(target.Require) == 0 {
			t.Errorf("preset %q requires nothing", name)
		}
	}
}

func TestLoadTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	doc := `targets:
  - name: splatnet3
    url: https://staging.example/
    version: true
    version_marker: revision_info_not_set
    require: [version]
  - name: custom-app
    app: Custom
    url: https://custom.example/app/
    headers:
      User-Agent: bundlewatch
    env:
      wrapper: Object
      version_key: REACT_APP_VERSION
    require: [app_env]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	targets, err := LoadTargets(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := targets["splatnet3"].URL; got != "https://staging.example/" {
		t.Errorf("override url: %q", got)
	}
	custom, err := Lookup(targets, "custom-app")
	if err != nil {
		t.Fatal(err)
	}
	if custom.Env == nil || custom.Env.Wrapper != "Object" || custom.Headers["User-Agent"] != "bundlewatch" {
		t.Errorf("custom: %+v", custom)
	}
	if _, ok := targets["lhub"]; !ok {
		t.Error("presets not kept")
	}
	want := []string{"custom-app", "lhub", "nooklink", "splatnet3", "tournament-manager"}
	if diff := cmp.Diff(want, Names(targets)); diff != "" {
		t.Errorf("names (-want +got):\n%s", diff)
	}
}

func TestLoadTargets_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"bad name":    "targets:\n  - name: a/b\n    url: https://x.example\n",
		"no url":      "targets:\n  - name: a\n",
		"bad pattern": "targets:\n  - name: a\n    url: https://x.example\n    scrub: [{pattern: '(', replace: ''}]\n",
		"bad field":   "targets:\n  - name: a\n    url: https://x.example\n    require: [colour]\n",
		"bad env":     "targets:\n  - name: a\n    url: https://x.example\n    env: {placeholders: true}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".yaml")
			if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadTargets(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLookup_Unknown(t *testing.T) {
	if _, err := Lookup(Presets(), "nope"); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("got %v", err)
	}
}

func TestRecord_JSON(t *testing.T) {
	env := sandbox.NewMap()
	env.Set("NODE_ENV", "production")
	rec := &Record{
		Target:        "splatnet3",
		Version:       "6.0.0",
		Revision:      rev40,
		WebAppVer:     webAppVer("6.0.0", rev40),
		AppEnv:        env,
		HTMLURL:       "https://app.example/",
		HTMLSHA256:    "h",
		ScriptHeaders: headersPtr(Headers{ETag: `"x"`, VersionID: "v1"}),
		HTMLHeaders:   headersPtr(Headers{}),
		ScannedAt:     time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{
		`"web_app_ver":"6.0.0-a1a1a1a1"`,
		`"app_env":{"NODE_ENV":"production"}`,
		`"script_headers":{"etag":"\"x\"","x-amz-version-id":"v1"}`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
	if strings.Contains(out, "html_headers") {
		t.Errorf("empty headers should be omitted: %s", out)
	}

	var back Record
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.AppEnv.String("NODE_ENV") != "production" || back.Token() != "6.0.0-"+rev40+"-web" {
		t.Errorf("decoded: %+v", back)
	}
}

func TestRecord_Token(t *testing.T) {
	cases := []struct {
		rec  Record
		want string
	}{
		{Record{Version: "1.0.0", Revision: "abc"}, "1.0.0-abc-web"},
		{Record{Version: "1.0.0"}, "1.0.0-web"},
		{Record{Revision: "abc", BuildID: "b"}, "abc-web"},
		{Record{BuildID: "b"}, "b-web"},
		{Record{HTMLSHA256: "ff"}, "ff"},
	}
	for _, c := range cases {
		if got := c.rec.Token(); got != c.want {
			t.Errorf("%+v: got %q want %q", c.rec, got, c.want)
		}
	}
}
