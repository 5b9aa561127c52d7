package bundle

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/bundlewatch/horosafe"
)

// Field names a record field that a target may require.
type Field string

const (
	FieldVersion       Field = "version"
	FieldRevision      Field = "revision"
	FieldAppEnv        Field = "app_env"
	FieldBuildID       Field = "build_id"
	FieldBuildManifest Field = "build_manifest"
	FieldRelease       Field = "release"
	FieldGraphQL       Field = "graphql_queries"
)

// EnvRule locates the runtime configuration block.
type EnvRule struct {
	FirstKey     string `yaml:"first_key,omitempty" json:"first_key,omitempty"`
	Wrapper      string `yaml:"wrapper,omitempty" json:"wrapper,omitempty"`
	Placeholders bool   `yaml:"placeholders,omitempty" json:"placeholders,omitempty"`
	// VersionKey and RevisionKey read the fingerprint from the block.
	VersionKey  string `yaml:"version_key,omitempty" json:"version_key,omitempty"`
	RevisionKey string `yaml:"revision_key,omitempty" json:"revision_key,omitempty"`
}

// ManifestRule locates the build manifest and drives the route walk.
type ManifestRule struct {
	Prefix string `yaml:"prefix" json:"prefix"`
	Global string `yaml:"global" json:"global"`
	// AssetBase is prepended to manifest asset paths, relative to the
	// target URL. Next.js uses "_next/".
	AssetBase string `yaml:"asset_base,omitempty" json:"asset_base,omitempty"`
	// Walk searches route chunks for data missing from the entry scripts.
	Walk bool `yaml:"walk,omitempty" json:"walk,omitempty"`
}

// GraphQLRule enables persisted query discovery.
type GraphQLRule struct {
	Modules   bool `yaml:"modules,omitempty" json:"modules,omitempty"`
	Documents bool `yaml:"documents,omitempty" json:"documents,omitempty"`
	// Exhaustive scans every entry script and every manifest route asset
	// instead of stopping once the other fields are found.
	Exhaustive bool `yaml:"exhaustive,omitempty" json:"exhaustive,omitempty"`
}

func (g *GraphQLRule) enabled() bool { return g != nil && (g.Modules || g.Documents) }

// ScrubRule rewrites volatile text in the entry document before hashing.
type ScrubRule struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Replace string `yaml:"replace" json:"replace"`
}

// Target describes one web application and how to fingerprint it.
type Target struct {
	Name string `yaml:"name" json:"name"`
	// App, Colour and Link describe the app in notifications.
	App     string            `yaml:"app,omitempty" json:"app,omitempty"`
	Colour  int               `yaml:"colour,omitempty" json:"colour,omitempty"`
	Link    string            `yaml:"link,omitempty" json:"link,omitempty"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Scrub   []ScrubRule       `yaml:"scrub,omitempty" json:"scrub,omitempty"`
	// InlineData is the id of an inline JSON script holding a buildId.
	InlineData string `yaml:"inline_data,omitempty" json:"inline_data,omitempty"`
	// Version enables the commit/version pair detector. Marker, when set,
	// must sit between the two.
	Version       bool          `yaml:"version,omitempty" json:"version,omitempty"`
	VersionMarker string        `yaml:"version_marker,omitempty" json:"version_marker,omitempty"`
	Env           *EnvRule      `yaml:"env,omitempty" json:"env,omitempty"`
	Manifest      *ManifestRule `yaml:"manifest,omitempty" json:"manifest,omitempty"`
	// ReleaseAnchor opens the release metadata block; its id is the
	// revision.
	ReleaseAnchor string       `yaml:"release_anchor,omitempty" json:"release_anchor,omitempty"`
	GraphQL       *GraphQLRule `yaml:"graphql,omitempty" json:"graphql,omitempty"`
	Require       []Field      `yaml:"require" json:"require"`
}

// Validate checks that the target is usable.
func (t *Target) Validate() error {
	if err := horosafe.ValidateIdentifier(t.Name); err != nil {
		return fmt.Errorf("bundle: target name: %w", err)
	}
	if t.URL == "" {
		return fmt.Errorf("bundle: target %s: url is required", t.Name)
	}
	for _, s := range t.Scrub {
		if _, err := regexp.Compile(s.Pattern); err != nil {
			return fmt.Errorf("bundle: target %s: scrub pattern: %w", t.Name, err)
		}
	}
	if t.Manifest != nil && (t.Manifest.Prefix == "" || t.Manifest.Global == "") {
		return fmt.Errorf("bundle: target %s: manifest needs prefix and global", t.Name)
	}
	if t.Env != nil && t.Env.FirstKey == "" && t.Env.Wrapper == "" {
		return fmt.Errorf("bundle: target %s: env needs first_key or wrapper", t.Name)
	}
	for _, f := range t.Require {
		switch f {
		case FieldVersion, FieldRevision, FieldAppEnv, FieldBuildID, FieldBuildManifest, FieldRelease, FieldGraphQL:
		default:
			return fmt.Errorf("bundle: target %s: unknown required field %q", t.Name, f)
		}
	}
	return nil
}

const switchUserAgent = "Mozilla/5.0 (Nintendo Switch; NsoApplet) AppleWebKit/606.4 (KHTML, like Gecko) NF/6.0.1.15.4 NintendoBrowser/5.1.0.20389"

// Presets are the built-in targets.
func Presets() map[string]Target {
	return map[string]Target{
		"splatnet3": {
			Name:          "splatnet3",
			App:           "SplatNet 3",
			Colour:        0xfefb55,
			Link:          "https://s.nintendo.com/av5ja-lp1/znca/game/4834290508791808",
			URL:           "https://api.lp1.av5ja.srv.nintendo.net",
			Version:       true,
			VersionMarker: "revision_info_not_set",
			Env:           &EnvRule{FirstKey: "NODE_ENV"},
			GraphQL:       &GraphQLRule{Modules: true, Documents: true},
			Require:       []Field{FieldVersion, FieldRevision},
		},
		"nooklink": {
			Name:    "nooklink",
			App:     "NookLink",
			Colour:  0x6cc1fe,
			Link:    "https://dpl.sd.lp1.acbaa.srv.nintendo.net/znca/game/4953919198265344",
			URL:     "https://web.sd.lp1.acbaa.srv.nintendo.net",
			Env:     &EnvRule{Wrapper: "Object", VersionKey: "REACT_APP_VERSION"},
			Require: []Field{FieldVersion, FieldAppEnv},
		},
		"lhub": {
			Name:   "lhub",
			App:    "Nintendo Switch Online applet",
			Colour: 0xe60012,
			URL:    "https://lp1.nso.nintendo.net/?country=GB&menu_page=home",
			Headers: map[string]string{
				"User-Agent":      switchUserAgent,
				"Accept":          "*/*",
				"Accept-Language": "en-GB,en;q=0.5",
				"Referer":         "https://lp1.nso.nintendo.net/?country=GB&menu_page=home",
				"DNT":             "1",
				"Pragma":          "no-cache",
				"Cache-Control":   "no-cache",
			},
			InlineData: "__NEXT_DATA__",
			Env: &EnvRule{
				FirstKey:     "CODE",
				Placeholders: true,
				VersionKey:   "VERSION",
				RevisionKey:  "GIT_COMMIT_HASH",
			},
			Manifest: &ManifestRule{Prefix: "self.__BUILD_MANIFEST=", Global: "__BUILD_MANIFEST", AssetBase: "_next/", Walk: true},
			Require:  []Field{FieldAppEnv, FieldBuildManifest},
		},
		"tournament-manager": {
			Name:   "tournament-manager",
			App:    "Splatoon 3 Tournament Manager",
			Colour: 0xfefb55,
			Link:   "https://c.nintendo.com/splatoon3-tournament/",
			URL:    "https://c.nintendo.com/splatoon3-tournament/?lang=en-GB",
			Scrub: []ScrubRule{
				{Pattern: `("_sentryTraceData": *")[^"]*(")`, Replace: "${1}${2}"},
				{Pattern: `(sentry-trace_id=)[0-9a-f]{32}`, Replace: "${1}"},
			},
			InlineData:    "__NEXT_DATA__",
			Manifest:      &ManifestRule{Prefix: "self.__BUILD_MANIFEST=", Global: "__BUILD_MANIFEST", AssetBase: "_next/", Walk: true},
			ReleaseAnchor: ".SENTRY_RELEASE = {",
			GraphQL:       &GraphQLRule{Modules: true, Exhaustive: true},
			Require:       []Field{FieldBuildManifest, FieldRelease},
		},
	}
}

type targetsFile struct {
	Targets []Target `yaml:"targets"`
}

// LoadTargets reads a YAML file of target definitions and merges it over
// the presets: an entry with a preset's name replaces it.
func LoadTargets(path string) (map[string]Target, error) {
	targets := Presets()
	if path == "" {
		return targets, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: read targets: %w", err)
	}
	var f targetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("bundle: parse targets: %w", err)
	}
	for _, t := range f.Targets {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		targets[t.Name] = t
	}
	return targets, nil
}

// Names returns target names in sorted order.
func Names(targets map[string]Target) []string {
	names := make([]string, 0, len(targets))
	for n := range targets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the named target or ErrUnknownTarget.
func Lookup(targets map[string]Target, name string) (Target, error) {
	t, ok := targets[name]
	if !ok {
		return Target{}, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}
	return t, nil
}
