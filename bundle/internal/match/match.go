// Package match holds the fingerprint detectors. Each one reads a normalized
// asset and either reports what it found or reports nothing; fragments that
// fail to evaluate or to close are logged and treated as no match.
package match

import (
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/bundlewatch/bundle/internal/blockscan"
	"github.com/hazyhaar/bundlewatch/jsfmt"
	"github.com/hazyhaar/bundlewatch/sandbox"
)

// Kind names a structural pattern.
type Kind string

const (
	VersionRevision         Kind = "version_revision"
	EnvironmentBlock        Kind = "environment_block"
	BuildManifestAssignment Kind = "build_manifest"
	ReleaseMetadata         Kind = "release_metadata"
	GraphqlModule           Kind = "graphql_module"
	GraphqlDocument         Kind = "graphql_document"
)

// Match is one located fragment.
type Match struct {
	Kind     Kind
	Offset   int // byte offset in the normalized text
	Fragment string
}

// Source is one asset: its exact bytes and their normalized layout.
type Source struct {
	URL  string
	Raw  []byte
	Text *blockscan.Text
}

// NewSource normalizes raw.
func NewSource(url string, raw []byte) *Source {
	return &Source{URL: url, Raw: raw, Text: blockscan.New(jsfmt.Format(string(raw)))}
}

// Config configures a Matcher.
type Config struct {
	// EvalTimeout bounds each fragment evaluation. Default: 1s.
	EvalTimeout time.Duration
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.EvalTimeout <= 0 {
		c.EvalTimeout = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Matcher runs detectors. It holds no per-asset state and is safe for
// concurrent use.
type Matcher struct {
	cfg Config
	sb  *sandbox.Sandbox
}

func New(cfg Config) *Matcher {
	cfg.defaults()
	return &Matcher{
		cfg: cfg,
		sb:  sandbox.New(sandbox.Options{Timeout: cfg.EvalTimeout, Logger: cfg.Logger}),
	}
}

// sandboxFor returns an evaluator labelled with the asset URL and carrying
// extra bindings.
func (m *Matcher) sandboxFor(src *Source, globals map[string]any, placeholder func(string) (any, bool)) *sandbox.Sandbox {
	if globals == nil && placeholder == nil {
		return m.sb
	}
	return sandbox.New(sandbox.Options{
		Timeout:     m.cfg.EvalTimeout,
		Logger:      m.cfg.Logger,
		Filename:    src.URL,
		Globals:     globals,
		Placeholder: placeholder,
	})
}

// warn logs a recovered, fragment-scoped failure.
func (m *Matcher) warn(src *Source, kind Kind, offset int, err error) {
	msg := "match: fragment skipped"
	switch {
	case errors.Is(err, blockscan.ErrStructuralMismatch):
		msg = "match: block terminator not found"
	case errors.Is(err, sandbox.ErrTimeout):
		msg = "match: evaluation timed out"
	case errors.Is(err, sandbox.ErrSyntax):
		msg = "match: fragment did not parse"
	}
	m.cfg.Logger.Warn(msg, "url", src.URL, "kind", kind, "offset", offset, "error", err)
}

// innerObject rebuilds an object literal from a captured block: the lines
// between the opening and closing lines wrapped in fresh braces. The opening
// line's prefix and anything trailing the closing brace are dropped.
func innerObject(t *blockscan.Text, b blockscan.Block) string {
	if b.End <= b.Start+1 {
		return "{}"
	}
	from := t.Offset(b.Start + 1)
	to := t.Offset(b.End) - 1
	return "{\n" + t.Source()[from:to] + "\n}"
}
