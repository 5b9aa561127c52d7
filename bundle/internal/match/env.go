package match

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/hazyhaar/bundlewatch/sandbox"
)

// EnvSpec says how to find an environment block.
type EnvSpec struct {
	// FirstKey is the property that opens the block, e.g. "NODE_ENV".
	FirstKey string
	// Wrapper is a call wrapping a flat literal, e.g. "Object" for
	// Object({...}). Used when FirstKey is empty.
	Wrapper string
	// Placeholders binds every single-letter identifier to {env:{}} so that
	// references to a renamed process shim evaluate.
	Placeholders bool
	// Globals are extra bindings, e.g. navigator.
	Globals map[string]any
}

func letterPlaceholder(name string) (any, bool) {
	if len(name) != 1 {
		return nil, false
	}
	c := name[0]
	if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return map[string]any{"env": map[string]any{}}, true
	}
	return nil, false
}

// Environment finds and evaluates the runtime configuration literal.
func (m *Matcher) Environment(ctx context.Context, src *Source, spec EnvSpec) (*sandbox.Map, Match, bool) {
	var (
		frag string
		off  int
		ok   bool
	)
	switch {
	case spec.FirstKey != "":
		frag, off, ok = m.blockAfterKey(src, spec.FirstKey)
	case spec.Wrapper != "":
		frag, off, ok = wrappedLiteral(src, spec.Wrapper)
	}
	if !ok {
		return nil, Match{}, false
	}
	mt := Match{Kind: EnvironmentBlock, Offset: off, Fragment: frag}

	var ph func(string) (any, bool)
	if spec.Placeholders {
		ph = letterPlaceholder
	}
	v, err := m.sandboxFor(src, spec.Globals, ph).EvalExpression(ctx, frag)
	if err != nil {
		m.warn(src, EnvironmentBlock, off, err)
		return nil, mt, false
	}
	env, isMap := v.(*sandbox.Map)
	if !isMap {
		return nil, mt, false
	}
	m.cfg.Logger.Debug("match: environment found", "url", src.URL, "offset", off, "keys", env.Len())
	return env, mt, true
}

// blockAfterKey locates a line ending in "{" whose next line starts with
// key, and captures the block by indentation.
func (m *Matcher) blockAfterKey(src *Source, key string) (string, int, bool) {
	t := src.Text
	prefix := key + ": "
	for i := 1; i < t.Len(); i++ {
		if !strings.HasPrefix(strings.TrimLeft(t.Line(i), " \t"), prefix) {
			continue
		}
		if !strings.HasSuffix(t.Line(i-1), "{") {
			continue
		}
		b, err := t.Capture(i - 1)
		if err != nil {
			m.warn(src, EnvironmentBlock, t.Offset(i-1), err)
			continue
		}
		return innerObject(t, b), t.Offset(i - 1), true
	}
	return "", 0, false
}

// wrapperRes caches the compiled pattern per wrapper name.
var wrapperRes sync.Map

func wrapperRe(wrapper string) *regexp.Regexp {
	if re, ok := wrapperRes.Load(wrapper); ok {
		return re.(*regexp.Regexp)
	}
	re, _ := wrapperRes.LoadOrStore(wrapper, regexp.MustCompile(`\b`+regexp.QuoteMeta(wrapper)+`\((\{[^}]+\})\)`))
	return re.(*regexp.Regexp)
}

func wrappedLiteral(src *Source, wrapper string) (string, int, bool) {
	re := wrapperRe(wrapper)
	s := src.Text.Source()
	loc := re.FindStringSubmatchIndex(s)
	if loc == nil {
		return "", 0, false
	}
	return s[loc[2]:loc[3]], loc[0], true
}

// Release finds a block opened by a line ending in anchor, e.g.
// ".SENTRY_RELEASE = {", and evaluates it.
func (m *Matcher) Release(ctx context.Context, src *Source, anchor string) (*sandbox.Map, Match, bool) {
	t := src.Text
	for i := 0; i < t.Len(); i++ {
		if !strings.HasSuffix(t.Line(i), anchor) {
			continue
		}
		off := t.Offset(i)
		b, err := t.Capture(i)
		if err != nil {
			m.warn(src, ReleaseMetadata, off, err)
			continue
		}
		frag := innerObject(t, b)
		mt := Match{Kind: ReleaseMetadata, Offset: off, Fragment: frag}
		v, err := m.sb.EvalExpression(ctx, frag)
		if err != nil {
			m.warn(src, ReleaseMetadata, off, err)
			continue
		}
		if rel, ok := v.(*sandbox.Map); ok {
			m.cfg.Logger.Debug("match: release found", "url", src.URL, "offset", off, "id", rel.String("id"))
			return rel, mt, true
		}
	}
	return nil, Match{}, false
}

// BuildManifest evaluates an asset whose raw bytes begin with prefix, e.g.
// "self.__BUILD_MANIFEST=", and returns the global it assigns. The result
// maps routes to ordered asset lists.
func (m *Matcher) BuildManifest(ctx context.Context, src *Source, prefix, global string) (*sandbox.Map, bool) {
	if prefix == "" || !bytes.HasPrefix(src.Raw, []byte(prefix)) {
		return nil, false
	}
	v, ok, err := m.sb.EvalGlobal(ctx, string(src.Raw), global)
	if err != nil {
		m.warn(src, BuildManifestAssignment, 0, err)
		return nil, false
	}
	manifest, isMap := v.(*sandbox.Map)
	if !ok || !isMap {
		m.cfg.Logger.Warn("match: build manifest not assigned", "url", src.URL, "global", global)
		return nil, false
	}
	m.cfg.Logger.Debug("match: build manifest found", "url", src.URL, "routes", manifest.Len())
	return manifest, true
}
