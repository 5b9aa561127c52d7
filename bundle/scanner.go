package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/hazyhaar/bundlewatch/bundle/internal/fetch"
	"github.com/hazyhaar/bundlewatch/bundle/internal/match"
	"github.com/hazyhaar/bundlewatch/idgen"
	"github.com/hazyhaar/bundlewatch/kit"
)

// Config configures a Scanner.
type Config struct {
	// Timeout bounds each HTTP request. Default: 30s.
	Timeout time.Duration
	// EvalTimeout bounds each fragment evaluation. Default: 1s.
	EvalTimeout time.Duration
	// MaxBytes caps each response body. Default: horosafe.MaxResponseBody.
	MaxBytes int64
	// URLValidator checks every URL before it is fetched.
	// Default: horosafe.ValidateURL.
	URLValidator func(string) error
	Client       *http.Client
	// NewID generates run identifiers when the context carries none.
	NewID  idgen.Generator
	Now    func() time.Time
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.NewID == nil {
		c.NewID = idgen.Default
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Scanner fingerprints targets. It is safe for concurrent use; each Scan
// runs its own sequential pipeline.
type Scanner struct {
	cfg Config
}

func NewScanner(cfg Config) *Scanner {
	cfg.defaults()
	return &Scanner{cfg: cfg}
}

// Scan fetches the target's entry document, inspects its scripts in
// document order and, when the target has a build manifest, the route
// chunks it lists. Each data kind is taken from the first asset that
// yields it.
//
// A FetchError aborts the scan, as does a MissingDataError for a field the
// target requires. Fragments that fail to evaluate are logged and skipped.
func (s *Scanner) Scan(ctx context.Context, t Target) (*Record, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	runID := kit.GetRunID(ctx)
	if runID == "" {
		runID = s.cfg.NewID()
		ctx = kit.WithRunID(ctx, runID)
	}
	ctx = kit.WithTarget(ctx, t.Name)
	log := s.cfg.Logger.With("target", t.Name, "run_id", runID)

	scrub := make([]fetch.Scrub, 0, len(t.Scrub))
	for _, r := range t.Scrub {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("bundle: scrub pattern: %w", err)
		}
		scrub = append(scrub, fetch.Scrub{Pattern: re, Replace: r.Replace})
	}
	var inlineIDs []string
	if t.InlineData != "" {
		inlineIDs = []string{t.InlineData}
	}

	sc := &scan{
		t: t,
		f: fetch.New(fetch.Config{
			Timeout:      s.cfg.Timeout,
			MaxBytes:     s.cfg.MaxBytes,
			Headers:      t.Headers,
			URLValidator: s.cfg.URLValidator,
			Client:       s.cfg.Client,
			Logger:       log,
		}),
		m:       match.New(match.Config{EvalTimeout: s.cfg.EvalTimeout, Logger: log}),
		log:     log,
		visited: make(map[string]bool),
	}

	start := time.Now()
	entry, err := sc.f.Entry(ctx, t.URL, scrub, inlineIDs)
	if err != nil {
		return nil, err
	}
	sc.rec = &Record{
		Target:      t.Name,
		RunID:       runID,
		HTMLURL:     t.URL,
		HTMLSHA256:  entry.SHA256,
		HTMLHeaders: headersPtr(entry.Headers),
	}
	if raw, ok := entry.Inline[t.InlineData]; ok {
		sc.rec.BuildID = buildID(raw)
	}
	log.Debug("bundle: entry fetched", "url", t.URL, "scripts", len(entry.Scripts), "build_id", sc.rec.BuildID)

	for _, u := range entry.Scripts {
		if sc.complete() {
			break
		}
		if err := sc.visit(ctx, u); err != nil {
			return nil, err
		}
	}
	if err := sc.walk(ctx); err != nil {
		return nil, err
	}

	rec, err := sc.assemble(s.cfg.Now())
	if err != nil {
		log.Warn("bundle: scan incomplete", "error", err, "assets", len(sc.visited))
		return nil, err
	}
	log.Info("bundle: scan complete",
		"version", rec.Version, "revision", rec.Revision, "build_id", rec.BuildID,
		"queries", len(rec.GraphQLQueries), "assets", len(sc.visited), "elapsed", time.Since(start))
	return rec, nil
}

func buildID(inline string) string {
	var data struct {
		BuildID string `json:"buildId"`
	}
	if err := json.Unmarshal([]byte(inline), &data); err != nil {
		return ""
	}
	return data.BuildID
}

// scan is the state of one Scan call.
type scan struct {
	t       Target
	f       *fetch.Fetcher
	m       *match.Matcher
	log     *slog.Logger
	rec     *Record
	visited map[string]bool
}

// pending lists the data kinds still sought.
func (sc *scan) pending() []Field {
	t, r := &sc.t, sc.rec
	var out []Field
	if t.Version && r.Version == "" {
		out = append(out, FieldVersion)
	}
	if t.Env != nil && r.AppEnv == nil {
		out = append(out, FieldAppEnv)
	}
	if t.Manifest != nil && r.BuildManifest == nil {
		out = append(out, FieldBuildManifest)
	}
	if t.ReleaseAnchor != "" && r.Release == nil {
		out = append(out, FieldRelease)
	}
	if t.GraphQL.enabled() && (t.GraphQL.Exhaustive || (len(r.GraphQLQueries) == 0 && requires(t, FieldGraphQL))) {
		out = append(out, FieldGraphQL)
	}
	return out
}

func (sc *scan) complete() bool { return len(sc.pending()) == 0 }

func requires(t *Target, f Field) bool {
	for _, r := range t.Require {
		if r == f {
			return true
		}
	}
	return false
}

// visit fetches and inspects one asset. Each URL is fetched at most once.
func (sc *scan) visit(ctx context.Context, u string) error {
	if sc.visited[u] {
		return nil
	}
	sc.visited[u] = true
	a, err := sc.f.Get(ctx, u)
	if err != nil {
		return err
	}
	sc.inspect(ctx, a)
	return nil
}

// inspect runs every detector still needed over one asset.
func (sc *scan) inspect(ctx context.Context, a *fetch.Asset) {
	t, rec := &sc.t, sc.rec
	src := match.NewSource(a.URL, a.Body)

	if t.Manifest != nil && rec.BuildManifest == nil {
		if bm, ok := sc.m.BuildManifest(ctx, src, t.Manifest.Prefix, t.Manifest.Global); ok {
			rec.BuildManifest = bm
			rec.BuildManifestURL = a.URL
			rec.BuildManifestSHA256 = a.SHA256
			rec.BuildManifestHeaders = headersPtr(a.Headers)
			sc.log.Info("bundle: build manifest found", "url", a.URL, "routes", bm.Len())
			return
		}
	}

	if t.Version && rec.Version == "" {
		if v, ok := sc.m.VersionRevision(src, t.VersionMarker); ok {
			rec.Version, rec.Revision = v.Version, v.Revision
			sc.setScript(a)
			sc.log.Info("bundle: version found", "url", a.URL, "version", v.Version, "revision", v.Revision)
		}
	}

	if t.Env != nil && rec.AppEnv == nil {
		spec := match.EnvSpec{
			FirstKey:     t.Env.FirstKey,
			Wrapper:      t.Env.Wrapper,
			Placeholders: t.Env.Placeholders,
			Globals:      sc.envGlobals(),
		}
		if env, _, ok := sc.m.Environment(ctx, src, spec); ok {
			rec.AppEnv = env
			if t.Env.VersionKey != "" && rec.Version == "" {
				rec.Version = env.String(t.Env.VersionKey)
			}
			if t.Env.RevisionKey != "" && rec.Revision == "" {
				rec.Revision = env.String(t.Env.RevisionKey)
			}
			if rec.ScriptURL == "" {
				sc.setScript(a)
			}
			sc.log.Info("bundle: environment found", "url", a.URL, "keys", env.Len())
		}
	}

	if t.ReleaseAnchor != "" && rec.Release == nil {
		if rel, _, ok := sc.m.Release(ctx, src, t.ReleaseAnchor); ok {
			rec.Release = rel
			if rec.Revision == "" {
				rec.Revision = rel.String("id")
			}
			sc.log.Info("bundle: release found", "url", a.URL, "id", rel.String("id"))
		}
	}

	if g := t.GraphQL; g.enabled() {
		var qs []Query
		if g.Modules {
			qs = append(qs, sc.m.GraphqlModules(ctx, src)...)
		}
		if g.Documents {
			if tables := sc.m.PersistedTables(ctx, src); len(tables) > 0 {
				qs = append(qs, sc.m.GraphqlDocuments(ctx, src, tables)...)
			}
		}
		sc.addQueries(qs)
	}
}

func (sc *scan) setScript(a *fetch.Asset) {
	sc.rec.ScriptURL = a.URL
	sc.rec.ScriptSHA256 = a.SHA256
	sc.rec.ScriptHeaders = headersPtr(a.Headers)
}

// envGlobals binds navigator to the user agent the target is fetched with.
func (sc *scan) envGlobals() map[string]any {
	ua := ""
	for k, v := range sc.t.Headers {
		if http.CanonicalHeaderKey(k) == "User-Agent" {
			ua = v
		}
	}
	return map[string]any{"navigator": map[string]any{"userAgent": ua}}
}

// addQueries records operations in discovery order. A name already present
// keeps its first id.
func (sc *scan) addQueries(qs []Query) {
	rec := sc.rec
	for _, q := range qs {
		if prev, dup := rec.GraphQLQueries[q.Name]; dup {
			if prev != q.ID {
				sc.log.Debug("bundle: graphql operation already known",
					"name", q.Name, "kept", prev, "dropped", q.ID, "source", q.Source)
			}
			continue
		}
		if rec.GraphQLQueries == nil {
			rec.GraphQLQueries = make(map[string]string)
		}
		rec.GraphQLQueries[q.Name] = q.ID
		rec.GraphQLOperations = append(rec.GraphQLOperations, q)
	}
}

// assemble finalizes the record and enforces the target's required fields.
func (sc *scan) assemble(now time.Time) (*Record, error) {
	rec := sc.rec
	rec.WebAppVer = webAppVer(rec.Version, rec.Revision)
	rec.ScannedAt = now.UTC()
	for _, f := range sc.t.Require {
		if !rec.has(f) {
			return nil, &MissingDataError{Target: sc.t.Name, Field: f}
		}
	}
	return rec, nil
}
