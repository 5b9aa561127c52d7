package bundle

import (
	"time"

	"github.com/hazyhaar/bundlewatch/bundle/internal/fetch"
	"github.com/hazyhaar/bundlewatch/bundle/internal/match"
	"github.com/hazyhaar/bundlewatch/sandbox"
)

// Headers are the cache-validation headers kept per asset.
type Headers = fetch.Headers

// Query is one discovered persisted GraphQL operation.
type Query = match.Query

// Record is the fingerprint of one deployed build. It is the only output of
// a scan; persistence and notification consume it.
type Record struct {
	Target string `json:"target"`
	RunID  string `json:"run_id,omitempty"`

	// WebAppVer is version-revision[:8], the token the web app reports.
	WebAppVer string       `json:"web_app_ver,omitempty"`
	Version   string       `json:"version,omitempty"`
	Revision  string       `json:"revision,omitempty"`
	BuildID   string       `json:"build_id,omitempty"`
	AppEnv    *sandbox.Map `json:"app_env,omitempty"`
	Release   *sandbox.Map `json:"release,omitempty"`

	HTMLURL     string   `json:"html_url"`
	HTMLSHA256  string   `json:"html_sha256"`
	HTMLHeaders *Headers `json:"html_headers,omitempty"`

	ScriptURL     string   `json:"script_url,omitempty"`
	ScriptSHA256  string   `json:"script_sha256,omitempty"`
	ScriptHeaders *Headers `json:"script_headers,omitempty"`

	BuildManifestURL     string       `json:"build_manifest_url,omitempty"`
	BuildManifestSHA256  string       `json:"build_manifest_sha256,omitempty"`
	BuildManifestHeaders *Headers     `json:"build_manifest_headers,omitempty"`
	BuildManifest        *sandbox.Map `json:"build_manifest,omitempty"`

	// GraphQLQueries maps operation name to persisted query id.
	GraphQLQueries    map[string]string `json:"graphql_queries,omitempty"`
	GraphQLOperations []Query           `json:"graphql_operations,omitempty"`

	ScannedAt time.Time `json:"scanned_at"`
}

// Token is the persistence key for this build: version and revision, or
// the build id when the family has no version.
func (r *Record) Token() string {
	switch {
	case r.Version != "" && r.Revision != "":
		return r.Version + "-" + r.Revision + "-web"
	case r.Version != "":
		return r.Version + "-web"
	case r.Revision != "":
		return r.Revision + "-web"
	case r.BuildID != "":
		return r.BuildID + "-web"
	}
	return r.HTMLSHA256
}

func webAppVer(version, revision string) string {
	if version == "" || revision == "" {
		return ""
	}
	return version + "-" + revision[:min(8, len(revision))]
}

func headersPtr(h Headers) *Headers {
	if h == (Headers{}) {
		return nil
	}
	return &h
}

// has reports whether the record carries field f.
func (r *Record) has(f Field) bool {
	switch f {
	case FieldVersion:
		return r.Version != ""
	case FieldRevision:
		return r.Revision != ""
	case FieldAppEnv:
		return r.AppEnv != nil
	case FieldBuildID:
		return r.BuildID != ""
	case FieldBuildManifest:
		return r.BuildManifest != nil
	case FieldRelease:
		return r.Release != nil
	case FieldGraphQL:
		return len(r.GraphQLQueries) > 0
	}
	return false
}
