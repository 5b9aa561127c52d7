package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// noopValidator allows all URLs (httptest servers listen on loopback).
func noopValidator(_ string) error { return nil }

const entryHTML = `<!doctype html><html><head>
<script defer="defer" src="/static/js/a.js"></script>
<script src="https://cdn.example.net/lib.js"></script>
<script src="static/js/b.js?v=2"></script>
<script>window.x = 1</script>
<meta name="sentry-trace" content="0123456789abcdef0123456789abcdef-0123456789abcdef-0">
</head><body>
<script id="__NEXT_DATA__" type="application/json">{"buildId":"abc123","page":"/"}</script>
<script src="/static/js/a.js"></script>
</body></html>`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("ETag", `"entry-1"`)
			w.Write([]byte(entryHTML))
		case "/static/js/a.js":
			w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
			w.Header().Set("x-amz-version-id", "v-42")
			w.Write([]byte("var a=1;"))
		case "/ua":
			w.Write([]byte(r.Header.Get("User-Agent")))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEntry_ScriptsInDocumentOrder(t *testing.T) {
	// WHAT: Same-origin scripts come back in document order, cross-origin ones are dropped.
	// WHY: Short-circuit matching depends on encounter order.
	srv := newServer(t)
	f := New(Config{URLValidator: noopValidator})
	e, err := f.Entry(context.Background(), srv.URL+"/", nil, []string{"__NEXT_DATA__"})
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	want := []string{srv.URL + "/static/js/a.js", srv.URL + "/static/js/b.js?v=2"}
	if diff := cmp.Diff(want, e.Scripts); diff != "" {
		t.Errorf("scripts (-want +got):\n%s", diff)
	}
	if got := e.Inline["__NEXT_DATA__"]; got != `{"buildId":"abc123","page":"/"}` {
		t.Errorf("inline: %q", got)
	}
	if e.Headers.ETag != `"entry-1"` {
		t.Errorf("etag: %q", e.Headers.ETag)
	}
	if e.SHA256 != Digest([]byte(entryHTML)) {
		t.Errorf("digest mismatch")
	}
}

func TestEntry_Scrub(t *testing.T) {
	// WHAT: Scrub rules rewrite the body before hashing.
	// WHY: Per-request trace IDs would otherwise change the digest on every poll.
	srv := newServer(t)
	f := New(Config{URLValidator: noopValidator})
	scrub := []Scrub{{
		Pattern: regexp.MustCompile(`<meta name="sentry-trace" content="[^"]*">`),
		Replace: `<meta name="sentry-trace" content="">`,
	}}
	e1, err := f.Entry(context.Background(), srv.URL+"/", scrub, nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(e1.Body), "0123456789abcdef") {
		t.Error("trace id not scrubbed")
	}
	if e1.SHA256 != Digest(e1.Body) {
		t.Error("digest not computed over scrubbed body")
	}
}

func TestGet_HeadersAndDigest(t *testing.T) {
	srv := newServer(t)
	f := New(Config{URLValidator: noopValidator})
	a, err := f.Get(context.Background(), srv.URL+"/static/js/a.js")
	if err != nil {
		t.Fatal(err)
	}
	want := Headers{LastModified: "Mon, 01 Jan 2024 00:00:00 GMT", VersionID: "v-42"}
	if diff := cmp.Diff(want, a.Headers); diff != "" {
		t.Errorf("headers (-want +got):\n%s", diff)
	}
	if a.SHA256 != Digest([]byte("var a=1;")) {
		t.Errorf("digest: %s", a.SHA256)
	}
}

func TestDigest_Deterministic(t *testing.T) {
	a := Digest([]byte("var a=1;"))
	if a != Digest([]byte("var a=1;")) {
		t.Error("same bytes, different digest")
	}
	if a == Digest([]byte("var a=2;")) {
		t.Error("different bytes, same digest")
	}
	if len(a) != 64 {
		t.Errorf("digest length %d", len(a))
	}
}

func TestGet_RequestHeaders(t *testing.T) {
	srv := newServer(t)
	f := New(Config{URLValidator: noopValidator, Headers: map[string]string{"User-Agent": "bundlewatch/test"}})
	a, err := f.Get(context.Background(), srv.URL+"/ua")
	if err != nil {
		t.Fatal(err)
	}
	if string(a.Body) != "bundlewatch/test" {
		t.Errorf("user agent: %q", a.Body)
	}
}

func TestGet_Errors(t *testing.T) {
	srv := newServer(t)
	f := New(Config{URLValidator: noopValidator})

	_, err := f.Get(context.Background(), srv.URL+"/missing.js")
	var fe *Error
	if !errors.As(err, &fe) || fe.Status != http.StatusNotFound {
		t.Fatalf("got %v, want 404 *Error", err)
	}
	if !errors.Is(err, ErrFetch) {
		t.Error("expected ErrFetch")
	}

	blocked := New(Config{})
	if _, err := blocked.Get(context.Background(), srv.URL+"/"); !errors.Is(err, ErrFetch) {
		t.Errorf("loopback: got %v", err)
	}

	small := New(Config{URLValidator: noopValidator, MaxBytes: 4})
	if _, err := small.Get(context.Background(), srv.URL+"/static/js/a.js"); !errors.Is(err, ErrFetch) {
		t.Errorf("oversized: got %v", err)
	}
}

func TestResolve(t *testing.T) {
	got, err := Resolve("https://app.example/_next/", "static/chunks/main.js")
	if err != nil || got != "https://app.example/_next/static/chunks/main.js" {
		t.Errorf("got %q %v", got, err)
	}
	if _, err := Resolve("https://app.example/", "https://evil.example/x.js"); err == nil {
		t.Error("expected cross-origin error")
	}
}
