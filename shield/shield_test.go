package shield

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/bundlewatch/kit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func TestHeadToGet(t *testing.T) {
	var seen string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { seen = r.Method }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodHead, "/healthz", nil))
	if seen != http.MethodGet {
		t.Fatalf("method: got %q", seen)
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(DefaultHeaders())(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	for k, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("%s: got %q, want %q", k, got, want)
		}
	}
}

func TestRequestID_Generated(t *testing.T) {
	var ctxID, transport string
	h := RequestID(func() string { return "req_fixed" }, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = kit.GetRequestID(r.Context())
		transport = kit.GetTransport(r.Context())
		if GetLogger(r.Context()) == nil {
			t.Error("no request logger")
		}
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/targets", nil))

	if ctxID != "req_fixed" || rec.Header().Get(RequestIDHeader) != "req_fixed" {
		t.Fatalf("request id: ctx %q, header %q", ctxID, rec.Header().Get(RequestIDHeader))
	}
	if transport != "http" {
		t.Fatalf("transport: got %q", transport)
	}
}

func TestRequestID_CallerValue(t *testing.T) {
	// WHAT: A safe caller-supplied ID is kept; an unsafe one is replaced.
	// WHY: The ID is echoed into logs and headers.
	var ctxID string
	h := RequestID(func() string { return "gen" }, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = kit.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-42")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if ctxID != "upstream-42" {
		t.Fatalf("caller id: got %q", ctxID)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "bad id\r\nX-Evil: 1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if ctxID != "gen" {
		t.Fatalf("unsafe id kept: %q", ctxID)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("a", 65))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if ctxID != "gen" {
		t.Fatalf("long id kept: %q", ctxID)
	}
}

func TestRateLimiter_Window(t *testing.T) {
	// WHAT: The third request in a window of two is refused until the window resets.
	// WHY: Each uncached fingerprint request fetches upstream assets.
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(RateLimitConfig{
		MaxRequests: 2,
		Window:      time.Minute,
		Exclude:     []string{"/healthz"},
		Now:         func() time.Time { return now },
	})
	h := rl.Middleware(okHandler())

	do := func(path, ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", path, nil)
		req.RemoteAddr = ip + ":4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := range 2 {
		if rec := do("/v1/targets", "10.0.0.1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}
	rec := do("/v1/targets", "10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit: got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "61" {
		t.Fatalf("Retry-After: got %q", rec.Header().Get("Retry-After"))
	}
	if rec := do("/v1/targets", "10.0.0.2"); rec.Code != http.StatusOK {
		t.Fatalf("other client: got %d", rec.Code)
	}
	if rec := do("/healthz", "10.0.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("excluded path: got %d", rec.Code)
	}

	now = now.Add(61 * time.Second)
	if rec := do("/v1/targets", "10.0.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("after reset: got %d", rec.Code)
	}
}

func TestRateLimiter_GC(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(RateLimitConfig{MaxRequests: 1, Now: func() time.Time { return now }})
	rl.allow("10.0.0.1")
	now = now.Add(2 * time.Minute)
	rl.gc()
	if n := len(rl.buckets); n != 0 {
		t.Fatalf("buckets after gc: %d", n)
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})
	for range 100 {
		if ok, _ := rl.allow("10.0.0.1"); !ok {
			t.Fatal("zero limit must not block")
		}
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := ExtractIP(req); got != "192.0.2.1" {
		t.Fatalf("remote addr: got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ExtractIP(req); got != "203.0.113.7" {
		t.Fatalf("forwarded: got %q", got)
	}
}
