// Package fetch retrieves an application's entry document and its script
// assets. Every response is hashed over its exact bytes and keeps the cache
// validation headers that identify a deployment.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/hazyhaar/bundlewatch/horosafe"
)

// ErrFetch is matched by every *Error.
var ErrFetch = errors.New("fetch: request failed")

// Error is a network or HTTP failure. Status is 0 when no response arrived.
type Error struct {
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: http %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrFetch }

// Headers are the response headers kept for change detection.
type Headers struct {
	LastModified string `json:"last-modified,omitempty" yaml:"last-modified,omitempty"`
	ETag         string `json:"etag,omitempty" yaml:"etag,omitempty"`
	VersionID    string `json:"x-amz-version-id,omitempty" yaml:"x-amz-version-id,omitempty"`
}

func headersOf(h http.Header) Headers {
	return Headers{
		LastModified: h.Get("Last-Modified"),
		ETag:         h.Get("ETag"),
		VersionID:    h.Get("X-Amz-Version-Id"),
	}
}

// Asset is one downloaded resource.
type Asset struct {
	URL     string
	Body    []byte
	SHA256  string // hex digest of Body
	Headers Headers
}

// Digest returns the hex SHA-256 of b.
func Digest(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// Scrub rewrites volatile parts of an entry document (per-request trace
// IDs, nonces) before it is hashed.
type Scrub struct {
	Pattern *regexp.Regexp
	Replace string
}

// Config configures a Fetcher.
type Config struct {
	Timeout  time.Duration // per request. Default: 30s.
	MaxBytes int64         // response cap. Default: horosafe.MaxResponseBody.
	// Headers are sent with every request (User-Agent, Referer, ...).
	Headers map[string]string
	// URLValidator validates URLs before fetch (SSRF prevention).
	// Default: horosafe.ValidateURL.
	URLValidator func(string) error
	// Client overrides the HTTP client. Its CheckRedirect is left alone.
	Client *http.Client
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = horosafe.MaxResponseBody
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Fetcher performs GET requests. It never retries; scheduling and retry
// belong to the caller.
type Fetcher struct {
	client *http.Client
	config Config
}

// New creates a Fetcher with SSRF protection on redirects.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	client := cfg.Client
	if client == nil {
		validate := cfg.URLValidator
		client = &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked (SSRF): %w", err)
				}
				return nil
			},
		}
	}
	return &Fetcher{client: client, config: cfg}
}

// Get downloads rawURL.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*Asset, error) {
	if err := f.config.URLValidator(rawURL); err != nil {
		return nil, &Error{URL: rawURL, Err: fmt.Errorf("URL blocked (SSRF): %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}
	for k, v := range f.config.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{URL: rawURL, Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	body, err := horosafe.LimitedReadAll(resp.Body, f.config.MaxBytes)
	if err != nil {
		return nil, &Error{URL: rawURL, Status: resp.StatusCode, Err: err}
	}
	a := &Asset{
		URL:     rawURL,
		Body:    body,
		SHA256:  Digest(body),
		Headers: headersOf(resp.Header),
	}
	f.config.Logger.Debug("fetch: asset",
		"url", rawURL, "bytes", len(body), "sha256", a.SHA256, "elapsed", time.Since(start))
	return a, nil
}

// Resolve returns ref as an absolute URL on base's origin.
func Resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("fetch: base %q: %w", base, err)
	}
	u, err := horosafe.ResolveSameOrigin(b, ref)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
