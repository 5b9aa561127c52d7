package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig bounds requests per client IP in fixed windows.
type RateLimitConfig struct {
	// MaxRequests per Window. Zero disables limiting.
	MaxRequests int
	// Window length. Default: 1m.
	Window time.Duration
	// Exclude lists path prefixes that are never limited, e.g. "/healthz".
	Exclude []string
	Now     func() time.Time
	Logger  *slog.Logger
}

func (c *RateLimitConfig) defaults() {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter keeps one fixed-window bucket per client IP in memory. Every
// uncached fingerprint request fans out to the target's upstream assets.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter creates a limiter. Call StartGC to drop expired buckets
// periodically.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	cfg.defaults()
	return &RateLimiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

// StartGC drops expired buckets every Window until done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}) {
	tick := time.NewTicker(rl.cfg.Window)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() {
	now := rl.cfg.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, ip)
		}
	}
}

// allow counts one request from ip and reports whether it is within the
// limit, and when the window resets.
func (rl *RateLimiter) allow(ip string) (bool, time.Time) {
	if rl.cfg.MaxRequests <= 0 {
		return true, time.Time{}
	}
	now := rl.cfg.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(rl.cfg.Window)}
		rl.buckets[ip] = b
	}
	b.count++
	return b.count <= rl.cfg.MaxRequests, b.resetAt
}

// Middleware enforces the limit with a 429 JSON response and Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.cfg.Exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := ExtractIP(r)
		ok, resetAt := rl.allow(ip)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		rl.cfg.Logger.Warn("shield: rate limit exceeded", "ip", ip, "path", r.URL.Path)
		wait := int(resetAt.Sub(rl.cfg.Now()).Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(wait))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
