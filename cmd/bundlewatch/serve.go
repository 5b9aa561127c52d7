package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/spf13/cobra"
	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/bundlewatch/bundle"
	"github.com/hazyhaar/bundlewatch/idgen"
	"github.com/hazyhaar/bundlewatch/kit"
	"github.com/hazyhaar/bundlewatch/shield"
)

var (
	serveAddr      string
	serveCacheTTL  time.Duration
	serveRateLimit int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve fingerprints over HTTP",
	Long: `Runs an HTTP API:

  GET /healthz
  GET /v1/targets
  GET /v1/targets/{name}/fingerprint[?fresh=1]

Fingerprints are cached per target for --cache-ttl; concurrent requests for
one target share a single scan. ?fresh=1 bypasses the cache.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().DurationVar(&serveCacheTTL, "cache-ttl", 5*time.Minute, "How long a fingerprint is served from cache")
	serveCmd.Flags().IntVar(&serveRateLimit, "rate-limit", 30, "Requests per minute per client IP (0 disables)")
}

// scanTimeout bounds a shared scan, which outlives the request that
// started it.
const scanTimeout = 2 * time.Minute

type server struct {
	fp      bundle.Fingerprinter
	targets map[string]bundle.Target
	cache   *expirable.LRU[string, *bundle.Record]
	group   singleflight.Group
	scan    kit.Endpoint
	logger  *slog.Logger
}

func newServer(fp bundle.Fingerprinter, targets map[string]bundle.Target, ttl time.Duration, logger *slog.Logger) *server {
	s := &server{
		fp:      fp,
		targets: targets,
		cache:   expirable.NewLRU[string, *bundle.Record](len(targets)+1, nil, ttl),
		logger:  logger,
	}
	s.scan = kit.Chain(
		kit.WithRunIDFrom(idgen.Default),
		kit.Logging(logger, "fingerprint"),
	)(func(ctx context.Context, req any) (any, error) {
		t := req.(bundle.Target)
		return s.fp.Scan(kit.WithTarget(ctx, t.Name), t)
	})
	return s
}

func (s *server) routes(rl *shield.RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.DefaultStack(rl, s.logger) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeHTTPJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1/targets", func(r chi.Router) {
		r.Get("/", s.handleTargets)
		r.Get("/{name}/fingerprint", s.handleFingerprint)
	})
	return r
}

func (s *server) handleTargets(w http.ResponseWriter, _ *http.Request) {
	writeHTTPJSON(w, http.StatusOK, bundle.Summaries(s.targets))
}

func (s *server) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t, err := bundle.Lookup(s.targets, name)
	if err != nil {
		writeHTTPError(w, err)
		return
	}

	fresh := r.URL.Query().Get("fresh") == "1"
	if !fresh {
		if rec, ok := s.cache.Get(name); ok {
			w.Header().Set("X-Cache", "hit")
			writeHTTPJSON(w, http.StatusOK, rec)
			return
		}
	}

	// Shared by every caller of this target; detached from any one request.
	ctx := context.WithoutCancel(r.Context())
	v, err, shared := s.group.Do(name, func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, scanTimeout)
		defer cancel()
		resp, err := s.scan(ctx, t)
		if err != nil {
			return nil, err
		}
		rec := resp.(*bundle.Record)
		s.cache.Add(name, rec)
		return rec, nil
	})
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	if shared {
		shield.GetLogger(r.Context()).Debug("serve: shared scan", "target", name)
	}
	w.Header().Set("X-Cache", "miss")
	writeHTTPJSON(w, http.StatusOK, v)
}

func writeHTTPJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeHTTPError maps the scan error taxonomy to status codes.
func writeHTTPError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}
	status := http.StatusInternalServerError
	var missing *bundle.MissingDataError
	switch {
	case errors.Is(err, bundle.ErrUnknownTarget):
		status = http.StatusNotFound
	case errors.As(err, &missing):
		status = http.StatusUnprocessableEntity
		body["field"] = string(missing.Field)
	case errors.Is(err, bundle.ErrFetch):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeHTTPJSON(w, status, body)
}

func runServe(cmd *cobra.Command, _ []string) error {
	targets, err := loadTargets()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	rl := shield.NewRateLimiter(shield.RateLimitConfig{
		MaxRequests: serveRateLimit,
		Exclude:     []string{"/healthz"},
		Logger:      logger,
	})
	rl.StartGC(ctx.Done())

	s := newServer(newScanner(), targets, serveCacheTTL, logger)
	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           s.routes(rl),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("serve: listening", "addr", serveAddr, "targets", len(targets))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("serve: shutting down")
	return srv.Shutdown(shutdownCtx)
}
