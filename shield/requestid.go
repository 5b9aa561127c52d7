package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/bundlewatch/horosafe"
	"github.com/hazyhaar/bundlewatch/idgen"
	"github.com/hazyhaar/bundlewatch/kit"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-Id"

// RequestID tags each request with an ID: the caller's X-Request-Id when it
// is a short safe identifier, else one from gen (default "req_" + 12
// base-36 chars). The ID goes into the kit context, the response header and
// a per-request logger stored under LoggerKey. The transport is set to
// "http".
func RequestID(gen idgen.Generator, logger *slog.Logger) func(http.Handler) http.Handler {
	if gen == nil {
		gen = idgen.Prefixed("req_", idgen.NanoID(12))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if len(id) > 64 || horosafe.ValidateIdentifier(id) != nil {
				id = gen()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := kit.WithTransport(kit.WithRequestID(r.Context(), id), "http")
			reqLog := logger.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", ExtractIP(r),
			)
			ctx = context.WithValue(ctx, LoggerKey, reqLog)
			reqLog.Debug("shield: request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
