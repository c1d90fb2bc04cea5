package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
)

// KeyFunc extracts the rate-limit key from a request. The default keys by
// client IP.
type KeyFunc func(*http.Request) string

// ClientIPKey keys requests by the remote address, ignoring the port.
func ClientIPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware returns an http middleware enforcing limiter per key. Denied
// requests get a 429 with a JSON error body. Limiter errors fail open: a
// broken limiter should degrade throttling, not take the API down.
func Middleware(limiter Limiter, keyFn KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ClientIPKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter error, failing open", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
