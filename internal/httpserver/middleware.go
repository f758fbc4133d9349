// Package httpserver assembles the chi router and middleware stack exposed
// to the outside world: the webhook endpoint and the Task Control API.
// Structure adapted from the corpus's API gateway, trimmed to what a single
// webhook-plus-admin-API surface needs.
package httpserver

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/crosslogic/control-plane/pkg/cache"
	"go.uber.org/zap"
)

// securityHeaders sets a fixed set of response headers on every request.
// Values mirror the corpus's gateway defaults; this domain has no
// configurable per-deployment CSP, so the policy isn't parameterized.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")
		next.ServeHTTP(w, r)
	})
}

// adminAuth rejects any request whose X-Admin-Token header does not match token,
// compared in constant time so a timing side channel can't narrow it down
// character by character.
func adminAuth(token string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			given := r.Header.Get("X-Admin-Token")
			if given == "" || subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
				logger.Warn("rejected admin request", zap.String("path", r.URL.Path), zap.String("remote_addr", r.RemoteAddr))
				http.Error(w, "invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit throttles a path by remote address using a fixed-window counter
// in Redis, protecting the public webhook endpoint from a delivery storm
// without needing the corpus's tiered key/environment/tenant scheme (there
// are no API keys on this surface, just one inbound webhook route).
func rateLimit(c *cache.Cache, limitPerMinute int64, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			now := time.Now()
			key := fmt.Sprintf("ratelimit:%s:%s:%s", r.URL.Path, remoteIP(r), now.Format("2006-01-02T15:04"))

			count, err := c.Incr(ctx, key)
			if err != nil {
				logger.Warn("rate limiter unavailable, failing open", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				_ = c.Expire(ctx, key, 65*time.Second)
			}
			if count > limitPerMinute {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("duration", time.Since(start).String()),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
