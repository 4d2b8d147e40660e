package quota

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/wide-ide/wide/internal/fileops"
	"github.com/wide-ide/wide/internal/logging"
	"github.com/wide-ide/wide/internal/metrics"
)

// ClientIP extracts the client address, honouring proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

// RateLimitMiddleware returns middleware that enforces per-client rate
// limits. Rejected requests get a 429 with the action envelope.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limiter.Unlimited() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := ClientIP(r)
			if !limiter.Allow(client) {
				metrics.RecordRateLimitHit()
				logging.WithContext(r.Context()).Warn("Rate limit exceeded",
					zap.String("client", client))

				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(client)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(fileops.Failure(fileops.KindTooManyRequests, fileops.MsgTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
