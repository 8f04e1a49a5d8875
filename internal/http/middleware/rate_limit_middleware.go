package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fleetops/fleetguard/internal/http/response"
	"github.com/fleetops/fleetguard/internal/service"
)

// ThrottleByClientIP is a coarse per-IP limiter for API paths, built on the
// same attempt-window primitives the login limiter uses. Exceeding the
// limit installs a temporary block.
func ThrottleByClientIP(limiter *service.RateLimiter, max int64, window, blockFor time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			blocked, err := limiter.IsBlocked(r.Context(), ip)
			if err != nil {
				// Fail closed: limiter backend trouble must not open the gate.
				response.Error(w, r, http.StatusServiceUnavailable, "RATE_LIMITER_UNAVAILABLE", "try again later", nil)
				return
			}
			if blocked {
				writeRetryAfter(w, blockFor)
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			count, err := limiter.RecordAttempt(r.Context(), ip, window)
			if err != nil {
				response.Error(w, r, http.StatusServiceUnavailable, "RATE_LIMITER_UNAVAILABLE", "try again later", nil)
				return
			}
			if count > max {
				if err := limiter.BlockTemporarily(r.Context(), ip, blockFor); err != nil {
					response.Error(w, r, http.StatusServiceUnavailable, "RATE_LIMITER_UNAVAILABLE", "try again later", nil)
					return
				}
				writeRetryAfter(w, blockFor)
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRetryAfter(w http.ResponseWriter, d time.Duration) {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

// ClientIP returns the request's client address without the port. Runs
// behind chi's RealIP, which already folds in X-Forwarded-For.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
