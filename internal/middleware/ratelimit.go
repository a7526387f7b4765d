package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit creates rate limiting middleware for all authenticated routes.
func RateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	return limit(requestLimit, windowLength, "rate limit exceeded")
}

// ChatQuota limits chat turns per user. Exhaustion answers 429 with a
// "quota exceeded" detail that clients show as the failed reply.
func ChatQuota(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	return limit(requestLimit, windowLength, "quota exceeded")
}

// limit returns a pass-through middleware when either bound is not positive.
func limit(requestLimit int, windowLength time.Duration, detail string) func(http.Handler) http.Handler {
	if requestLimit <= 0 || windowLength <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	retryAfter := strconv.Itoa(int(windowLength.Seconds()))
	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			// Limit by user if authenticated, otherwise by IP
			if userID := GetUserID(r.Context()); userID != "" {
				return "user:" + userID, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", retryAfter)
			writeDetail(w, http.StatusTooManyRequests, detail)
		}),
	)
}
