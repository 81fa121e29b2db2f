package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/tapcoin/wallet/internal/api/problem"
)

// PublicRateLimiter limits requests per client IP.
func PublicRateLimiter(rps int) func(http.Handler) http.Handler {
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(limitExceeded(fmt.Sprintf("Rate limit of %d req/s exceeded for this IP", rps))),
	)
}

// AuthRateLimiter limits authenticated callers by user id. Taps arrive in bursts, so
// this budget is much larger than the public one.
func AuthRateLimiter(rps int) func(http.Handler) http.Handler {
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if userID, ok := UserIDFromContext(r.Context()); ok {
				return userID.String(), nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(limitExceeded(fmt.Sprintf("Rate limit of %d req/s exceeded for this user", rps))),
	)
}

func limitExceeded(detail string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		problem.Write(w, r, http.StatusTooManyRequests, problem.Type("rate-limit-exceeded"), "", detail)
	}
}
