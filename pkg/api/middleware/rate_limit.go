package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ordersaga/ordersaga/pkg/api/response"
	"golang.org/x/time/rate"
)

// RateLimit rejects requests beyond a token bucket of rps and burst with 429.
// The bucket is shared by every client of the process.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reservation := limiter.Reserve()
			if !reservation.OK() {
				tooMany(w, r, time.Second)
				return
			}
			if delay := reservation.Delay(); delay > 0 {
				reservation.Cancel()
				tooMany(w, r, delay)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tooMany(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	response.Error(w,
		http.StatusTooManyRequests,
		response.ErrCodeTooManyRequests,
		"rate limit exceeded",
		GetRequestID(r.Context()),
	)
}
