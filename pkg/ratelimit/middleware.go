package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"notesync/pkg/auth"
	"notesync/pkg/httpx"
)

// Middleware limits requests per authenticated identity. It must run after
// auth.Middleware; requests without an identity pass through untouched.
// onLimited, if set, is called for every rejected request.
func Middleware(l Limiter, limit int, onLimited func(*http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok || l == nil {
				next.ServeHTTP(w, r)
				return
			}
			d := l.Allow(r.Context(), "mut:"+id.String(), limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				if onLimited != nil {
					onLimited(r)
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter(time.Now().UTC())/time.Second)))
				httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
