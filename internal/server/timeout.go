package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware caps every request's context at the configured budget,
// so upstream calls made by handlers inherit the remaining deadline.
// Cancellation is cooperative: handlers observe ctx.Done, nothing is killed.
// A non-positive budget disables the cap.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if timeout <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
