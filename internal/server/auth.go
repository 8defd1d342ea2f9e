package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// DashboardAuthMiddleware guards the control-plane surface with a single
// dashboard API key. keyFn is consulted per request so a key generated at
// runtime takes effect immediately. The key is accepted as a Bearer token or
// in the X-Dashboard-Key header. An empty key disables the check, which is
// intended for local development only.
func DashboardAuthMiddleware(keyFn func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn()
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			presented := r.Header.Get("X-Dashboard-Key")
			if presented == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
					presented = auth[7:]
				}
			}
			if presented == "" {
				http.Error(w, "Missing dashboard API key", http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(hashKey(presented)), []byte(hashKey(key))) != 1 {
				http.Error(w, "Invalid dashboard API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
