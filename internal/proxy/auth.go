package proxy

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/roelfdiedericks/clawproxy/internal/logging"
)

// bearerAuth middleware enforces the shared bearer token on every endpoint
// except health. The comparison is constant time over fixed-size digests so
// neither content nor length leaks.
func (s *Server) bearerAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			logging.L_warn("proxy: missing bearer token", "ip", clientIP(r), "path", r.URL.Path)
			http.Error(w, "Missing Bearer token. Pass the token printed at gateway startup as: Authorization: Bearer <token>", http.StatusUnauthorized)
			return
		}

		if !tokenEqual(token, s.cfg.Token) {
			logging.L_warn("proxy: invalid bearer token", "ip", clientIP(r), "path", r.URL.Path)
			http.Error(w, "Invalid Bearer token. Check CLAWPROXY_TOKEN on the gateway host.", http.StatusUnauthorized)
			return
		}

		handler(w, r)
	}
}

func tokenEqual(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}

// clientIP extracts the caller address for request logs.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
