package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireToken is the access gate: mutating requests must carry the
// configured bearer token. Comparison is constant-time. An empty
// configured token disables the gate (local, single-user setups).
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Server.AuthToken
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}
