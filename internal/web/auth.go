package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorizeRequest checks the shared token. An empty configured token
// disables auth entirely, which is the default for a loopback-only
// deployment.
func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	presented := requestToken(r)
	return presented != "" &&
		subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) == 1
}

// requestToken extracts the presented token: the ?token= query parameter
// (usable from EventSource and WebSocket clients, which cannot set
// headers) or an Authorization bearer header.
func requestToken(r *http.Request) string {
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok
	}
	scheme, rest, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(rest)
	}
	return ""
}
