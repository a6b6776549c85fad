package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireToken rejects requests that do not carry "Authorization: Bearer
// <token>". An empty token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return RequireTokenOrTicket(token, nil)
}

// RequireTokenOrTicket is RequireToken that also accepts a valid ticket in
// the "ticket" query parameter. Browsers cannot set headers on a websocket
// handshake, so the status stream is opened this way.
func RequireTokenOrTicket(token string, tickets *Tickets) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if ok && subtle.ConstantTimeCompare([]byte(got), want) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if tickets != nil {
				if t := r.URL.Query().Get("ticket"); t != "" && tickets.Verify(t) == nil {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="glowcore"`)
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		})
	}
}
