package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/roomchat/internal/identity"
	"github.com/roomchat/internal/logger"
)

// Token reads the bearer token from the Authorization header, or the token query
// parameter for WebSocket upgrades where browsers cannot set headers.
func Token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// Authenticate validates the request token through v and stores the user id in the context.
func Authenticate(v identity.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.Verify(r.Context(), Token(r))
			if err != nil {
				if !errors.Is(err, identity.ErrUnauthorized) {
					logger.Warnf("identity verify: %v", err)
				}
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id.UserID)))
		})
	}
}
