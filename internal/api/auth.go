package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"mathviz/internal/apperr"
)

type ctxKey int

const userIDKey ctxKey = iota

// userID extracts the authenticated user from the request context.
func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// authMiddleware verifies the bearer JWT (HS256 shared secret, suitable
// behind a service gateway) and injects the subject as the trusted user id.
// Expired tokens carry requires_refresh so clients know to renew instead of
// re-authenticating.
func authMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" || raw == r.Header.Get("Authorization") {
				writeProblem(w, http.StatusUnauthorized, apperr.KindAuth, "missing bearer token", nil)
				return
			}

			token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return key, nil
			}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(30*time.Second))
			if err != nil {
				if errors.Is(err, jwt.ErrTokenExpired) {
					writeProblem(w, http.StatusUnauthorized, apperr.KindAuth, "token expired",
						map[string]any{"requires_refresh": true})
					return
				}
				writeProblem(w, http.StatusUnauthorized, apperr.KindAuth, "invalid token", nil)
				return
			}

			sub, err := token.Claims.GetSubject()
			if err != nil || sub == "" {
				writeProblem(w, http.StatusUnauthorized, apperr.KindAuth, "token has no subject", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, sub)))
		})
	}
}
