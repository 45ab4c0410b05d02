package auth

import (
	"errors"
	"net/http"
	"strings"
)

func IsAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := extractClaims(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if claims["role"] != RoleAdmin {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := extractClaims(r); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerAuthenticator derives the principal of a request from a valid bearer
// token. Requests without one are anonymous.
type BearerAuthenticator struct{}

func (BearerAuthenticator) Authenticate(r *http.Request) (string, bool) {
	claims, err := extractClaims(r)
	if err != nil {
		return "", false
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return "", false
	}
	return subject, true
}

func extractClaims(r *http.Request) (map[string]interface{}, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, errors.New("missing or malformed Authorization header")
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return ValidateJWT(token)
}
