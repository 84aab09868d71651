package middleware

import (
	"context"
	"net/http"
	"strings"

	"inkdown-docsync/pkg/jwt"
	"inkdown-docsync/pkg/response"

	"github.com/golang/glog"
)

type contextKey string

const UserIDKey contextKey = "userID"

// AuthMiddleware accepts only access tokens. Refresh tokens are rejected even
// when their signature is valid.
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			claims, err := jwt.ValidateToken(parts[1], jwtSecret)
			if err != nil {
				glog.V(1).Infof("[Auth] rejected token from %s: %v", r.RemoteAddr, err)
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			if claims.TokenType != jwt.AccessToken {
				response.Unauthorized(w, "Access token required")
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUserID(r *http.Request) string {
	userID, ok := r.Context().Value(UserIDKey).(string)
	if !ok {
		return ""
	}
	return userID
}
