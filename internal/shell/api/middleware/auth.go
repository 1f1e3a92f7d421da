// Package middleware provides HTTP middleware for the lambdaroll API.
package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/artpar/lambdaroll/internal/core/auth"
	"github.com/golang-jwt/jwt/v5"
)

// =============================================================================
// Auth Configuration
// =============================================================================

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// SharedSecret, when set, must be sent in X-Gateway-Secret on every
	// request. Empty disables the check.
	SharedSecret string

	// TokenSecret verifies HS256 bearer tokens; the sub claim becomes the
	// caller identity. Empty ignores bearer tokens.
	TokenSecret []byte

	// Logger for auth middleware logging.
	Logger *slog.Logger
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware extracts the caller identity from gateway headers and
// stores it in the request context.
type AuthMiddleware struct {
	config AuthConfig
}

// NewAuthMiddleware creates a new auth middleware with the given config.
func NewAuthMiddleware(cfg AuthConfig) *AuthMiddleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AuthMiddleware{config: cfg}
}

// Handler returns the middleware handler function.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.config.SharedSecret != "" {
			if r.Header.Get(auth.HeaderGatewaySecret) != m.config.SharedSecret {
				m.config.Logger.Warn("invalid gateway secret",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
				)
				writeJSONError(w, http.StatusForbidden, "invalid gateway secret", "forbidden")
				return
			}
		}

		ctx := auth.ExtractFromRequest(r)
		if !ctx.Authenticated && len(m.config.TokenSecret) > 0 {
			if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				sub, err := m.verify(token)
				if err != nil {
					m.config.Logger.Warn("invalid bearer token",
						"remote_addr", r.RemoteAddr,
						"path", r.URL.Path,
						"error", err,
					)
					writeJSONError(w, http.StatusUnauthorized, "invalid bearer token", "unauthorized")
					return
				}
				ctx = auth.FromSubject(sub)
			}
		}
		r = r.WithContext(auth.WithContext(r.Context(), ctx))

		next.ServeHTTP(w, r)
	})
}

// verify checks the token signature and expiry and returns its subject.
func (m *AuthMiddleware) verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.config.TokenSecret, nil
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// =============================================================================
// Require Auth Middleware
// =============================================================================

// RequireAuth rejects requests without an identity. Must be used after
// AuthMiddleware.
func RequireAuth(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.FromContext(r.Context()).Authenticated {
				logger.Warn("unauthenticated request to protected endpoint",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
					"method", r.Method,
				)
				writeJSONError(w, http.StatusUnauthorized, "authentication required", "unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// errorBody mirrors api.ErrorResponse so middleware and handlers answer alike.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: message, Code: code})
}
