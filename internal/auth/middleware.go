package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

// contextKey is used for storing claims in context.
type contextKey string

const claimsContextKey contextKey = "claims"

// Middleware enforces bearer authentication on the observer API.
type Middleware struct {
	provider      *Provider
	enabled       bool
	publicPaths   map[string]bool
	requiredRoles []string
}

// MiddlewareConfig holds middleware configuration.
type MiddlewareConfig struct {
	// Enabled controls whether auth is enforced
	Enabled bool

	// PublicPaths are paths that don't require authentication
	PublicPaths []string

	// RequiredRoles are roles required for all protected endpoints
	RequiredRoles []string
}

// NewMiddleware creates a new auth middleware. Health and metrics
// endpoints are always public.
func NewMiddleware(provider *Provider, cfg *MiddlewareConfig) *Middleware {
	if cfg == nil {
		cfg = &MiddlewareConfig{}
	}

	publicPaths := map[string]bool{
		"/health":  true,
		"/healthz": true,
		"/ready":   true,
		"/metrics": true,
	}
	for _, p := range cfg.PublicPaths {
		publicPaths[p] = true
	}

	return &Middleware{
		provider:      provider,
		enabled:       cfg.Enabled,
		publicPaths:   publicPaths,
		requiredRoles: cfg.RequiredRoles,
	}
}

// Handler returns the auth middleware handler.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if !m.enabled || m.provider == nil {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.unauthorized(w, "missing authorization header")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			m.unauthorized(w, "invalid authorization header format")
			return
		}

		claims, err := m.provider.VerifyToken(r.Context(), token)
		if err != nil {
			// Try as an opaque access token via userinfo.
			claims, err = m.provider.VerifyAccessToken(r.Context(), token)
			if err != nil {
				m.unauthorized(w, "invalid token")
				return
			}
		}

		if claims.IsExpired() {
			m.unauthorized(w, "token expired")
			return
		}

		if len(m.requiredRoles) > 0 {
			hasRole := false
			for _, role := range m.requiredRoles {
				if claims.HasRole(role) {
					hasRole = true
					break
				}
			}
			if !hasRole {
				m.forbidden(w, "insufficient permissions")
				return
			}
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="invene"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (m *Middleware) forbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// RateLimiter provides global rate limiting for the observer API.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a new rate limiter.
// rps is requests per second, burst is the maximum burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Handler returns the rate limiting middleware handler.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter.Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
