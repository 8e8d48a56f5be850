// Package auth provides OIDC bearer authentication for the local
// observer API.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Provider wraps OIDC provider functionality.
type Provider struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	config   *Config
}

// Config holds OIDC provider configuration.
type Config struct {
	// Issuer is the OIDC provider URL (e.g., https://auth.example.com)
	Issuer string

	// ClientID is the OAuth2 client ID tokens must be issued for
	ClientID string

	// SkipIssuerCheck disables issuer validation (use only for testing)
	SkipIssuerCheck bool

	// SkipExpiryCheck disables expiry validation (use only for testing)
	SkipExpiryCheck bool
}

// NewProvider creates a new OIDC provider. It fetches the issuer's
// discovery document, so it needs network access at startup.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create oidc provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:        cfg.ClientID,
		SkipIssuerCheck: cfg.SkipIssuerCheck,
		SkipExpiryCheck: cfg.SkipExpiryCheck,
	})

	return &Provider{
		provider: provider,
		verifier: verifier,
		config:   cfg,
	}, nil
}

// VerifyToken verifies an ID token and returns claims.
func (p *Provider) VerifyToken(ctx context.Context, rawToken string) (*Claims, error) {
	rawToken = strings.TrimPrefix(rawToken, "Bearer ")
	rawToken = strings.TrimPrefix(rawToken, "bearer ")

	idToken, err := p.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}
	return &claims, nil
}

// VerifyAccessToken verifies an opaque access token using the userinfo
// endpoint. Use this for access tokens that aren't JWTs.
func (p *Provider) VerifyAccessToken(ctx context.Context, accessToken string) (*Claims, error) {
	accessToken = strings.TrimPrefix(accessToken, "Bearer ")
	accessToken = strings.TrimPrefix(accessToken, "bearer ")

	userInfo, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
	}))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}

	claims := &Claims{
		Subject: userInfo.Subject,
		Email:   userInfo.Email,
	}

	var extra map[string]interface{}
	if err := userInfo.Claims(&extra); err == nil {
		if name, ok := extra["name"].(string); ok {
			claims.Name = name
		}
		if groups, ok := extra["groups"].([]interface{}); ok {
			for _, g := range groups {
				if gs, ok := g.(string); ok {
					claims.Groups = append(claims.Groups, gs)
				}
			}
		}
	}

	return claims, nil
}

// Claims represents the standard OIDC claims.
type Claims struct {
	Subject  string    `json:"sub"`
	Name     string    `json:"name,omitempty"`
	Email    string    `json:"email,omitempty"`
	Groups   []string  `json:"groups,omitempty"`
	Roles    []string  `json:"roles,omitempty"`
	Expiry   time.Time `json:"exp,omitempty"`
	IssuedAt time.Time `json:"iat,omitempty"`
}

// HasRole checks if the user has a specific role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsExpired checks if the token has expired.
func (c *Claims) IsExpired() bool {
	if c.Expiry.IsZero() {
		return false
	}
	return time.Now().After(c.Expiry)
}
