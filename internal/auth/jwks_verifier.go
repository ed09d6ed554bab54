package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/makeasinger/choreo/internal/config"
)

const (
	discoveryTimeout = 30 * time.Second
	clockLeeway      = 30 * time.Second
)

// TokenVerifier checks a bearer token and returns its claims.
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims are the OIDC claims the API reads.
type Claims struct {
	UserID            string   `json:"sub"`
	Email             string   `json:"email,omitempty"`
	Name              string   `json:"name,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWKSVerifier validates tokens against the issuer's published key set.
type JWKSVerifier struct {
	jwks   keyfunc.Keyfunc
	parser *jwt.Parser
}

// NewJWKSVerifier discovers the issuer's JWKS endpoint and starts keeping
// its keys fresh in the background until ctx ends.
func NewJWKSVerifier(ctx context.Context, cfg config.AuthConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("auth issuer is required")
	}
	issuer := strings.TrimRight(cfg.Issuer, "/")

	dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	jwksURL, err := discoverJWKSURL(dctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover JWKS URL: %w", err)
	}

	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	opts := []jwt.ParserOption{
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockLeeway),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384"}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, jwt.WithAudience(cfg.ClientID))
	}

	return &JWKSVerifier{jwks: jwks, parser: jwt.NewParser(opts...)}, nil
}

// discoverJWKSURL reads jwks_uri from the OIDC discovery document.
func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("jwks_uri not found in discovery document")
	}
	return doc.JWKSURI, nil
}

// Validate parses tokenString and checks signature, issuer, expiry and,
// when a client id is configured, audience.
func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// Close is a no-op; the key refresh stops with the context given to
// NewJWKSVerifier.
func (v *JWKSVerifier) Close() error {
	return nil
}
