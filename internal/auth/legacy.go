package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const legacyIssuer = "choreo-api"

var (
	ErrMissingToken      = errors.New("missing authorization header")
	ErrMalformedHeader   = errors.New("invalid authorization header format")
	ErrNotConfigured     = errors.New("authentication not configured")
	ErrInvalidCredential = errors.New("invalid or expired token")
)

// LegacyClaims are carried by HMAC-signed tokens issued before OIDC.
type LegacyClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// ValidateLegacyToken validates a token using HMAC signing
func ValidateLegacyToken(tokenString, secret string) (*LegacyClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &LegacyClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*LegacyClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// IssueLegacyToken signs a token for userID; used by tests and local tools.
func IssueLegacyToken(userID, email, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := LegacyClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    legacyIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Identity is the caller as seen by handlers.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Authenticator tries the JWKS verifier first and falls back to the legacy
// HMAC secret when one is configured.
type Authenticator struct {
	verifier TokenVerifier
	secret   string
}

// NewAuthenticator accepts a nil verifier or an empty secret, not both.
func NewAuthenticator(verifier TokenVerifier, secret string) *Authenticator {
	return &Authenticator{verifier: verifier, secret: secret}
}

// Authenticate checks the value of an Authorization header.
func (a *Authenticator) Authenticate(header string) (*Identity, error) {
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return nil, ErrMalformedHeader
	}

	if a.verifier != nil {
		claims, err := a.verifier.Validate(token)
		if err == nil {
			return &Identity{UserID: claims.UserID, Email: claims.Email, Name: claims.Name}, nil
		}
		if a.secret == "" {
			return nil, ErrInvalidCredential
		}
	}
	if a.secret == "" {
		return nil, ErrNotConfigured
	}

	claims, err := ValidateLegacyToken(token, a.secret)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
}
