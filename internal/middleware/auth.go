package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/choreo/internal/auth"
	"github.com/makeasinger/choreo/pkg/response"
)

const (
	localUserID = "userId"
	localEmail  = "email"
	localName   = "name"
)

// AuthMiddleware handles bearer token authentication
type AuthMiddleware struct {
	authenticator *auth.Authenticator
}

// NewAuthMiddleware creates auth middleware backed by a JWKS verifier, the
// legacy HMAC secret, or both.
func NewAuthMiddleware(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{authenticator: auth.NewAuthenticator(verifier, jwtSecret)}
}

// Authenticate validates JWT token from Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := m.authenticator.Authenticate(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrMissingToken):
				return response.Unauthorized(c, "Missing authorization header")
			case errors.Is(err, auth.ErrMalformedHeader):
				return response.Unauthorized(c, "Invalid authorization header format")
			case errors.Is(err, auth.ErrNotConfigured):
				return response.Unauthorized(c, "Authentication not configured")
			}
			return response.Unauthorized(c, "Invalid or expired token")
		}

		setIdentity(c, id)
		return c.Next()
	}
}

func setIdentity(c *fiber.Ctx, id *auth.Identity) {
	c.Locals(localUserID, id.UserID)
	c.Locals(localEmail, id.Email)
	c.Locals(localName, id.Name)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals(localUserID).(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals(localEmail).(string); ok {
		return email
	}
	return ""
}
