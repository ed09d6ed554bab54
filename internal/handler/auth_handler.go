package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/choreo/internal/auth"
)

// AuthHandler answers the gateway's forward-auth checks
type AuthHandler struct {
	authenticator *auth.Authenticator
}

func NewAuthHandler(verifier auth.TokenVerifier, jwtSecret string) *AuthHandler {
	return &AuthHandler{authenticator: auth.NewAuthenticator(verifier, jwtSecret)}
}

// Verify handles GET /auth/verify. It returns 200 with X-User-* headers on
// success and 401 otherwise.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	id, err := h.authenticator.Authenticate(c.Get(fiber.HeaderAuthorization))
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set("X-User-Id", id.UserID)
	c.Set("X-User-Email", id.Email)
	if id.Name != "" {
		c.Set("X-User-Name", id.Name)
	}
	return c.SendStatus(fiber.StatusOK)
}
