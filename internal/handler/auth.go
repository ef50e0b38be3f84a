package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/docforge/api/internal/middleware"
)

// AuthHandler answers the gateway's ForwardAuth checks
type AuthHandler struct {
	auth *middleware.AuthMiddleware
}

func NewAuthHandler(auth *middleware.AuthMiddleware) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// Verify handles GET /auth/verify. 200 with X-User-* headers, or 401.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	id, err := h.auth.Identify(c.Get("Authorization"))
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
