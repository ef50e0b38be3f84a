package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/docforge/api/internal/auth"
	"github.com/docforge/api/pkg/response"
)

var (
	ErrMissingToken      = errors.New("missing bearer token")
	ErrInvalidToken      = errors.New("invalid or expired token")
	ErrAuthNotConfigured = errors.New("authentication not configured")
)

// Identity is the caller resolved from a token or from gateway headers
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// AuthMiddleware handles JWT authentication. Provider tokens are checked first;
// the shared HMAC secret is the fallback.
type AuthMiddleware struct {
	verifier  auth.TokenVerifier
	jwtSecret string
}

func NewAuthMiddleware(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// Identify resolves the caller behind an Authorization header value
func (m *AuthMiddleware) Identify(header string) (*Identity, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return nil, ErrMissingToken
	}
	tokenString := parts[1]

	if m.verifier != nil {
		claims, err := m.verifier.Validate(tokenString)
		if err == nil {
			return &Identity{UserID: claims.UserID, Email: claims.Email, Name: claims.Name}, nil
		}
		if m.jwtSecret == "" {
			return nil, ErrInvalidToken
		}
	}

	if m.jwtSecret != "" {
		claims, err := auth.ValidateLegacyToken(tokenString, m.jwtSecret)
		if err != nil {
			return nil, ErrInvalidToken
		}
		return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
	}

	return nil, ErrAuthNotConfigured
}

// Authenticate validates the bearer token and stores the caller in locals
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		id, err := m.Identify(authHeader)
		switch {
		case errors.Is(err, ErrMissingToken):
			return response.Unauthorized(c, "Invalid authorization header format")
		case errors.Is(err, ErrAuthNotConfigured):
			return response.Unauthorized(c, "Authentication not configured")
		case err != nil:
			return response.Unauthorized(c, "Invalid or expired token")
		}

		setIdentity(c, id)
		return c.Next()
	}
}

// GatewayAuth trusts the X-User-* headers set by the gateway's ForwardAuth
func GatewayAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		setIdentity(c, &Identity{
			UserID: userID,
			Email:  c.Get("X-User-Email"),
			Name:   c.Get("X-User-Name"),
		})
		return c.Next()
	}
}

func setIdentity(c *fiber.Ctx, id *Identity) {
	c.Locals("userId", id.UserID)
	c.Locals("email", id.Email)
	c.Locals("name", id.Name)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
