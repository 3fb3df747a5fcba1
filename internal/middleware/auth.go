package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/splitvox/api/internal/auth"
	"github.com/splitvox/api/pkg/response"
)

// AuthMiddleware resolves the optional caller identity. Submission and
// status polling are open to anonymous callers (the free trial), so
// identity is attached when present rather than demanded up front.
type AuthMiddleware struct {
	jwtSecret string
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{jwtSecret: jwtSecret}
}

// Optional attaches the caller identity when a bearer token is
// supplied. No header means an anonymous caller; a token that is
// supplied but invalid is still rejected.
func (m *AuthMiddleware) Optional() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Next()
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		claims, err := auth.ValidateToken(parts[1], m.jwtSecret)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		c.Locals("userId", claims.UserID)
		c.Locals("email", claims.Email)
		return c.Next()
	}
}

// Required rejects anonymous callers. Used by the credit endpoints,
// which have no meaning without an identity.
func (m *AuthMiddleware) Required() fiber.Handler {
	optional := m.Optional()
	return func(c *fiber.Ctx) error {
		if c.Get("Authorization") == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}
		return optional(c)
	}
}

// GatewayAuthMiddleware reads user identity from X-User-* headers set
// by Traefik ForwardAuth. Absence of the headers means an anonymous
// caller; the gateway has already rejected invalid credentials.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if userID := c.Get("X-User-Id"); userID != "" {
			c.Locals("userId", userID)
			c.Locals("email", c.Get("X-User-Email"))
		}
		return c.Next()
	}
}

// GetUserID extracts user ID from context; empty for anonymous callers.
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// OwnerID returns the caller identity as the orchestrator expects it:
// nil for anonymous callers.
func OwnerID(c *fiber.Ctx) *string {
	if userID := GetUserID(c); userID != "" {
		return &userID
	}
	return nil
}
