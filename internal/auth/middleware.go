package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const localsKey = "user"

// Middleware returns a Fiber middleware that parses an optional bearer token
// into a UserContext. Requests without a token proceed anonymously; a token
// that fails to parse is rejected so tenant scoping can never be spoofed by
// a garbage header.
func Middleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return c.Next()
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid auth header format")
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid or expired token")
		}

		c.Locals(localsKey, &UserContext{
			ID:       claims.Subject,
			Roles:    claims.Roles,
			TenantID: claims.TenantID,
		})

		return c.Next()
	}
}

// GetUser extracts the UserContext from a Fiber context, nil if anonymous.
func GetUser(c *fiber.Ctx) *UserContext {
	user, _ := c.Locals(localsKey).(*UserContext)
	return user
}
