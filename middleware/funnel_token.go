package middleware

import (
	"errors"
	"strings"

	"funneltrack/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// FunnelAuth resolves the per-funnel webhook secret to an active funnel
// and stores it in the request context. A missing credential is 401; any
// unresolvable credential is 403 — revoked, deactivated and never-issued
// tokens are deliberately indistinguishable to the caller.
func FunnelAuth(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Get("X-Funnel-Token")
		if token == "" {
			// Bearer form is accepted for tools that only speak
			// Authorization headers
			authHeader := c.Get("Authorization")
			if parts := strings.Split(authHeader, " "); len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"ok":    false,
				"error": "Funnel token required",
			})
		}

		var funnel models.Funnel
		err := db.Where("token = ? AND is_active = ?", token, true).First(&funnel).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
					"ok":    false,
					"error": "Invalid funnel token",
				})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"ok":    false,
				"error": "Failed to authenticate funnel token",
			})
		}

		c.Locals("funnel", &funnel)

		return c.Next()
	}
}
