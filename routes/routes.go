package routes

import (
	"log"
	"os"

	controller "funneltrack/controllers"
	"funneltrack/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"
)

func SetupAuthRoutes(app *fiber.App, db *gorm.DB) {
	authLogger := log.New(os.Stdout, "AUTH: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Auth routes group with logging middleware
	auth := app.Group("/auth", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Public auth endpoints (no authentication required)
	auth.Post("/register", controller.Register)
	auth.Post("/login", controller.Login)
	auth.Post("/refresh", controller.RefreshToken)

	// Protected auth endpoints (require valid JWT)
	protectedAuth := auth.Group("", middleware.Protected())
	protectedAuth.Get("/me", controller.GetCurrentUser)

	authLogger.Println("Authentication routes initialized successfully")
}

// SetupWebhookRoutes wires the ingestion surface: funnel-token
// authenticated event delivery plus the Stripe adapter. These routes are
// what the external automation tools call; they never see the JWT side.
func SetupWebhookRoutes(app *fiber.App, db *gorm.DB) {
	webhookLogger := log.New(os.Stdout, "WEBHOOK: ", log.Ldate|log.Ltime|log.Lshortfile)

	webhookController := controller.NewWebhookController(db, webhookLogger)
	stripeController := controller.NewStripeWebhookController(db, log.New(os.Stdout, "STRIPE: ", log.LstdFlags))

	webhook := app.Group("/webhook", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	webhook.Post("/events",
		middleware.FunnelAuth(db),
		middleware.WebhookRateLimiter(),
		webhookController.HandleFunnelEvent,
	)
	webhook.Post("/stripe", stripeController.HandleStripeWebhook)

	webhookLogger.Println("Webhook routes initialized successfully")
}

func SetupAPIRoutes(app *fiber.App, db *gorm.DB) {
	funnelController := controller.NewFunnelController(db, log.New(os.Stdout, "FUNNEL: ", log.LstdFlags))
	leadController := controller.NewLeadController(db, log.New(os.Stdout, "LEAD: ", log.LstdFlags))

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Funnel routes
	funnel := api.Group("/funnels")
	funnel.Post("/", funnelController.CreateFunnel)
	funnel.Get("/", funnelController.GetFunnels)
	funnel.Get("/:id", funnelController.GetFunnel)
	funnel.Put("/:id", funnelController.UpdateFunnel)
	funnel.Post("/:id/token/rotate", funnelController.RotateToken)
	funnel.Post("/:id/stages", funnelController.CreateStage)
	funnel.Post("/:id/rules", funnelController.CreateRule)
	funnel.Delete("/:id/rules/:ruleID", funnelController.DeleteRule)
	funnel.Post("/:id/clear", funnelController.ClearFunnel)

	// Lead routes (read-only, the engine owns all writes)
	lead := api.Group("/leads")
	lead.Get("/", leadController.GetLeads)
	lead.Get("/:id", leadController.GetLead)
	lead.Post("/export", leadController.ExportLeads)

	log.Println("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, db *gorm.DB) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupAuthRoutes(app, db)
	SetupWebhookRoutes(app, db)
	SetupAPIRoutes(app, db)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
