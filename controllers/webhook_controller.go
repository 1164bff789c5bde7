package controller

import (
	"errors"
	"log"
	"strconv"

	"funneltrack/engine"
	"funneltrack/models"
	"funneltrack/utils"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type WebhookController struct {
	DB     *gorm.DB
	Engine *engine.Engine
	Logger *log.Logger
}

func NewWebhookController(db *gorm.DB, logger *log.Logger) *WebhookController {
	return &WebhookController{
		DB:     db,
		Engine: engine.NewEngine(db, logger),
		Logger: logger,
	}
}

// HandleFunnelEvent ingests one event pushed by an external tool for the
// funnel authenticated by FunnelAuth. The response always carries the
// resolved lead, the resulting stage (null when nothing moved) and one of
// the three outcome actions.
func (wc *WebhookController) HandleFunnelEvent(c *fiber.Ctx) error {
	funnel := c.Locals("funnel").(*models.Funnel)

	var input struct {
		Event          string                 `json:"event"`
		Phone          string                 `json:"phone"`
		Email          string                 `json:"email"`
		Name           string                 `json:"name" validate:"omitempty,max=200"`
		IdempotencyKey string                 `json:"idempotency_key" validate:"omitempty,max=100"`
		Metadata       map[string]interface{} `json:"metadata"`
		Timestamp      string                 `json:"timestamp"`
	}

	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"ok":    false,
			"error": "Invalid request body",
		})
	}

	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"ok":    false,
			"error": err.Error(),
		})
	}

	// The raw body outlives this handler inside the event ledger, and
	// fiber reuses its buffers, so copy it.
	raw := make([]byte, len(c.Body()))
	copy(raw, c.Body())

	result, err := wc.Engine.Process(funnel, engine.EventInput{
		Event:          input.Event,
		Phone:          input.Phone,
		Email:          input.Email,
		Name:           input.Name,
		IdempotencyKey: input.IdempotencyKey,
		Metadata:       input.Metadata,
		Timestamp:      input.Timestamp,
		Source:         "webhook",
		RawPayload:     raw,
	})
	if err != nil {
		return wc.handleProcessError(c, funnel, err)
	}

	return c.JSON(fiber.Map{
		"ok":       true,
		"lead_id":  result.LeadID,
		"stage_id": result.StageID,
		"action":   result.Action,
	})
}

func (wc *WebhookController) handleProcessError(c *fiber.Ctx, funnel *models.Funnel, err error) error {
	if errors.Is(err, engine.ErrNoIdentifier) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"ok":    false,
			"error": "Either phone or email is required",
		})
	}

	var perr *engine.PersistenceError
	if errors.As(err, &perr) {
		wc.Logger.Printf("event processing failed at %s for funnel %d: %v", perr.Step, funnel.ID, perr.Err)
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("funnel_id", strconv.FormatUint(uint64(funnel.ID), 10))
			scope.SetTag("step", perr.Step)
			sentry.CaptureException(perr)
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"ok":    false,
			"error": "Failed to process event at step " + perr.Step,
		})
	}

	wc.Logger.Printf("event processing failed for funnel %d: %v", funnel.ID, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"ok":    false,
		"error": "Failed to process event",
	})
}
