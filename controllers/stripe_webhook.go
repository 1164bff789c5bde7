package controller

import (
	"encoding/json"
	"log"
	"time"

	"funneltrack/config"
	"funneltrack/engine"
	"funneltrack/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"gorm.io/gorm"
)

// PurchaseEventName is the funnel event emitted for completed checkouts
const PurchaseEventName = "purchase_approved"

type StripeWebhookController struct {
	DB     *gorm.DB
	Engine *engine.Engine
	Logger *log.Logger
}

func NewStripeWebhookController(db *gorm.DB, logger *log.Logger) *StripeWebhookController {
	return &StripeWebhookController{
		DB:     db,
		Engine: engine.NewEngine(db, logger),
		Logger: logger,
	}
}

// HandleStripeWebhook translates Stripe checkout completions into funnel
// events. The target funnel is carried in the checkout session metadata
// (key "funnel_token", ClientReferenceID as fallback); sessions without a
// resolvable active funnel are acknowledged and dropped so Stripe stops
// retrying them.
func (sc *StripeWebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	event, err := constructStripeEvent(c)
	if err != nil {
		sc.Logger.Printf("failed to construct stripe event: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid webhook payload",
		})
	}

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			sc.Logger.Printf("failed to parse checkout session: %v", err)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Error parsing checkout session",
			})
		}
		return sc.handleCheckoutCompleted(c, event.ID, event.Data.Raw, &session)

	default:
		return c.SendStatus(fiber.StatusOK)
	}
}

func (sc *StripeWebhookController) handleCheckoutCompleted(c *fiber.Ctx, eventID string, raw []byte, session *stripe.CheckoutSession) error {
	token := session.Metadata["funnel_token"]
	if token == "" {
		token = session.ClientReferenceID
	}

	var funnel models.Funnel
	if err := sc.DB.Where("token = ? AND is_active = ?", token, true).First(&funnel).Error; err != nil {
		sc.Logger.Printf("checkout session %s has no resolvable funnel, dropping", session.ID)
		return c.SendStatus(fiber.StatusOK)
	}

	var phone, email, name string
	if session.CustomerDetails != nil {
		phone = session.CustomerDetails.Phone
		email = session.CustomerDetails.Email
		name = session.CustomerDetails.Name
	}

	result, err := sc.Engine.Process(&funnel, engine.EventInput{
		Event:          PurchaseEventName,
		Phone:          phone,
		Email:          email,
		Name:           name,
		IdempotencyKey: "stripe:" + eventID,
		Source:         "stripe",
		RawPayload:     raw,
		Timestamp:      time.Unix(session.Created, 0).Format(time.RFC3339),
	})
	if err != nil {
		return sc.handleProcessError(c, &funnel, err)
	}

	if result.Action != engine.ActionIdempotentSkip {
		sale := models.Sale{
			UserID:      funnel.UserID,
			LeadID:      &result.LeadID,
			FunnelID:    funnel.ID,
			AmountCents: session.AmountTotal,
			Currency:    string(session.Currency),
			Provider:    "stripe",
			ProviderRef: session.ID,
		}
		if err := sc.DB.Create(&sale).Error; err != nil {
			sc.Logger.Printf("failed to record sale for session %s: %v", session.ID, err)
		}
	}

	return c.JSON(fiber.Map{
		"ok":      true,
		"lead_id": result.LeadID,
		"action":  result.Action,
	})
}

func (sc *StripeWebhookController) handleProcessError(c *fiber.Ctx, funnel *models.Funnel, err error) error {
	sc.Logger.Printf("stripe event processing failed for funnel %d: %v", funnel.ID, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to process event",
	})
}

// constructStripeEvent securely constructs and verifies a Stripe webhook
// event with tolerance for clock drift
func constructStripeEvent(c *fiber.Ctx) (stripe.Event, error) {
	signature := c.Get("Stripe-Signature")
	if signature == "" {
		return stripe.Event{}, fiber.NewError(fiber.StatusBadRequest, "Missing Stripe-Signature header")
	}

	return webhook.ConstructEventWithTolerance(
		c.Body(),
		signature,
		config.AppConfig.StripeWebhookSecret,
		5*time.Minute,
	)
}
