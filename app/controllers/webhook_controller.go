package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/subsync/internal/pkg/billing"
)

const webhookTimeout = 15 * time.Second

// WebhookController exposes one endpoint per payment provider. A nil
// processor answers 503 so the provider retries once it is configured.
type WebhookController struct {
	apple  *billing.AppleProcessor
	google *billing.GooglePlayProcessor
	stripe *billing.StripeProcessor
}

func NewWebhookController(apple *billing.AppleProcessor, google *billing.GooglePlayProcessor, stripe *billing.StripeProcessor) *WebhookController {
	return &WebhookController{apple: apple, google: google, stripe: stripe}
}

// HandleAppleNotification receives App Store Server Notifications V2.
func (w *WebhookController) HandleAppleNotification(c *fiber.Ctx) error {
	if w.apple == nil {
		return notConfigured(c, "apple")
	}
	body := append([]byte(nil), c.BodyRaw()...)
	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	res, err := w.apple.Process(ctx, body)
	return respond(c, res, err)
}

// HandleGooglePlayNotification receives Pub/Sub push requests carrying Play
// real-time developer notifications.
func (w *WebhookController) HandleGooglePlayNotification(c *fiber.Ctx) error {
	if w.google == nil {
		return notConfigured(c, "google_play")
	}
	body := append([]byte(nil), c.BodyRaw()...)
	authorization := c.Get(fiber.HeaderAuthorization)
	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	res, err := w.google.Process(ctx, body, authorization)
	return respond(c, res, err)
}

// HandleStripeWebhook receives Stripe events.
func (w *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	if w.stripe == nil {
		return notConfigured(c, "stripe")
	}
	body := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("Stripe-Signature")
	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	res, err := w.stripe.Process(ctx, body, signature)
	return respond(c, res, err)
}

// respond maps a processing result to the status the provider acts on:
// anything recorded is acknowledged, rejected senders get 400 and
// unrecorded failures get 500 so the provider redelivers.
func respond(c *fiber.Ctx, res *billing.Result, err error) error {
	switch {
	case errors.Is(err, billing.ErrDuplicateDelivery):
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	case err != nil:
		log.Errorf("[Webhook] %s processing failed: %v", c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed"})
	case res == nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed"})
	case res.Rejected:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "verification_failed"})
	}

	out := fiber.Map{
		"ok":        true,
		"outcome":   res.Outcome,
		"duplicate": res.Duplicate,
	}
	if res.Intent != "" {
		out["intent"] = res.Intent
	}
	if res.SubscriptionID != 0 {
		out["subscription_id"] = res.SubscriptionID
	}
	return c.Status(fiber.StatusOK).JSON(out)
}

func notConfigured(c *fiber.Ctx, provider string) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "provider_not_configured", "provider": provider})
}
