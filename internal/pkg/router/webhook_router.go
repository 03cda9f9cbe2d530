package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/subsync/app/controllers"
)

type WebhookRouter struct {
	controller *controllers.WebhookController
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	hooks := app.Group("/webhooks")
	hooks.Post("/apple", h.controller.HandleAppleNotification)
	hooks.Post("/google", h.controller.HandleGooglePlayNotification)
	hooks.Post("/stripe", h.controller.HandleStripeWebhook)
}

func NewWebhookRouter(controller *controllers.WebhookController) *WebhookRouter {
	return &WebhookRouter{controller: controller}
}
