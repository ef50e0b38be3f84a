package handler

import (
	"crypto/subtle"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/docforge/api/internal/dispatch"
	"github.com/docforge/api/pkg/response"
)

// WebhookHandler receives change events from the database and feeds the dispatch trigger
type WebhookHandler struct {
	trigger   *dispatch.Trigger
	validator *validator.Validate
	secret    string
}

func NewWebhookHandler(trigger *dispatch.Trigger, v *validator.Validate, secret string) *WebhookHandler {
	return &WebhookHandler{trigger: trigger, validator: v, secret: secret}
}

// Jobs handles POST /api/webhooks/jobs
func (h *WebhookHandler) Jobs(c *fiber.Ctx) error {
	if h.secret == "" {
		return response.Forbidden(c, "Webhook secret not configured")
	}
	if subtle.ConstantTimeCompare([]byte(c.Get("X-Webhook-Secret")), []byte(h.secret)) != 1 {
		return response.Unauthorized(c, "Invalid webhook secret")
	}

	var ev dispatch.Event
	if err := c.BodyParser(&ev); err != nil {
		return response.ValidationError(c, "Invalid event payload", nil)
	}
	if err := h.validator.Struct(&ev); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	dispatched, err := h.trigger.Handle(c.UserContext(), ev)
	if errors.Is(err, dispatch.ErrInvalidEvent) {
		return response.ValidationError(c, err.Error(), nil)
	}
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, fiber.Map{"dispatched": dispatched})
}
