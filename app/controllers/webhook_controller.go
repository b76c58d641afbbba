package controllers

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/verifair/kycgate/app/models"
	"github.com/verifair/kycgate/internal/pkg/webhook"
	"github.com/verifair/kycgate/internal/pkg/webhooksec"
)

// WebhookController is the HTTP boundary for provider callbacks and the
// operator API.
type WebhookController struct {
	service  *webhook.Service
	verifier *webhooksec.Verifier
}

// NewWebhookController creates the controller with its collaborators injected.
func NewWebhookController(service *webhook.Service, verifier *webhooksec.Verifier) *WebhookController {
	return &WebhookController{
		service:  service,
		verifier: verifier,
	}
}

// HandleIngest accepts a provider callback on POST /api/v1/webhooks/:provider.
// Verification happens here, on the raw body bytes, before the ingestion
// service is ever invoked.
func (wc *WebhookController) HandleIngest(c *fiber.Ctx) error {
	provider := c.Params("provider")

	// Copy the body: fiber reuses its buffers after the handler returns
	rawBody := append([]byte(nil), c.Body()...)
	headers := requestHeaders(c)

	valid, report := wc.verifier.VerifyRequest(rawBody, headers, provider, "", true)
	if !valid {
		log.Warnf("[WebhookController] Rejected %s callback: %s", provider, report.ErrorMessage)
		// Generic message only; no internal detail leaks to the caller
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "Webhook signature verification failed",
		})
	}

	eventType, providerEventID := extractEnvelope(rawBody)

	event, duplicate, err := wc.service.Receive(c.Context(), webhook.ReceiveInput{
		Provider:          provider,
		EventType:         eventType,
		Headers:           headers,
		RawPayload:        rawBody,
		Signature:         report.Signature,
		SignatureVerified: true,
		ProviderEventID:   providerEventID,
	})
	if err != nil {
		// Do not acknowledge receipt; the provider is expected to retry
		log.Errorf("[WebhookController] Failed to ingest %s callback: %v", provider, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_error",
			"message": "Failed to accept webhook",
		})
	}

	if duplicate {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"id":        event.ID,
			"status":    event.Status,
			"duplicate": true,
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"id":     event.ID,
		"status": event.Status,
	})
}

// HandleListEvents lists stored events with provider/status filters.
// Security: basic auth via router middleware
func (wc *WebhookController) HandleListEvents(c *fiber.Ctx) error {
	provider := c.Query("provider")
	status := models.WebhookStatus(c.Query("status"))
	offset := c.QueryInt("offset", 0)
	limit := clampLimit(c.QueryInt("limit", 50))

	var (
		events []models.WebhookEvent
		total  int64
		err    error
	)
	if provider != "" {
		events, total, err = wc.service.ListEventsByProvider(c.Context(), provider, status, offset, limit)
	} else if status != "" {
		events, total, err = wc.service.ListEventsByStatus(c.Context(), status, offset, limit)
	} else {
		events, total, err = wc.service.ListEventsByStatus(c.Context(), models.WebhookStatusFailed, offset, limit)
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error", "message": "Failed to list events"})
	}

	return c.JSON(fiber.Map{
		"events": events,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

// HandleGetEvent returns one event by id.
// Security: basic auth via router middleware
func (wc *WebhookController) HandleGetEvent(c *fiber.Ctx) error {
	event, err := wc.service.GetEvent(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "event not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error", "message": "Failed to load event"})
	}
	return c.JSON(event)
}

// HandleRetryEvent schedules a retry on POST /:id/retry?force=true.
// Security: basic auth via router middleware
func (wc *WebhookController) HandleRetryEvent(c *fiber.Ctx) error {
	id := c.Params("id")
	force := c.Query("force") == "true"

	if _, err := wc.service.GetEvent(c.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "event not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error", "message": "Failed to load event"})
	}

	scheduled, message := wc.service.Retry(c.Context(), id, force)
	statusCode := fiber.StatusAccepted
	if !scheduled {
		statusCode = fiber.StatusConflict
	}
	return c.Status(statusCode).JSON(fiber.Map{
		"scheduled": scheduled,
		"message":   message,
	})
}

// HandleStatistics aggregates processing outcomes.
// Security: basic auth via router middleware
func (wc *WebhookController) HandleStatistics(c *fiber.Ctx) error {
	provider := c.Query("provider")
	days := c.QueryInt("days", 7)
	if days <= 0 {
		days = 7
	}

	stats, err := wc.service.Statistics(c.Context(), provider, days)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error", "message": "Failed to compute statistics"})
	}
	return c.JSON(stats)
}

// HandleListUserEvents returns events recorded against one user.
// Security: basic auth via router middleware
func (wc *WebhookController) HandleListUserEvents(c *fiber.Ctx) error {
	offset := c.QueryInt("offset", 0)
	limit := clampLimit(c.QueryInt("limit", 50))

	events, total, err := wc.service.ListEventsByUser(c.Context(), c.Params("id"), offset, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error", "message": "Failed to list events"})
	}
	return c.JSON(fiber.Map{
		"events": events,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

// HandleListCaseEvents returns all events recorded against one case.
// Security: basic auth via router middleware
func (wc *WebhookController) HandleListCaseEvents(c *fiber.Ctx) error {
	events, err := wc.service.ListEventsByCase(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error", "message": "Failed to list events"})
	}
	return c.JSON(fiber.Map{"events": events, "total": len(events)})
}

func requestHeaders(c *fiber.Ctx) map[string]string {
	headers := make(map[string]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = string(value)
	})
	return headers
}

// extractEnvelope pulls event_type and event_id out of the payload on a
// best-effort basis. Unknown types fall back to the status-update default.
func extractEnvelope(rawBody []byte) (models.WebhookEventType, string) {
	var envelope struct {
		EventType string `json:"event_type"`
		EventID   string `json:"event_id"`
	}
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return models.EventTypeKYCStatusUpdate, ""
	}

	eventType := models.EventTypeKYCStatusUpdate
	if envelope.EventType != "" {
		eventType = models.WebhookEventType(envelope.EventType)
	}
	return eventType, envelope.EventID
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
