package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/verifair/kycgate/app/controllers"
	"github.com/verifair/kycgate/internal/pkg/env"
)

type ApiRouter struct {
	webhooks *controllers.WebhookController
}

func NewApiRouter(webhooks *controllers.WebhookController) *ApiRouter {
	return &ApiRouter{webhooks: webhooks}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	// Providers burst-retry on delivery failures; the default limiter window
	// is far too tight for that
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        300,
		Expiration: 1 * time.Minute,
	}))
	v1 := api.Group("/v1")

	// Provider-facing ingestion endpoint; authenticated by signature, not
	// by credentials
	v1.Post("/webhooks/:provider", h.webhooks.HandleIngest)

	// Operator endpoints behind basic auth
	admin := v1.Group("/admin", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("ADMIN_USER", "admin"): env.GetEnv("ADMIN_PASSWORD", "admin"),
		},
	}))
	admin.Get("/webhooks", h.webhooks.HandleListEvents)
	admin.Get("/webhooks/statistics", h.webhooks.HandleStatistics)
	admin.Get("/webhooks/:id", h.webhooks.HandleGetEvent)
	admin.Post("/webhooks/:id/retry", h.webhooks.HandleRetryEvent)
	admin.Get("/cases/:id/webhooks", h.webhooks.HandleListCaseEvents)
	admin.Get("/users/:id/webhooks", h.webhooks.HandleListUserEvents)
}
