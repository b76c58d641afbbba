package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/verifair/kycgate/app/controllers"
)

// Router installs a group of routes on the app
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers all route groups on the app.
func InstallRouter(app *fiber.App, webhooks *controllers.WebhookController) {
	setup(app, NewApiRouter(webhooks))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
