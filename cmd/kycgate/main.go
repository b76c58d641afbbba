package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/verifair/kycgate/app/controllers"
	"github.com/verifair/kycgate/app/repository"
	"github.com/verifair/kycgate/internal/pkg/archive"
	"github.com/verifair/kycgate/internal/pkg/cache"
	"github.com/verifair/kycgate/internal/pkg/database"
	"github.com/verifair/kycgate/internal/pkg/env"
	"github.com/verifair/kycgate/internal/pkg/router"
	"github.com/verifair/kycgate/internal/pkg/taskqueue"
	"github.com/verifair/kycgate/internal/pkg/webhook"
	"github.com/verifair/kycgate/internal/pkg/webhooksec"
)

func main() {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	repos := repository.NewFactory(database.GetDB()).GetRepositories()

	queue := taskqueue.NewQueue(queueWorkerCount())
	service := webhook.NewService(repos, queue)
	setupArchiver(service)
	registerJobHandlers(queue, service)

	manager := taskqueue.NewManager(queue, service, service)
	manager.Start()

	verifier := webhooksec.NewVerifier(env.GetEnv("WEBHOOK_SECRET", "dev-secret"))
	webhookController := controllers.NewWebhookController(service, verifier)

	app := fiber.New(fiber.Config{
		AppName:   "kycgate",
		BodyLimit: 1 << 20, // 1 MiB; provider callbacks are small JSON documents
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("ADMIN_USER", "admin"): env.GetEnv("ADMIN_PASSWORD", "admin"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app, webhookController)

	// graceful shutdown: drain the queue before closing the listener
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down...")
		manager.Stop()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

// registerJobHandlers binds the queue job types to the webhook service. Both
// job types run the same processing path; a failed processing attempt is
// recorded on the event and retried only through the retry orchestrator, so
// the handler itself reports success to the queue.
func registerJobHandlers(queue *taskqueue.Queue, service *webhook.Service) {
	handler := func(ctx context.Context, job *taskqueue.Job) error {
		payload, err := taskqueue.WebhookJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("invalid job payload: %w", err)
		}

		event, err := service.GetEvent(ctx, payload.EventID)
		if err != nil {
			return fmt.Errorf("failed to load webhook event %s: %w", payload.EventID, err)
		}

		result := service.Process(ctx, event)
		if !result.Success {
			log.Printf("Processing of event %s failed: %s", payload.EventID, strings.Join(result.Errors, "; "))
		}
		return nil
	}

	queue.RegisterHandler(taskqueue.JobTypeWebhookProcess, handler)
	queue.RegisterHandler(taskqueue.JobTypeWebhookRetry, handler)
}

func setupArchiver(service *webhook.Service) {
	cfg, err := archive.LoadConfig()
	if err != nil {
		log.Printf("Warning: invalid archive configuration: %v", err)
		return
	}
	if !cfg.IsEnabled() {
		return
	}

	client, err := archive.NewClient(cfg)
	if err != nil {
		log.Printf("Warning: webhook archival disabled: %v", err)
		return
	}
	service.SetArchiver(client)
}

func queueWorkerCount() int {
	raw := env.GetEnv("WEBHOOK_QUEUE_WORKERS", "5")
	workers, err := strconv.Atoi(raw)
	if err != nil || workers <= 0 {
		return 5
	}
	return workers
}
