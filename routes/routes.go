package routes

import (
	"mailfollow/config"
	controller "mailfollow/controllers"
	"mailfollow/delivery"
	"mailfollow/draft"
	"mailfollow/middleware"
	"mailfollow/replies"
	"mailfollow/sequences"
	"mailfollow/store"
	"mailfollow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
)

// Dependencies are the services the HTTP layer talks to.
type Dependencies struct {
	Store     store.Store
	FollowUps *delivery.Service
	Replies   *replies.Handler
	Sequences *sequences.Service
	Sealer    controller.CredentialSealer
	Generator draft.Generator
	Stats     controller.StatsSource
	Hub       *controller.WorkerHub
}

func SetupAPIRoutes(app *fiber.App, cfg config.Config, deps Dependencies) {
	followUpController := controller.NewFollowUpController(deps.FollowUps, deps.Store)
	connectionController := controller.NewConnectionController(deps.Store, deps.Sealer, deps.FollowUps)
	replyController := controller.NewReplyController(deps.Store, deps.Replies)
	sequenceController := controller.NewSequenceController(deps.Sequences)
	draftController := controller.NewDraftController(deps.Store, deps.Generator)
	settingsController := controller.NewSettingsController(deps.Store)
	workerController := controller.NewWorkerController(deps.Stats)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(cfg.JWTSecret), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	sendLimit := middleware.SendRateLimiter(cfg)

	// Follow-up routes
	followups := api.Group("/followups")
	followups.Post("/", followUpController.CreateFollowUp)
	followups.Get("/", followUpController.GetFollowUps)
	followups.Post("/test/send-email", sendLimit, followUpController.SendTestEmail)
	followups.Get("/:id", followUpController.GetFollowUp)
	followups.Post("/:id/cancel", followUpController.CancelFollowUp)
	followups.Post("/:id/send-now", sendLimit, followUpController.SendNow)
	followups.Post("/:id/retry", sendLimit, followUpController.RetryFollowUp)

	// Connection routes
	connections := api.Group("/connections")
	connections.Post("/", connectionController.CreateConnection)
	connections.Get("/", connectionController.GetConnections)
	connections.Get("/:id", connectionController.GetConnection)
	connections.Patch("/:id", connectionController.UpdateConnection)
	connections.Delete("/:id", connectionController.DeleteConnection)
	connections.Post("/:id/validate", connectionController.ValidateConnection)

	// Reply routes
	replyGroup := api.Group("/replies")
	replyGroup.Get("/", replyController.GetReplies)
	replyGroup.Post("/inbound", replyController.InboundReply)
	replyGroup.Get("/:id", replyController.GetReply)
	api.Post("/test/simulate-reply", replyController.SimulateReply)

	// Sequence routes
	sequence := api.Group("/sequences")
	sequence.Post("/", sequenceController.CreateSequence)
	sequence.Get("/", sequenceController.GetSequences)
	sequence.Get("/:id", sequenceController.GetSequence)
	sequence.Patch("/:id", sequenceController.UpdateSequence)
	sequence.Delete("/:id", sequenceController.DeleteSequence)
	sequence.Post("/:id/start", sequenceController.StartSequence)
	sequence.Get("/:id/enrollments", sequenceController.GetEnrollments)
	sequence.Post("/:id/enrollments/:enrollment_id/stop", sequenceController.StopEnrollment)

	api.Post("/ai/generate", draftController.GenerateDraft)

	api.Get("/settings", settingsController.GetSettings)
	api.Put("/settings", settingsController.UpdateSettings)

	api.Get("/worker/stats", workerController.GetStats)

	// Live worker stats
	if deps.Hub != nil {
		app.Get("/ws/worker", deps.Hub.Upgrade, websocket.New(deps.Hub.Handle))
	}

	utils.NewLogger("routes").Info("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, cfg config.Config, deps Dependencies) {
	health := func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	}
	app.Get("/", health)
	app.Get("/health", health)

	SetupAPIRoutes(app, cfg, deps)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
