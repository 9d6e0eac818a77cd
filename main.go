package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"mailfollow/config"
	controller "mailfollow/controllers"
	"mailfollow/delivery"
	"mailfollow/draft"
	"mailfollow/middleware"
	"mailfollow/provider"
	"mailfollow/replies"
	"mailfollow/routes"
	"mailfollow/sequences"
	"mailfollow/store"
	"mailfollow/utils"
	"mailfollow/worker"
)

var errIterationFailed = errors.New("one or more follow-ups failed")

var rootCmd = &cobra.Command{
	Use:           "mailfollow",
	Short:         "Automated follow-up email scheduler",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API together with the background workers",
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the follow-up, sequence and reply workers without the API",
	RunE:  runWorker,
}

var workerOpts struct {
	once      bool
	interval  time.Duration
	batchSize int
}

func init() {
	workerCmd.Flags().BoolVar(&workerOpts.once, "once", false, "run a single iteration and exit (exit code 1 if any follow-up failed)")
	workerCmd.Flags().DurationVar(&workerOpts.interval, "interval", 0, "scan interval (default from WORKER_INTERVAL_SECONDS)")
	workerCmd.Flags().IntVar(&workerOpts.batchSize, "batch-size", 0, "max follow-ups per iteration (default from WORKER_BATCH_SIZE)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errIterationFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// services is everything the commands wire together.
type services struct {
	store     store.Store
	factory   *provider.Factory
	generator draft.Generator
	engine    *delivery.Engine
	followUps *delivery.Service
	replies   *replies.Handler
	sequences *sequences.Service
	advancer  *sequences.Advancer
}

func bootstrap() (*services, error) {
	if err := config.LoadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := config.AppConfig

	utils.ConfigureLogging(cfg.Environment)
	if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		utils.NewLogger("main").WithError(err).Warn("Sentry initialization failed")
	}

	if err := config.ConnectDB(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newServices(cfg, store.NewGormStore(config.DB))
}

func newServices(cfg config.Config, s store.Store) (*services, error) {
	cipher, err := utils.NewCredentialCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential cipher: %w", err)
	}

	httpClient := &fasthttp.Client{
		Name:         "mailfollow",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	factory := &provider.Factory{
		Cipher:             cipher,
		HTTPClient:         httpClient,
		Saver:              s,
		Logger:             utils.NewLogger("provider"),
		ResendBaseURL:      cfg.ResendAPIURL,
		GoogleClientID:     cfg.Google.ClientID,
		GoogleClientSecret: cfg.Google.ClientSecret,
	}
	generator := draft.NewGenerator(cfg.AI, httpClient, utils.NewLogger("draft"))

	engine := &delivery.Engine{
		Store:     s,
		Drafts:    &draft.Resolver{Store: s, Generator: generator},
		Providers: factory,
		Policy:    delivery.PolicyFromConfig(cfg.Scheduler),
		Logger:    utils.NewLogger("delivery"),
	}

	return &services{
		store:     s,
		factory:   factory,
		generator: generator,
		engine:    engine,
		followUps: &delivery.Service{Store: s, Engine: engine, Providers: factory, Logger: utils.NewLogger("followups")},
		replies:   &replies.Handler{Store: s, Logger: utils.NewLogger("replies")},
		sequences: &sequences.Service{Store: s, Logger: utils.NewLogger("sequences")},
		advancer: &sequences.Advancer{
			Store:     s,
			Engine:    engine,
			BatchSize: cfg.Scheduler.BatchSize,
			Logger:    utils.NewLogger("sequence-advancer"),
		},
	}, nil
}

// startWorkers launches the background loops; they stop when ctx is cancelled.
func startWorkers(ctx context.Context, svc *services, followUpWorker *worker.FollowUpWorker) {
	sched := config.AppConfig.Scheduler

	go followUpWorker.Start(ctx)
	go worker.NewSequenceWorker(svc.advancer, sched.SequenceInterval).Start(ctx)

	poller := &worker.ReplyPoller{
		Store:       svc.store,
		Replies:     svc.replies,
		Fetcher:     &worker.IMAPFetcher{Timeout: 30 * time.Second},
		Credentials: svc.factory,
		Interval:    sched.ReplyPollInterval,
		Logger:      utils.NewLogger("reply-poller"),
	}
	go poller.Start(ctx)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, err := bootstrap()
	if err != nil {
		return err
	}
	defer utils.FlushSentry()
	cfg := config.AppConfig
	log := utils.NewLogger("main")

	ctx, stop := signalContext()
	defer stop()

	hub := controller.NewWorkerHub()
	followUpWorker := worker.NewFollowUpWorker(svc.store, svc.engine, cfg.Scheduler.Interval, cfg.Scheduler.BatchSize)
	followUpWorker.Publisher = hub
	startWorkers(ctx, svc, followUpWorker)

	app := fiber.New(fiber.Config{AppName: "mailfollow"})
	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           3600,
	}))

	routes.SetupRoutes(app, cfg, routes.Dependencies{
		Store:     svc.store,
		FollowUps: svc.followUps,
		Replies:   svc.replies,
		Sequences: svc.sequences,
		Sealer:    svc.factory,
		Generator: svc.generator,
		Stats:     followUpWorker,
		Hub:       hub,
	})

	go func() {
		<-ctx.Done()
		log.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Error("Server shutdown failed")
		}
	}()

	log.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	svc, err := bootstrap()
	if err != nil {
		return err
	}
	defer utils.FlushSentry()
	sched := config.AppConfig.Scheduler

	interval := sched.Interval
	if workerOpts.interval > 0 {
		interval = workerOpts.interval
	}
	batchSize := sched.BatchSize
	if workerOpts.batchSize > 0 {
		batchSize = workerOpts.batchSize
		svc.advancer.BatchSize = batchSize
	}

	ctx, stop := signalContext()
	defer stop()

	followUpWorker := worker.NewFollowUpWorker(svc.store, svc.engine, interval, batchSize)
	if workerOpts.once {
		return runOnce(ctx, svc, followUpWorker)
	}

	startWorkers(ctx, svc, followUpWorker)
	<-ctx.Done()
	utils.NewLogger("main").Info("Workers stopped")
	return nil
}

// runOnce runs one follow-up iteration and one sequence pass.
func runOnce(ctx context.Context, svc *services, w *worker.FollowUpWorker) error {
	stats := w.RunOnce(ctx)
	seqStats := worker.NewSequenceWorker(svc.advancer, 0).RunOnce(ctx)
	if stats.Failed > 0 || seqStats.Failed > 0 {
		return errIterationFailed
	}
	return nil
}
