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
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gatekit-io/gatekit-server/internal/api"
	"github.com/gatekit-io/gatekit-server/internal/apikey"
	"github.com/gatekit-io/gatekit-server/internal/attachment"
	"github.com/gatekit-io/gatekit-server/internal/config"
	"github.com/gatekit-io/gatekit-server/internal/dispatch"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/message"
	"github.com/gatekit-io/gatekit-server/internal/metrics"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/platform/discord"
	"github.com/gatekit-io/gatekit-server/internal/platform/telegram"
	"github.com/gatekit-io/gatekit-server/internal/platform/whatsapp"
	"github.com/gatekit-io/gatekit-server/internal/postgres"
	"github.com/gatekit-io/gatekit-server/internal/project"
	"github.com/gatekit-io/gatekit-server/internal/queue"
	"github.com/gatekit-io/gatekit-server/internal/redisx"
	"github.com/gatekit-io/gatekit-server/internal/vault"
	"github.com/gatekit-io/gatekit-server/internal/webhook"
)

const queueName = "messages"

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting GateKit Server")

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	rdb, err := redisx.Connect(ctx, cfg.RedisURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	// Credential vault. Development without a configured key gets an
	// ephemeral one, so stored credentials do not survive a restart there.
	encryptionKey := cfg.EncryptionKey
	if encryptionKey == "" {
		encryptionKey = vault.GenerateKey()
		log.Warn().Msg("ENCRYPTION_KEY not set; using an ephemeral key. Stored platform credentials will be unreadable after restart.")
	}
	credVault, err := vault.New(encryptionKey)
	if err != nil {
		return fmt.Errorf("init credential vault: %w", err)
	}

	m := metrics.New()

	// Platform providers.
	registry := platform.NewRegistry(log.Logger)
	registry.OnAdapterCountChange(func(count int) {
		m.ActiveAdapters.Set(float64(count))
	})
	discordProvider := discord.NewProvider(log.Logger)
	for _, p := range []platform.Provider{
		discordProvider,
		telegram.NewProvider(log.Logger),
		whatsapp.NewProvider(log.Logger),
	} {
		if err := registry.RegisterProvider(p); err != nil {
			return fmt.Errorf("register provider %s: %w", p.Name(), err)
		}
		if err := p.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize provider %s: %w", p.Name(), err)
		}
	}

	// Repositories and services.
	projectRepo := project.NewPGRepository(db)
	configRepo := platform.NewPGConfigRepository(db)
	sentRepo := message.NewPGSentRepository(db)
	receivedRepo := message.NewPGReceivedRepository(db)
	keyRepo := apikey.NewPGRepository(db)

	platformSvc := platform.NewService(configRepo, registry, credVault, log.Logger)
	keySvc := apikey.NewService(keyRepo)

	if cfg.IsDevelopment() {
		if err := seedDefaultProject(ctx, projectRepo, keySvc); err != nil {
			return fmt.Errorf("seed default project: %w", err)
		}
	}

	// Queue, dispatch, worker.
	q := queue.New(rdb, queueName, queue.Options{
		MaxAttempts: cfg.QueueMaxAttempts,
		BackoffBase: cfg.QueueBackoffBase,
	}, log.Logger)

	validator := attachment.NewValidator()
	fetcher := attachment.NewFetcher(validator, cfg.MaxAttachmentSizeBytes())
	sink := message.NopSink{} // tenant webhook delivery plugs in here

	// Inbound events arrive over webhooks and over the Discord gateway
	// session; both paths record through the same recorder.
	recorder := webhook.NewRecorder(receivedRepo, sink, m, log.Logger)
	discordProvider.SetInboundSink(recorder)

	orchestrator := dispatch.New(
		projectRepo, configRepo, platformSvc, registry, sentRepo,
		fetcher, cfg.MaxAttachmentSizeBytes(), sink, m, log.Logger,
	)

	worker := queue.NewWorker(q, orchestrator.Handle, queue.WorkerOptions{
		Concurrency:    cfg.QueueWorkers,
		StallThreshold: cfg.QueueStallThreshold,
		RequeueStalled: cfg.QueueRequeueStalled,
		DrainTimeout:   cfg.QueueDrainTimeout,
		Retryable:      platform.IsRetryable,
	}, log.Logger)
	worker.Start()

	depthCtx, stopDepth := context.WithCancel(ctx)
	defer stopDepth()
	go reportQueueDepth(depthCtx, q, m)

	// HTTP surface.
	app := fiber.New(fiber.Config{
		AppName:               "GateKit",
		DisableStartupMessage: true,
		BodyLimit:             int(cfg.MaxAttachmentSizeBytes()) + 1024*1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return c.Status(fe.Code).JSON(httputil.ErrorResponse{
					Message: fe.Message,
					Code:    statusToCode(fe.Code),
				})
			}
			log.Error().Err(err).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Msg("Unhandled error")
			return httputil.Fail(c, httputil.CodeInternal, "An internal error occurred")
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.CORSAllowOrigins,
		AllowMethods:  "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept,Authorization,X-API-Key",
		ExposeHeaders: "X-Request-ID",
	}))

	guard := apikey.NewGuard(keyRepo, log.Logger)
	limiter := apikey.NewRateLimiter(rdb, cfg.RateLimitRequests,
		time.Duration(cfg.RateLimitWindowSeconds)*time.Second, log.Logger)

	api.Register(app, api.Deps{
		Guard:     guard,
		Limiter:   limiter,
		Messages:  api.NewMessageHandler(projectRepo, configRepo, q, sentRepo, receivedRepo, validator, cfg.MaxAttachmentSizeBytes(), log.Logger),
		Platforms: api.NewPlatformHandler(projectRepo, platformSvc, cfg.APIBaseURL, log.Logger),
		Keys:      api.NewKeyHandler(projectRepo, keySvc, log.Logger),
		Health:    api.NewHealthHandler(db, rdb, m),
	})
	webhook.NewRouter(configRepo, registry, recorder, log.Logger).Register(app)

	// Graceful shutdown: stop accepting requests, drain the worker, then
	// tear down live platform adapters.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	stopDepth()
	worker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	registry.ShutdownAll(shutdownCtx)
	log.Info().Msg("Shutdown complete")
	return nil
}

// seedDefaultProject makes a fresh development install usable without manual
// SQL: one default project and one wildcard key, printed once.
func seedDefaultProject(ctx context.Context, projects project.Repository, keys *apikey.Service) error {
	if _, err := projects.GetBySlug(ctx, "default"); err == nil {
		return nil
	} else if !errors.Is(err, project.ErrNotFound) {
		return err
	}

	proj, err := projects.Create(ctx, project.CreateParams{
		Slug:        "default",
		Name:        "Default Project",
		Environment: project.EnvDevelopment,
		OwnerID:     "local",
		IsDefault:   true,
	})
	if err != nil {
		return err
	}
	issued, err := keys.Issue(ctx, proj.ID, "default", vault.KeyEnvTest, nil, nil)
	if err != nil {
		return err
	}
	log.Info().
		Str("project", proj.Slug).
		Str("apiKey", issued.Plaintext).
		Msg("Seeded development project. This key is shown only once.")
	return nil
}

// reportQueueDepth mirrors queue counts into the depth gauge every few
// seconds for scraping.
func reportQueueDepth(ctx context.Context, q *queue.Queue, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := q.Metrics(ctx)
			if err != nil {
				continue
			}
			m.QueueDepth.WithLabelValues("waiting").Set(float64(counts.Waiting))
			m.QueueDepth.WithLabelValues("active").Set(float64(counts.Active))
			m.QueueDepth.WithLabelValues("delayed").Set(float64(counts.Delayed))
			m.QueueDepth.WithLabelValues("failed").Set(float64(counts.Failed))
		}
	}
}

func statusToCode(status int) httputil.Code {
	switch status {
	case fiber.StatusBadRequest:
		return httputil.CodeBadRequest
	case fiber.StatusUnauthorized:
		return httputil.CodeUnauthorized
	case fiber.StatusForbidden:
		return httputil.CodeForbidden
	case fiber.StatusNotFound:
		return httputil.CodeNotFound
	case fiber.StatusConflict:
		return httputil.CodeConflict
	case fiber.StatusUnprocessableEntity:
		return httputil.CodeUnsupported
	case fiber.StatusTooManyRequests:
		return httputil.CodeRateLimited
	default:
		return httputil.CodeInternal
	}
}
