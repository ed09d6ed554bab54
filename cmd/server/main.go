package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeasinger/choreo/internal/app"
	"github.com/makeasinger/choreo/internal/auth"
	"github.com/makeasinger/choreo/internal/blueprint"
	"github.com/makeasinger/choreo/internal/config"
	"github.com/makeasinger/choreo/internal/generator"
	"github.com/makeasinger/choreo/internal/handler"
	"github.com/makeasinger/choreo/internal/logging"
	"github.com/makeasinger/choreo/internal/middleware"
	"github.com/makeasinger/choreo/internal/observability"
	"github.com/makeasinger/choreo/internal/service"
	"github.com/makeasinger/choreo/internal/status"
	"github.com/makeasinger/choreo/internal/storage"
	"github.com/makeasinger/choreo/internal/worker"
	ws "github.com/makeasinger/choreo/internal/websocket"
	"github.com/makeasinger/choreo/pkg/response"
)

var version = "dev"

// @title          Choreo API
// @version        1.0
// @description    Generates dance choreography blueprints and renders them to video.
// @BasePath       /
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.Server.LogLevel, Format: cfg.Server.LogFormat})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := observability.Init(cfg.Sentry, version, logger); err != nil {
		logger.Warn("sentry not initialized", zap.Error(err))
	}
	defer observability.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(app.RedisOptions(cfg))
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	store, err := app.OpenStatusStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open status store", zap.String(logging.FieldBackend, cfg.Status.Backend), zap.Error(err))
	}
	defer store.Close()

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	reporter := status.NewReporter(store, app.RetryPolicy(cfg), logger, status.WithNotifier(hub))

	gw, err := app.OpenStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open storage", zap.String(logging.FieldBackend, cfg.Storage.Backend), zap.Error(err))
	}
	signer, _ := gw.Backend().(storage.URLSigner)

	index, err := app.LoadIndex(cfg)
	if err != nil {
		logger.Fatal("failed to load move corpus", zap.String(logging.FieldPath, cfg.Corpus.Path), zap.Error(err))
	}
	logger.Info("move corpus loaded", zap.Int("moves", index.Len()))
	gen := generator.New(index, app.GeneratorConfig(cfg), logger)

	enc := app.NewEncoder(cfg, logger)
	runner := app.NewRunner(cfg, reporter, gw, enc, logger)

	asynqOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(asynqOpt)
	defer asynqClient.Close()

	// Blueprints produced by the API may only reference media under the
	// storage root.
	bpValidator := blueprint.NewValidator(cfg.Storage.Root)
	choreoService := service.NewChoreographyService(gen, bpValidator, reporter, asynqClient, signer, cfg.Worker.Queue, logger)

	// Optional OIDC verifier; the legacy HMAC secret covers the rest.
	var verifier auth.TokenVerifier
	if cfg.Auth.Issuer != "" {
		jwks, err := auth.NewJWKSVerifier(ctx, cfg.Auth)
		if err != nil {
			logger.Warn("JWKS verifier not initialized", zap.Error(err))
		} else {
			verifier = jwks
		}
	}

	guard := middleware.NewAuthMiddleware(verifier, cfg.JWT.Secret).Authenticate()
	if cfg.Gateway.Enabled {
		guard = middleware.GatewayAuthMiddleware()
	}

	checks := map[string]handler.Pinger{"redis": redisPinger{redisClient}}
	if p, ok := store.(handler.Pinger); ok {
		checks["status"] = p
	}

	validate := validator.New()

	fiberApp := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})
	fiberApp.Use(recover.New())
	fiberApp.Use(middleware.RequestLogger(logger))
	fiberApp.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	handler.RegisterRoutes(fiberApp, handler.Routes{
		Health:          handler.NewHealthHandler(version, index.Len(), checks),
		Auth:            handler.NewAuthHandler(verifier, cfg.JWT.Secret),
		Choreography:    handler.NewChoreographyHandler(choreoService, validate),
		Blueprint:       handler.NewBlueprintHandler(choreoService),
		Hub:             hub,
		Guard:           guard,
		RateLimiter:     middleware.NewRateLimiter(redisClient, logger),
		GeneratePerHour: cfg.RateLimit.GeneratePerHour,
		ValidatePerMin:  cfg.RateLimit.ValidatePerMin,
	})

	// In-process worker pool for queued executions
	srv := asynq.NewServer(asynqOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues:      map[string]int{cfg.Worker.Queue: 1},
		Logger:      logger.Sugar(),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeExecute, worker.NewProcessor(runner, reporter, logger).ProcessTask)
	if err := srv.Start(mux); err != nil {
		logger.Fatal("failed to start task worker", zap.Error(err))
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		if err := fiberApp.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	addr := ":" + cfg.Server.Port
	logger.Info("server starting", zap.String("addr", addr), zap.String("env", cfg.Server.Env))
	if err := fiberApp.Listen(addr); err != nil {
		logger.Error("server error", zap.Error(err))
	}

	srv.Shutdown()
}

// redisPinger adapts the redis client to handler.Pinger.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
