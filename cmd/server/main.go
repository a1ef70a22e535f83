package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/api/handlers"
	"github.com/maheshrc27/postflow/internal/api/middleware"
	job "github.com/maheshrc27/postflow/internal/jobs"
	"github.com/maheshrc27/postflow/internal/progress"
	"github.com/maheshrc27/postflow/internal/publisher"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/retry"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: Failed to load environment variables", err)
	}

	cfg := config.LoadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))

	if err := run(cfg); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	dialect, err := repository.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		return err
	}
	dsn := cfg.PostgresURI
	if dialect == repository.SQLite {
		dsn = cfg.SQLitePath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	if err := repository.Migrate(dialect, dsn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	db, err := repository.Open(dialect, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer closeDB(db)

	cipher, err := utils.NewTokenCipher([]byte(cfg.SecretKey))
	if err != nil {
		return fmt.Errorf("token cipher: %w", err)
	}
	policies, err := config.LoadPlatformPolicies(cfg.PlatformsFile)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURI})
	defer rdb.Close()

	registry := newRegistry(cfg, policies)

	postRepo := repository.NewPostRepository(db)
	socialAccountRepo := repository.NewSocialAccountRepository(db)
	postMediaRepo := repository.NewPostMediaRepository(db)
	selectedAccountRepo := repository.NewSelectedAccountRepository(db)
	mediaAssetRepo := repository.NewMediaAssetRepository(db)
	attemptRepo := repository.NewPostAttemptRepository(db)

	mediaOpts := service.MediaOptions{Bucket: cfg.R2.BucketName, PublicURL: cfg.R2.PublicURL}
	if cfg.R2.AccountID != "" {
		presigner, err := service.NewR2Presigner(ctx, cfg.R2)
		if err != nil {
			return fmt.Errorf("r2 presigner: %w", err)
		}
		mediaOpts.Presigner = presigner
	}

	ledgerService := service.NewLedgerService(attemptRepo)
	credentialService := service.NewCredentialService(socialAccountRepo, registry, cipher, service.CredentialOptions{
		Policies: policies,
		Cache:    service.NewTokenCache(cfg.TokenCacheTTL),
		Locker:   service.NewRedisLocker(rdb, "postflow:refresh:"),
		LockTTL:  cfg.RefreshLockTTL,
	})
	postService := service.NewPostService(db, postRepo, selectedAccountRepo, mediaAssetRepo, socialAccountRepo, postMediaRepo, registry)
	dispatchService := service.NewDispatchService(ledgerService, credentialService, registry, service.NewMediaService(mediaOpts), postService, service.DispatchOptions{
		SequenceDelay: cfg.SequenceDelay,
		Policies:      policies,
	})

	hub := progress.NewHub(5 * time.Minute)

	redisConn := asynq.RedisClientOpt{Addr: cfg.RedisURI}
	client := asynq.NewClient(redisConn)
	defer client.Close()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Minute,
		WriteTimeout: 10 * time.Minute,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			slog.Error("request failed", "path", c.Path(), "error", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOriginsFunc: func(origin string) bool {
			return true
		},
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
		MaxAge:           3600,
	}))

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	api := app.Group("/api")
	api.Use(authMiddleware.AuthMiddleware())

	post := handlers.NewPostHandler(postService, ledgerService, client, hub)
	post.Register(api)

	// cron jobs
	refreshTokenJob := job.NewTokenRefreshJob(credentialService, 5*time.Minute)
	sweepJob := job.NewAttemptSweepJob(ledgerService, cfg.StaleAttemptAfter)

	c := cron.New()
	if err := c.AddFunc("@every 10m", refreshTokenJob.RefreshTokens); err != nil {
		return err
	}
	if err := c.AddFunc("@every 5m", sweepJob.Sweep); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	// queue
	queueW := queue.NewQueue(postService, dispatchService, hub)
	server := asynq.NewServer(redisConn, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskTypeDispatchPost, queueW.HandleDispatchTask)
	mux.HandleFunc(queue.TaskTypeRecoverPost, queueW.HandleRecoverTask)

	errs := make(chan error, 2)
	go func() {
		slog.Info("starting the asynq server", "concurrency", cfg.WorkerConcurrency)
		if err := server.Run(mux); err != nil {
			errs <- fmt.Errorf("asynq server: %w", err)
		}
	}()
	go func() {
		slog.Info("server is running", "port", cfg.Port, "platforms", registry.Platforms())
		if err := app.Listen(":" + cfg.Port); err != nil {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-errs:
		return err
	}

	slog.Info("shutting down server")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		slog.Error("failed to shut down http server", "error", err)
	}
	server.Shutdown()
	slog.Info("server shutdown complete")
	return nil
}

// newRegistry builds one adapter per platform, each with its own rate limit
// from the platform policy.
func newRegistry(cfg *config.Config, policies map[string]config.PlatformPolicy) *publisher.Registry {
	opts := func(platform string) publisher.Options {
		return publisher.Options{
			Retry: retry.Config{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseDelay:   cfg.Retry.BaseDelay,
				MaxDelay:    cfg.Retry.MaxDelay,
				Multiplier:  cfg.Retry.Multiplier,
			},
			Poll: publisher.PollConfig{
				Interval: cfg.Polling.Interval,
				Timeout:  cfg.Polling.Timeout,
				MaxPolls: cfg.Polling.MaxAttempts,
			},
			CallTimeout:       cfg.CallTimeout,
			RequestsPerSecond: policies[platform].RequestsPerSecond,
		}
	}

	return publisher.NewRegistry(
		publisher.NewInstagram(opts("instagram")),
		publisher.NewThreads(opts("threads")),
		publisher.NewTikTok(cfg.TiktokClientKey, cfg.TiktokClientSecret, opts("tiktok")),
		publisher.NewYouTube(cfg.GoogleClientID, cfg.GoogleClientSecret, opts("youtube")),
		publisher.NewPinterest(cfg.PinterestClientID, cfg.PinterestClientSecret, opts("pinterest")),
		publisher.NewMastodon(cfg.MastodonServer, opts("mastodon")),
	)
}

func closeDB(db *repository.DB) {
	slog.Info("closing database connection")
	if err := db.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
	}
}
