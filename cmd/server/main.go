package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/docforge/api/internal/assembler"
	"github.com/docforge/api/internal/auth"
	"github.com/docforge/api/internal/client"
	"github.com/docforge/api/internal/config"
	"github.com/docforge/api/internal/dispatch"
	"github.com/docforge/api/internal/generation"
	"github.com/docforge/api/internal/handler"
	"github.com/docforge/api/internal/middleware"
	"github.com/docforge/api/internal/repository"
	"github.com/docforge/api/internal/server"
	"github.com/docforge/api/internal/service"
	ws "github.com/docforge/api/internal/websocket"
	"github.com/docforge/api/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config.load_failed", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server.exit", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.ServerConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis.unavailable", "addr", cfg.Redis.Addr, "error", err)
	}

	health := map[string]handler.Pinger{
		"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}

	jobs, content, db, err := openStores(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		health["database"] = db.PingContext
	}

	storage, err := newStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var generator generation.Generator = &generation.MockGenerator{Delay: 200 * time.Millisecond}
	if groq := client.NewGroqClient(&cfg.Groq); groq.IsConfigured() {
		generator = groq
	} else {
		logger.Warn("groq.not_configured", "fallback", "mock")
	}

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	executor := generation.NewExecutor(generator, content, generation.Options{
		MaxAttempts:     cfg.Worker.MaxAttempts,
		BaseDelay:       cfg.Worker.BaseDelay,
		CallTimeout:     cfg.Worker.CallTimeout,
		MaxContextChars: generation.MaxContextChars,
	}, logger)
	jobWorker := worker.NewJobWorker(jobs, content, storage, executor, assembler.New(logger), hub, worker.Options{
		Concurrency:     cfg.Worker.Concurrency,
		JobTimeout:      cfg.Worker.JobTimeout,
		PartialAssembly: cfg.Worker.PartialAssembly,
	}, logger)
	runner := dispatch.NewRunner(jobs, jobWorker, logger)

	sweepOpts := dispatch.SweepOptions{
		PendingAfter: time.Minute,
		StaleAfter:   cfg.Worker.JobTimeout + cfg.Worker.StaleAfter,
	}

	queue, stopQueue, err := startQueue(ctx, cfg, runner, jobs, sweepOpts, logger)
	if err != nil {
		return err
	}
	defer stopQueue()

	trigger := dispatch.NewTrigger(queue, logger)

	var verifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		v, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			logger.Warn("auth.jwks_unavailable", "issuer", cfg.Zitadel.Issuer, "error", err)
		} else {
			verifier = v
		}
	}

	app := server.New(server.Deps{
		Jobs:          service.NewJobService(jobs, storage, trigger, cfg.Storage.URLExpiry, logger),
		Uploads:       service.NewUploadService(storage),
		Trigger:       trigger,
		Hub:           hub,
		Auth:          middleware.NewAuthMiddleware(verifier, cfg.JWT.Secret),
		RateLimiter:   middleware.NewRateLimiter(redisClient, logger),
		Health:        health,
		Validator:     validator.New(),
		WebhookSecret: cfg.Webhook.Secret,
		Gateway:       cfg.Gateway.Enabled,
		JobsPerHour:   cfg.RateLimit.JobsPerHour,
		Logger:        logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("server.shutting_down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error("server.shutdown_failed", "error", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	logger.Info("server.start", "addr", addr, "store", cfg.Store.Driver, "queue", cfg.Queue.Driver, "storage", cfg.Storage.Provider)
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *slog.Logger) (repository.JobRepository, repository.ContentStore, *sqlx.DB, error) {
	if cfg.Store.Driver == repository.DriverRedis {
		return repository.NewRedisJobRepository(redisClient), repository.NewRedisContentStore(redisClient), nil, nil
	}

	db, err := repository.Open(ctx, repository.Config{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		DialTimeout:  10 * time.Second,
	}, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return repository.NewSQLJobRepository(db), repository.NewSQLContentStore(db), db, nil
}

func newStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (client.StorageClient, error) {
	var (
		storage client.StorageClient
		err     error
	)
	switch cfg.Storage.Provider {
	case "minio":
		var mc *client.MinioClient
		mc, err = client.NewMinioClient(&cfg.Storage.Minio)
		if err == nil {
			err = mc.EnsureBucket(ctx)
			storage = mc
		}
	case "r2":
		storage, err = client.NewR2Client(&cfg.Storage.R2)
	case "memory":
		return client.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}

	if err != nil {
		if cfg.Server.Env == "production" {
			return nil, fmt.Errorf("storage %s: %w", cfg.Storage.Provider, err)
		}
		logger.Warn("storage.unavailable", "provider", cfg.Storage.Provider, "fallback", "memory", "error", err)
		return client.NewMemoryStorage(), nil
	}
	return storage, nil
}

// startQueue wires the dispatch queue, its consumer and the recovery sweep.
// The returned func stops all of them.
func startQueue(ctx context.Context, cfg *config.Config, runner *dispatch.Runner, jobs repository.JobRepository, sweepOpts dispatch.SweepOptions, logger *slog.Logger) (dispatch.Queue, func(), error) {
	switch cfg.Queue.Driver {
	case "asynq":
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		asynqClient := asynq.NewClient(redisOpt)
		queue := dispatch.NewAsynqQueue(asynqClient, cfg.Queue.Name)
		sweeper := dispatch.NewSweeper(jobs, queue, sweepOpts, logger)

		srv := asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: cfg.Worker.Jobs,
			Queues:      map[string]int{cfg.Queue.Name: 1},
			Logger:      asynqLogger{logger},
			LogLevel:    asynqLevel(cfg.Server.LogLevel),
		})
		if err := srv.Start(dispatch.NewServeMux(runner, sweeper)); err != nil {
			asynqClient.Close()
			return nil, nil, fmt.Errorf("start asynq server: %w", err)
		}

		scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: asynqLogger{logger}})
		if _, err := dispatch.RegisterSweep(scheduler, cfg.Worker.SweepInterval, cfg.Queue.Name); err != nil {
			srv.Shutdown()
			asynqClient.Close()
			return nil, nil, fmt.Errorf("register sweep: %w", err)
		}
		if err := scheduler.Start(); err != nil {
			srv.Shutdown()
			asynqClient.Close()
			return nil, nil, fmt.Errorf("start scheduler: %w", err)
		}

		return queue, func() {
			scheduler.Shutdown()
			srv.Shutdown()
			asynqClient.Close()
		}, nil

	case "rabbitmq":
		conn, err := amqp.Dial(cfg.Queue.RabbitURL)
		if err != nil {
			return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		queue, err := dispatch.NewRabbitQueue(conn, cfg.Queue.Name, cfg.Worker.Jobs, logger)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}

		consumeCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := queue.Consume(consumeCtx, runner); err != nil {
				logger.Error("queue.consume_failed", "error", err)
			}
		}()
		go dispatch.NewSweeper(jobs, queue, sweepOpts, logger).Start(consumeCtx, cfg.Worker.SweepInterval)

		return queue, func() {
			cancel()
			<-done
			queue.Close()
			conn.Close()
		}, nil

	case "local":
		queue := dispatch.NewLocalQueue(runner, logger, dispatch.WithWorkers(cfg.Worker.Jobs))
		sweepCtx, cancel := context.WithCancel(ctx)
		go dispatch.NewSweeper(jobs, queue, sweepOpts, logger).Start(sweepCtx, cfg.Worker.SweepInterval)

		return queue, func() {
			cancel()
			shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
			defer done()
			queue.Shutdown(shutdownCtx)
		}, nil
	}

	return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
}
