package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cbtscore/internal/app"
	"cbtscore/internal/app/observability"
	"cbtscore/internal/auth"
	"cbtscore/internal/db"
	"cbtscore/internal/event"
	"cbtscore/internal/exam"
	"cbtscore/internal/question"
	"cbtscore/internal/ratelimit"

	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Printf("cbtscore stopped: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbConn, err := db.Open(ctx, cfg.DBDriver, cfg.DBDSN, cfg.PoolConfig())
	if err != nil {
		return err
	}
	defer dbConn.Close()
	if err := db.Migrate(ctx, dbConn, cfg.DBDriver); err != nil {
		return err
	}

	authSvc, err := auth.NewService(cfg.JWTSecret, 0)
	if err != nil {
		return err
	}

	saveLimiter, apiLimiter, closeLimiter, err := buildLimiters(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	publisher, err := buildPublisher(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	collector := observability.NewCollector(dbConn)
	examSvc := exam.NewService(dbConn, exam.Options{
		Dialect:         cfg.DBDriver,
		Limiter:         saveLimiter,
		Publisher:       publisher,
		Metrics:         collector,
		RequireChecksum: cfg.RequireSubmitChecksum,
	})

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: app.NewRouter(cfg, app.Services{
			Auth:       authSvc,
			Questions:  question.NewService(dbConn, cfg.DBDriver),
			Exams:      examSvc,
			APILimiter: apiLimiter,
			Collector:  collector,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("cbtscore listening on %s (env=%s, db=%s)", cfg.HTTPAddr, cfg.AppEnv, cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Printf("cbtscore shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type eventPublisher interface {
	exam.Publisher
	Close() error
}

func buildPublisher(cfg app.Config) (eventPublisher, error) {
	if cfg.RabbitMQURI == "" {
		log.Printf("event: RABBITMQ_URI not set, events are dropped")
		return event.Nop{}, nil
	}
	return event.NewAMQPPublisher(cfg.RabbitMQURI, cfg.RabbitMQExchange)
}

// buildLimiters returns the per-answer save limiter and the per-client API
// limiter. Saves go through Redis when configured so every instance shares
// the same window.
func buildLimiters(ctx context.Context, cfg app.Config) (exam.Limiter, ratelimit.Limiter, func(), error) {
	apiLimiter := ratelimit.NewMemory(cfg.APIRateLimitPerMin, time.Minute)
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemory(1, cfg.SaveRateLimit), apiLimiter, func() {}, nil
	}

	client, err := ratelimit.NewRedisClient(ctx, ratelimit.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			log.Printf("ratelimit: close redis: %v", err)
		}
	}
	return ratelimit.NewRedis(client, cfg.SaveRateLimit), apiLimiter, closeFn, nil
}
