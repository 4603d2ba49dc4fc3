package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ticket-counter-backend/config"
	"ticket-counter-backend/internal/api"
	"ticket-counter-backend/internal/auth"
	"ticket-counter-backend/internal/broadcast"
	"ticket-counter-backend/internal/db"
	"ticket-counter-backend/internal/guard"
	"ticket-counter-backend/internal/notification"
	"ticket-counter-backend/internal/pubsub"
	"ticket-counter-backend/internal/queue"
	"ticket-counter-backend/internal/store"
	"ticket-counter-backend/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, "ticketd", version)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	appStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	for _, c := range cfg.SeedCounters {
		if err := appStore.EnsureCounter(ctx, c.Slug, c.Name); err != nil {
			return fmt.Errorf("failed to seed counter %s: %w", c.Slug, err)
		}
	}

	records, closeRecords, err := openRecords(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRecords()

	bus, closeBus, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	var (
		pusher         queue.Pusher
		webpushOptions *webpush.Options
	)
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, appStore, webpushOptions)
		pool.Start(ctx)
		pusher = pool
		log.Info().Int("workers", cfg.WorkerPool.Size).Msg("push notifications enabled")
	} else {
		log.Warn().Msg("VAPID keys not configured; push notifications disabled")
	}

	g := guard.New(records, appStore, cfg.Admission.Cooldown)
	svc := queue.NewService(appStore, g, bus, pusher, queue.Options{
		IdempotencyTTL: cfg.Admission.IdempotencyTTL,
		TopicPrefix:    cfg.Nats.SubjectPrefix,
	})

	b := broadcast.New(appStore, broadcast.Options{
		PollInterval: cfg.Broadcast.PollInterval,
		Keepalive:    cfg.Broadcast.Keepalive,
		ReadAttempts: cfg.Broadcast.ReadAttempts,
	})
	listener, err := b.Listen(ctx, bus, cfg.Nats.SubjectPrefix)
	if err != nil {
		return fmt.Errorf("failed to subscribe to counter changes: %w", err)
	}
	defer listener.Unsubscribe()

	authority, err := auth.NewAuthority(cfg.Auth.SessionSecret)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(svc, b, appStore, webpushOptions, api.Options{
		DeviceCookieName: cfg.Server.DeviceCookieName,
		SecureCookies:    cfg.Server.SecureCookies,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		RateLimitPerSec:   cfg.Server.RateLimitPerSec,
		RateLimitBurst:    cfg.Server.RateLimitBurst,
		DeviceCookieName:  cfg.Server.DeviceCookieName,
		OperatorCookie:    cfg.Auth.CookieName,
		OperatorAuthority: authority,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           otelhttp.NewHandler(router, "ticketd"),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server ListenAndServe: %w", err)
	case <-ctx.Done():
	}
	log.Info().Msg("shutdown signal received, stopping services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server Shutdown: %w", err)
	}
	log.Info().Msg("server gracefully stopped")
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn().Msg("using in-memory store; counters are lost on restart")
		return store.NewMemoryStore(), nil
	}
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store.NewGormStore(gormDB, store.WithQueryTimeout(cfg.Database.Timeout)), nil
}

func openRecords(ctx context.Context, cfg *config.Config) (guard.Records, func(), error) {
	if cfg.Redis.URL == "" {
		return guard.NewMemoryRecords(cfg.Admission.Retention), func() {}, nil
	}
	client, err := guard.DialRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info().Msg("admission records in redis")
	return guard.NewRedisRecords(client, cfg.Admission.Retention), func() { _ = client.Close() }, nil
}

func openBus(cfg *config.Config) (pubsub.PubSub, func(), error) {
	if cfg.Nats.URL == "" {
		return pubsub.NewLocal(), func() {}, nil
	}
	n, err := pubsub.NewNats(cfg.Nats.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	log.Info().Str("url", cfg.Nats.URL).Msg("counter changes over nats")
	return n, n.Close, nil
}
