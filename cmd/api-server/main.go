package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hackgods/clinic-booking/internal/api"
	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/metrics"
	"github.com/hackgods/clinic-booking/internal/notify"
	"github.com/hackgods/clinic-booking/internal/payments"
	"github.com/hackgods/clinic-booking/internal/penalty"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
)

var version = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	logger := logging.New(cfg.LogLevel).With("service", "api-server", "env", cfg.Env)

	log.Printf("running in env=%s http_port=%s tz=%s", cfg.Env, cfg.HTTPPort, cfg.Booking.Timezone)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	log.Println("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("error closing redis: %v", err)
		}
	}()
	log.Println("connected to Redis")

	m := metrics.NewBookingMetrics(prometheus.DefaultRegisterer)

	dispatcher := notify.NewDispatcher(notify.LogSink{Logger: logger}, notify.Options{
		QueueSize: cfg.Notify.QueueSize,
		Workers:   cfg.Notify.Workers,
		Logger:    logger,
		Metrics:   m,
	})
	dispatcher.Start()

	repo := appointment.NewPgRepository(pgPool)
	locker := redisclient.NewRedisScheduleLocker(rdb, cfg.LockTTL, 2*time.Second)

	penaltyEngine := penalty.NewEngine(penalty.NewPgStore(pgPool), cfg.Penalty,
		penalty.WithLocation(cfg.Booking.Timezone),
		penalty.WithLogger(logger),
		penalty.WithMetrics(m),
	)
	ledger := appointment.NewService(repo, locker, penaltyEngine, dispatcher, cfg.Booking,
		appointment.WithLogger(logger),
		appointment.WithMetrics(m),
	)
	ledger.SetPenalizer(penaltyEngine)

	var gateway payments.Gateway
	if cfg.Payments.AllowFakePayments {
		log.Println("using fake payment gateway")
		gateway = payments.NewFakeGateway(cfg.Payments.PublicBaseURL, logger)
	} else {
		if cfg.Payments.GatewayAccessToken == "" {
			log.Println("GATEWAY_ACCESS_TOKEN is empty; checkout calls will fail")
		}
		gateway = payments.NewMercadoPagoClient(cfg.Payments.GatewayAccessToken, cfg.Payments.GatewayTimeout, logger).
			WithBaseURL(cfg.Payments.GatewayBaseURL)
	}
	if cfg.Payments.WebhookSecret == "" {
		log.Println("WEBHOOK_SECRET is empty; all payment notifications will be rejected")
	}

	reconciler := payments.NewReconciler(gateway, repo, ledger, penaltyEngine, cfg.Payments.AmountToleranceCents, logger)
	checkout := payments.NewCheckoutService(gateway, repo, cfg.Payments.PublicBaseURL, cfg.Payments.WebhookSecret, logger)
	webhook := payments.NewWebhookHandler(reconciler, payments.WebhookOptions{
		Secret:   cfg.Payments.WebhookSecret,
		MaxBytes: cfg.Payments.WebhookMaxBytes,
		Dedupe:   redisclient.NewRedisDeduper(rdb, "payments", cfg.Payments.WebhookDedupeTTL),
		Metrics:  m,
		Logger:   logger,
	})

	router := api.NewRouter(api.RouterConfig{
		Ledger:    ledger,
		Penalties: penaltyEngine,
		Checkout:  checkout,
		Payments:  reconciler,
		Webhook:   webhook,
		Postgres:  pgPool,
		Redis: api.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}),
		Gatherer: prometheus.DefaultGatherer,
		Timezone: cfg.Booking.Timezone,
		Logger:   logger,
		Env:      cfg.Env,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Println("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Printf("notification drain error: %v", err)
	}
}
