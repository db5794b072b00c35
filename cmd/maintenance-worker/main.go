package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/metrics"
	"github.com/hackgods/clinic-booking/internal/notify"
	"github.com/hackgods/clinic-booking/internal/penalty"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
)

// The worker sends appointment reminders and suspends patients whose
// no-show fee is past its grace window.
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("maintenance-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	logger := logging.New(cfg.LogLevel).With("service", "maintenance-worker", "env", cfg.Env)

	log.Printf("running maintenance worker in env=%s interval=%s", cfg.Env, cfg.WorkerInterval)

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

	rdb, err := redisclient.NewRedisClient(redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: 2,
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
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := dispatcher.Stop(ctx); err != nil {
			log.Printf("notification drain error: %v", err)
		}
	}()

	penaltyEngine := penalty.NewEngine(penalty.NewPgStore(pgPool), cfg.Penalty,
		penalty.WithLocation(cfg.Booking.Timezone),
		penalty.WithLogger(logger),
		penalty.WithMetrics(m),
	)
	repo := appointment.NewPgRepository(pgPool)
	locker := redisclient.NewRedisScheduleLocker(rdb, cfg.LockTTL, 2*time.Second)
	ledger := appointment.NewService(repo, locker, penaltyEngine, dispatcher, cfg.Booking,
		appointment.WithLogger(logger),
		appointment.WithMetrics(m),
	)

	// Run once at startup
	runOnce(rootCtx, ledger, penaltyEngine)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Println("shutdown signal received, stopping maintenance worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, ledger, penaltyEngine)
		}
	}
}

func runOnce(ctx context.Context, ledger *appointment.Service, penalties *penalty.Engine) {
	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	start := time.Now()

	sent, err := ledger.SendReminders(runCtx)
	if err != nil {
		log.Printf("reminder run error: %v", err)
	}

	suspended, err := penalties.SweepOverdue(runCtx)
	if err != nil {
		log.Printf("overdue sweep error: %v", err)
	}

	log.Printf("maintenance run complete in %s reminders=%d suspended=%d", time.Since(start), sent, suspended)
}
