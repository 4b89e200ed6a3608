package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kobopay/kobopay-backend/internal/cron"
	"github.com/kobopay/kobopay-backend/internal/giftrooms"
	"github.com/kobopay/kobopay-backend/internal/ledger"
	"github.com/kobopay/kobopay-backend/internal/purchases"
	"github.com/kobopay/kobopay-backend/internal/referrals"
	"github.com/kobopay/kobopay-backend/internal/users"
	"github.com/kobopay/kobopay-backend/pkg/config"
	"github.com/kobopay/kobopay-backend/pkg/db"
	"github.com/kobopay/kobopay-backend/pkg/logger"
	"github.com/kobopay/kobopay-backend/pkg/metrics"
	"github.com/kobopay/kobopay-backend/pkg/migrate"
	"github.com/kobopay/kobopay-backend/pkg/redis"
	"github.com/kobopay/kobopay-backend/pkg/vtu"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	vtuClient, err := vtu.NewClient(cfg.VTU, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create vtu client", err)
		os.Exit(1)
	}

	ledgerRepo := ledger.NewRepository(dbClient.DB())
	ledgerService, err := ledger.NewService(dbClient, ledgerRepo, logg, metrics.NewLedgerMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	referralService, err := referrals.NewService(referrals.ServiceParams{
		Runner:    dbClient,
		Repo:      referrals.NewRepository(dbClient.DB()),
		UserRepo:  users.NewRepository(dbClient.DB()),
		Ledger:    ledgerService,
		Logger:    logg,
		BonusKobo: cfg.Referral.BonusKobo,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create referral service", err)
		os.Exit(1)
	}

	sweeper, err := giftrooms.NewSweeper(giftrooms.SweeperParams{
		Repo:      giftrooms.NewRepository(dbClient.DB()),
		Ledger:    ledgerService,
		Logger:    logg,
		BatchSize: cfg.Reaper.BatchSize,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create sweeper", err)
		os.Exit(1)
	}

	vtuProvider, err := purchases.NewVTUProvider(vtuClient)
	if err != nil {
		logg.Error(context.Background(), "failed to create vtu provider", err)
		os.Exit(1)
	}
	purchaseService, err := purchases.NewService(purchases.ServiceParams{
		Ledger:     ledgerService,
		LedgerRepo: ledgerRepo,
		Provider:   vtuProvider,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create purchase service", err)
		os.Exit(1)
	}

	roomSweepJob, err := cron.NewGiftRoomSweepJob(logg, sweeper)
	if err != nil {
		logg.Error(context.Background(), "failed to create gift room sweep job", err)
		os.Exit(1)
	}
	reservationSweepJob, err := cron.NewReservationSweepJob(logg, sweeper)
	if err != nil {
		logg.Error(context.Background(), "failed to create reservation sweep job", err)
		os.Exit(1)
	}
	reconcileJob, err := cron.NewLedgerReconcileJob(cron.LedgerReconcileJobParams{
		Logger:    logg,
		Claims:    sweeper,
		Bonuses:   referralService,
		Purchases: purchaseService,
		BatchSize: cfg.Reaper.BatchSize,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger reconcile job", err)
		os.Exit(1)
	}

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockName(cfg.App.Env)), cfg.Reaper.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry(roomSweepJob, reservationSweepJob, reconcileJob)
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
		Interval: cfg.Reaper.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	if port := os.Getenv("METRICS_PORT"); port != "" {
		go serveMetrics(ctx, logg, port)
	}

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func serveMetrics(ctx context.Context, logg *logger.Logger, port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		logg.Error(ctx, "metrics server stopped", err)
	}
}

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf("cron-worker:%s", env)
}
