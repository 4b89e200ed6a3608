package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kobopay/kobopay-backend/api/controllers"
	"github.com/kobopay/kobopay-backend/api/routes"
	"github.com/kobopay/kobopay-backend/internal/giftrooms"
	"github.com/kobopay/kobopay-backend/internal/ledger"
	"github.com/kobopay/kobopay-backend/internal/purchases"
	"github.com/kobopay/kobopay-backend/internal/referrals"
	"github.com/kobopay/kobopay-backend/internal/users"
	paystackwebhook "github.com/kobopay/kobopay-backend/internal/webhooks/paystack"
	"github.com/kobopay/kobopay-backend/pkg/config"
	"github.com/kobopay/kobopay-backend/pkg/db"
	"github.com/kobopay/kobopay-backend/pkg/logger"
	"github.com/kobopay/kobopay-backend/pkg/metrics"
	"github.com/kobopay/kobopay-backend/pkg/migrate"
	"github.com/kobopay/kobopay-backend/pkg/paystack"
	"github.com/kobopay/kobopay-backend/pkg/redis"
	"github.com/kobopay/kobopay-backend/pkg/vtu"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	paystackClient, err := paystack.NewClient(cfg.Paystack, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create paystack client", err)
		os.Exit(1)
	}

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

	giftRoomRepo := giftrooms.NewRepository(dbClient.DB())
	giftRoomService, err := giftrooms.NewService(giftrooms.ServiceParams{
		Runner:    dbClient,
		Repo:      giftRoomRepo,
		Ledger:    ledgerService,
		Referrals: referralService,
		Logger:    logg,
		Config:    cfg.Gift,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create gift room service", err)
		os.Exit(1)
	}

	sweeper, err := giftrooms.NewSweeper(giftrooms.SweeperParams{
		Repo:      giftRoomRepo,
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

	paymentEvents, err := paystackwebhook.NewService(paystackwebhook.ServiceParams{
		Gateway:   paystackClient,
		Ledger:    ledgerService,
		Referrals: referralService,
		Store:     redisClient,
		Runner:    dbClient,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payment event service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": id,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config: cfg,
			Logger: logg,
			ReadinessProbes: map[string]controllers.Pinger{
				"database": dbClient,
				"redis":    redisClient,
			},
			Ledger:           ledgerService,
			GiftRooms:        giftRoomService,
			Sweeper:          sweeper,
			Purchases:        purchaseService,
			PaymentEvents:    paymentEvents,
			WebhookSignature: paystackClient,
			RateLimiter:      redisClient,
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
