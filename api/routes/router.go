package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kobopay/kobopay-backend/api/controllers"
	"github.com/kobopay/kobopay-backend/api/middleware"
	giftroomsvc "github.com/kobopay/kobopay-backend/internal/giftrooms"
	ledgersvc "github.com/kobopay/kobopay-backend/internal/ledger"
	purchasesvc "github.com/kobopay/kobopay-backend/internal/purchases"
	paystackwebhook "github.com/kobopay/kobopay-backend/internal/webhooks/paystack"
	"github.com/kobopay/kobopay-backend/pkg/config"
	"github.com/kobopay/kobopay-backend/pkg/logger"
)

// RouterParams carry everything the HTTP surface needs.
type RouterParams struct {
	Config           *config.Config
	Logger           *logger.Logger
	ReadinessProbes  map[string]controllers.Pinger
	Ledger           ledgersvc.Service
	GiftRooms        giftroomsvc.Service
	Sweeper          giftroomsvc.Sweeper
	Purchases        purchasesvc.Service
	PaymentEvents    *paystackwebhook.Service
	WebhookSignature controllers.SignatureValidator
	RateLimiter      middleware.RateLimiterStore
}

func NewRouter(params RouterParams) http.Handler {
	cfg := params.Config
	logg := params.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, params.ReadinessProbes))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Gateway deliveries authenticate with an HMAC signature, not a bearer
	// token.
	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/paystack", controllers.PaystackWebhook(params.PaymentEvents, params.WebhookSignature, logg))
	})

	// Invite-link surface. Recipients may not have an account yet, so the
	// room lookup is public and reserving accepts either a bearer token or a
	// contact fingerprint.
	reservePolicy := middleware.NewRateLimitPolicy("gift-reserve", cfg.RateLimit.ReserveWindow, cfg.RateLimit.ReservePerIP)
	r.Route("/api/v1/gift-rooms/{token}", func(r chi.Router) {
		r.Get("/", controllers.GiftRoomGet(params.GiftRooms, logg))
		r.With(
			middleware.RateLimit(reservePolicy, params.RateLimiter, logg),
			middleware.OptionalAuth(cfg.JWT, logg),
		).Post("/reservations", controllers.GiftRoomReserve(params.GiftRooms, logg))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Route("/v1/wallet", func(r chi.Router) {
			r.Get("/balance", controllers.WalletBalance(params.Ledger, logg))
			r.Get("/entries", controllers.WalletEntries(params.Ledger, logg))
			r.Post("/deposits/verify", controllers.DepositVerify(params.PaymentEvents, logg))
		})

		r.Route("/v1/gift-rooms", func(r chi.Router) {
			r.Post("/", controllers.GiftRoomCreate(params.GiftRooms, logg))
			r.Get("/mine", controllers.GiftRoomsMine(params.GiftRooms, logg))
		})

		r.Post("/v1/reservations/{reservationID}/claim", controllers.GiftClaimCreate(params.GiftRooms, logg))

		r.Post("/v1/purchases", controllers.PurchaseCreate(params.Purchases, logg))
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Post("/v1/sweeps/run", controllers.AdminRunSweep(params.Sweeper, logg))
	})

	return r
}
