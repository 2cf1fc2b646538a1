package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/dental-booking/internal/admin"
	"github.com/wolfman30/dental-booking/internal/cancellation"
	"github.com/wolfman30/dental-booking/internal/fallback"
	httpmiddleware "github.com/wolfman30/dental-booking/internal/http/middleware"
	"github.com/wolfman30/dental-booking/internal/http/respond"
	"github.com/wolfman30/dental-booking/internal/payments"
	"github.com/wolfman30/dental-booking/internal/reservations"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Reservations       *reservations.Handler
	Checkout           *payments.CheckoutHandler
	StripeWebhook      *payments.StripeWebhookHandler
	Cancellation       *cancellation.Handler
	Fallback           *fallback.Handler
	Admin              *admin.Handler
	AdminAuthSecret    string
	ReserveLimiter     httpmiddleware.Limiter
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// Ready reports whether backing stores are reachable. Optional.
	Ready func(ctx context.Context) error
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// CORS runs first so every path answers preflight, including unknown ones.
	r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Get("/health", health(cfg.Ready))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/api", func(api chi.Router) {
		if cfg.Reservations != nil {
			api.Group(func(limited chi.Router) {
				if cfg.ReserveLimiter != nil {
					limited.Use(httpmiddleware.RateLimit(cfg.ReserveLimiter, cfg.Logger))
				}
				limited.Post("/reserve-slot", cfg.Reservations.ReserveSlot)
			})
			api.Delete("/reservations/{reservationID}", cfg.Reservations.Release)
		}
		if cfg.Checkout != nil {
			api.Post("/create-stripe-session", cfg.Checkout.CreateSession)
		}
		if cfg.StripeWebhook != nil {
			api.Post("/webhook", cfg.StripeWebhook.Handle)
		}
		if cfg.Cancellation != nil {
			api.Get("/get-booking", cfg.Cancellation.GetBooking)
			api.Post("/process-cancellation", cfg.Cancellation.ProcessCancellation)
		}
		if cfg.Fallback != nil {
			api.Post("/bookings", cfg.Fallback.RecordBooking)
		}
	})

	if cfg.Admin != nil {
		r.Route("/admin", func(adminRoutes chi.Router) {
			adminRoutes.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			adminRoutes.Mount("/", cfg.Admin.Routes())
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respond.Error(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respond.Error(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

func health(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				respond.JSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "status": "unavailable"})
				return
			}
		}
		respond.Success(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}
