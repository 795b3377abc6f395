package api

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hugh/tenantgate/internal/access"
	"github.com/hugh/tenantgate/internal/api/handlers"
	"github.com/hugh/tenantgate/internal/api/middleware"
	"github.com/hugh/tenantgate/internal/auth"
	"github.com/hugh/tenantgate/internal/billing"
	"github.com/hugh/tenantgate/internal/catalog"
	"github.com/hugh/tenantgate/internal/entitlement"
	"github.com/hugh/tenantgate/internal/lifecycle"
	"github.com/hugh/tenantgate/internal/notify"
	"github.com/hugh/tenantgate/internal/tasks"
	"github.com/hugh/tenantgate/pkg/queue"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const sessionMemoSize = 4096

type Router struct {
	chi.Router
}

type RouterConfig struct {
	DB         *gorm.DB
	Redis      *redis.Client // optional; enables the catalog cache
	Logger     *slog.Logger
	JWTService auth.TokenService

	// Queue is optional. Without it webhooks are reconciled in-line and
	// notifications are only logged.
	Queue     queue.Enqueuer
	Inspector tasks.TaskInspector // optional; enables held event endpoints

	WebhookSecret   string
	BillingMaxRetry int
	BillingTimeout  time.Duration
	CatalogTTL      time.Duration

	AllowedOrigins []string // CORS allowed origins
	RateLimitReqs  int      // Rate limit requests per window
	RateLimitSecs  int      // Rate limit window in seconds
}

func NewRouter(cfg RouterConfig) *Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logging(cfg.Logger))

	allowedOrigins := cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		// Default to localhost for development - configure in production
		allowedOrigins = []string{"http://localhost:3000", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Initialize services
	store := entitlement.NewStore(cfg.DB, cfg.Logger)
	tracker := lifecycle.NewTracker(cfg.DB, cfg.Logger)
	assembler := access.NewAssembler(cfg.DB, store, access.NewMemo(sessionMemoSize), cfg.Logger)
	plans := catalog.New(cfg.DB, cfg.Redis, cfg.CatalogTTL, cfg.Logger)

	var notifier notify.Sender = notify.NewLogSender(cfg.Logger)
	var publisher handlers.EventPublisher
	if cfg.Queue != nil {
		notifier = notify.NewDispatcher(cfg.Queue, cfg.Logger)
		publisher = tasks.NewPublisher(cfg.Queue, cfg.BillingMaxRetry, cfg.BillingTimeout)
	}
	reconciler := billing.NewReconciler(cfg.DB, store, plans, notifier, cfg.Logger)

	var held *tasks.HeldEvents
	if cfg.Inspector != nil {
		held = tasks.NewHeldEvents(cfg.Inspector)
	}

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(cfg.DB, cfg.Redis)
	webhookHandler := handlers.NewWebhookHandler(cfg.WebhookSecret, publisher, reconciler, cfg.Logger)
	accessHandler := handlers.NewAccessHandler(assembler, store, cfg.Logger)
	orgHandler := handlers.NewOrganizationHandler(tracker)
	adminHandler := handlers.NewAdminHandler(tracker, held, cfg.Logger)

	// Health and metrics endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Billing provider webhooks authenticate by signature
	r.Group(func(r chi.Router) {
		if cfg.RateLimitReqs > 0 {
			r.Use(middleware.RateLimit(middleware.NewRateLimiter(cfg.RateLimitReqs, cfg.RateLimitSecs), middleware.ByIP))
		}
		r.Post("/webhooks/billing", webhookHandler.Billing)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTService))
		if cfg.RateLimitReqs > 0 {
			r.Use(middleware.RateLimit(middleware.NewRateLimiter(cfg.RateLimitReqs, cfg.RateLimitSecs), middleware.ByUser))
		}

		r.Get("/access", accessHandler.Session)
		r.Post("/usage", accessHandler.AdjustUsage)

		r.Route("/organizations", func(r chi.Router) {
			r.Post("/", orgHandler.Create)
			r.Post("/{id}/{transition}", orgHandler.Transition)
		})

		// Operator endpoints
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireOperator)

			r.Route("/organizations", func(r chi.Router) {
				r.Get("/", adminHandler.ListOrganizations)
				r.Get("/{id}", adminHandler.GetOrganization)
				r.Get("/{id}/history", adminHandler.History)
				r.Post("/{id}/transitions/{transition}", adminHandler.Transition)
			})

			r.Route("/billing/held", func(r chi.Router) {
				r.Get("/", adminHandler.ListHeldEvents)
				r.Post("/{id}/replay", adminHandler.ReplayHeldEvent)
				r.Delete("/{id}", adminHandler.DiscardHeldEvent)
			})
		})
	})

	return &Router{r}
}
