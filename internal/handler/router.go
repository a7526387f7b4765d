package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/rag-workspace/internal/config"
	"github.com/capitalize-ai/rag-workspace/internal/middleware"
	"github.com/capitalize-ai/rag-workspace/internal/service"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
)

// Services are the business services behind the API.
type Services struct {
	Chat      *service.ChatService
	Sessions  *service.SessionService
	Documents *service.DocumentService
	// Archive is nil when the turn archive is disabled.
	Archive Pinger
}

// NewRouter builds the API router.
func NewRouter(cfg *config.Config, svc Services, log *logger.Logger) http.Handler {
	healthHandler := NewHealthHandler(svc.Archive)
	chatHandler := NewChatHandler(svc.Chat, cfg.AdminScope, log)
	sessionHandler := NewSessionHandler(svc.Sessions, log)
	documentHandler := NewDocumentHandler(svc.Documents, cfg.AdminScope, cfg.MaxUploadBytes, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.With(middleware.ChatQuota(cfg.ChatQuotaRequests, cfg.ChatQuotaWindow)).Post("/chat", chatHandler.Chat)

		r.Get("/sessions", sessionHandler.List)
		r.Get("/sessions/{id}/messages", sessionHandler.Messages)

		r.Route("/documents", func(r chi.Router) {
			r.Get("/", documentHandler.List)
			r.Post("/", documentHandler.Upload)
			r.Delete("/{id}", documentHandler.Delete)
			r.Patch("/{id}/toggle", documentHandler.Toggle)
			r.Post("/{id}/reprocess", documentHandler.Reprocess)
		})

		r.Get("/folders", documentHandler.ListFolders)
		r.Post("/folders", documentHandler.CreateFolder)

		r.Route("/shared-documents", func(r chi.Router) {
			r.Get("/", documentHandler.ListShared)
			r.Get("/folders", documentHandler.ListSharedFolders)
			r.Patch("/{id}/toggle-user", documentHandler.TogglePreference)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireScope(cfg.AdminScope))
				r.Post("/", documentHandler.UploadShared)
				r.Post("/folders", documentHandler.CreateSharedFolder)
				r.Get("/storage", documentHandler.Storage)
				r.Patch("/{id}/toggle-visibility", documentHandler.ToggleVisibility)
				r.Patch("/{id}/toggle-rag", documentHandler.ToggleRAG)
				r.Post("/{id}/reprocess", documentHandler.ReprocessShared)
			})
		})
	})

	return r
}
