package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouteConfig carries the router's deployment settings.
type RouteConfig struct {
	// AllowedOrigins lists the CORS origins of the owner dashboard.
	AllowedOrigins []string
	// APIToken, when set, is required as a Bearer token on /api routes.
	APIToken string
}

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, hc *HealthChecker, cfg RouteConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks (no auth required)
	if hc != nil {
		r.Get("/health", hc.HandleHealth)
		r.Get("/health/live", hc.HandleLiveness)
		r.Get("/health/ready", hc.HandleReadiness)
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.APIToken != "" {
			r.Use(bearerAuth(cfg.APIToken))
		}

		r.Route("/campaigns/{campaignID}", func(r chi.Router) {
			r.Get("/", h.GetCampaign)
			r.Post("/activate", h.ActivateCampaign)
			r.Post("/deactivate", h.DeactivateCampaign)
			r.Post("/recompute", h.RecomputeCampaign)
			r.Post("/enroll", h.Enroll)
			r.Post("/steps/{stepID}/test", h.SendTest)
		})
		r.Post("/counters/recompute", h.RecomputeAll)

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Post("/cancel", h.CancelRequests)
			r.Get("/{requestID}", h.GetRequest)
			r.Post("/{requestID}/send", h.SendNow)
			r.Post("/{requestID}/retry", h.Retry)
		})

		r.Post("/lists/{listID}/join", h.ListJoin)
		r.Post("/lists/{listID}/leave", h.ListLeave)
	})

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			got := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
