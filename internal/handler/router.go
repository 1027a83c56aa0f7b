package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/subsubl/gate-control/internal/util"
)

// HealthChecker reports failing dependencies by name.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

type Handlers struct {
	Access *AccessHandler
	Auth   *AuthHandler
	Admin  *AdminHandler
	Health HealthChecker
}

type healthResponse struct {
	Status   string            `json:"status"`
	Service  string            `json:"service"`
	Failures map[string]string `json:"failures,omitempty"`
	Degraded []string          `json:"degraded,omitempty"`
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(h Handlers, corsOrigins []string, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)

	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	router.Get("/health", healthHandler(h.Health))

	router.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			h.Access.RegisterRoutes(r)
			h.Auth.RegisterRoutes(r)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.Auth.RequireAdmin)
			h.Admin.RegisterRoutes(r)
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"method not allowed"}`))
	})

	return router
}

// healthHandler always answers 200; failing dependencies mark the body degraded.
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "healthy", Service: "gate-control"}

		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()

			if failures := checker.HealthCheck(ctx); len(failures) > 0 {
				resp.Status = "degraded"
				resp.Failures = make(map[string]string, len(failures))
				for name, err := range failures {
					resp.Failures[name] = err.Error()
					resp.Degraded = append(resp.Degraded, name)
				}
				sort.Strings(resp.Degraded)
			}
		}

		responder{logger: util.Get()}.respondWithJSON(w, http.StatusOK, resp)
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
