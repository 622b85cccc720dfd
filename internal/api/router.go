package api

import (
	"net/http"

	"codesync/internal/middleware"

	"github.com/gorilla/mux"
)

// RouterConfig carries what the routes need besides the handler.
type RouterConfig struct {
	Verifier       middleware.TokenVerifier
	WebSocket      http.Handler
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
}

func SetupRoutes(h *Handler, cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()

	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	// Preflight requests carry no credentials; CORSMiddleware answers them.
	r.PathPrefix("/api/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	api := r.PathPrefix("/api").Subrouter()
	if cfg.RateLimiter != nil {
		api.Use(cfg.RateLimiter.Middleware)
	}
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	projects := api.PathPrefix("/projects").Subrouter()
	projects.Use(middleware.AuthRequired(cfg.Verifier))
	projects.HandleFunc("/{id}/role", h.GetRole).Methods(http.MethodGet)
	projects.HandleFunc("/{id}/code", h.SaveCode).Methods(http.MethodPut)
	projects.HandleFunc("/{id}/chat", h.GetChat).Methods(http.MethodGet)

	// The socket authenticates itself before upgrading.
	if cfg.WebSocket != nil {
		r.Handle("/ws", cfg.WebSocket).Methods(http.MethodGet)
	}

	return r
}
