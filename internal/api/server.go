package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// Server is the Kestrel HTTP API.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
}

// NewServer wires the middleware stack and every route.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		handler: NewHandler(deps),
	}

	s.router.Use(CORSMiddleware)
	s.router.Use(RecoverMiddleware)
	s.router.Use(TracingMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Compress(5))
	s.routes()

	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	h := s.handler
	r := s.router

	// Health checks and scrape target
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Method(http.MethodGet, "/prometheus", telemetry.Handler())

	// Model management and scoring
	r.Post("/score", h.Score)
	r.Get("/algorithms", h.Algorithms)
	r.Post("/train/{algorithm}", h.Train)
	r.Post("/select/{algorithm}", h.Select)
	r.Get("/metrics", h.Metrics)

	// Audit and configuration
	r.Get("/decisions/{id}", h.GetDecision)
	r.Get("/policies", h.Policies)

	r.Route("/chatbot", func(r chi.Router) {
		r.Post("/message", h.ChatMessage)
		r.Route("/user/{userID}", func(r chi.Router) {
			r.Get("/info", h.UserInfo)
			r.Get("/transactions", h.UserTransactions)
			r.Get("/fraud-summary", h.FraudSummary)
		})
		r.Get("/session/{userID}", h.GetSession)
		r.Delete("/session/{userID}", h.ClearSession)
	})
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start listens and serves until Shutdown. It returns http.ErrServerClosed
// after a graceful shutdown.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router returns the chi router, for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the request handlers, for tests.
func (s *Server) Handler() *Handler {
	return s.handler
}
