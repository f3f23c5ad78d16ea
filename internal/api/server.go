package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/freestays/passguard/internal/domain"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server is the HTTP front of the service.
type Server struct {
	router *chi.Mux
	server *http.Server
}

// NewServer mounts every route on a chi router. Routes that change passes,
// rules or alerts sit behind ActorMiddleware.
func NewServer(cfg domain.ServerConfig, svc Services, version string) *Server {
	handler := NewHandler(svc, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(InstrumentMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())

	// Booking path and fraud ingest.
	router.Post("/bookings/quote", handler.QuoteBooking)
	router.Post("/events", handler.ReportEvent)
	router.Post("/prices", handler.PreviewPrice)
	router.Post("/prices/verify", handler.VerifyPrice)

	// Reads.
	router.Get("/accounts/{accountID}/passes", handler.ListPasses)
	router.Get("/accounts/{accountID}/activity", handler.AccountActivity)
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{id}", handler.GetRule)
	router.Get("/alerts", handler.ListAlerts)
	router.Get("/alerts/{id}", handler.GetAlert)
	router.Get("/audit/{entityType}/{entityID}", handler.AuditTrail)
	router.Get("/jobs", handler.ListJobs)

	// Changes attributed to an actor.
	router.Group(func(r chi.Router) {
		r.Use(ActorMiddleware)

		r.Post("/passes", handler.IssuePass)
		r.Post("/passes/expire", handler.ExpirePasses)
		r.Post("/accounts/{accountID}/passes/extend", handler.ExtendPass)
		r.Post("/accounts/{accountID}/passes/restore", handler.RestorePass)
		r.Post("/accounts/{accountID}/passes/suspend", handler.SuspendPass)

		r.Put("/rules/{id}", handler.UpsertRule)
		r.Post("/rules/{id}/enable", handler.EnableRule)
		r.Post("/rules/{id}/disable", handler.DisableRule)
		r.Post("/rules/reload", handler.ReloadRules)

		r.Post("/alerts/{id}/status", handler.UpdateAlertStatus)
	})

	return &Server{
		router: router,
		server: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           router,
			ReadHeaderTimeout: readHeaderTimeout,
			ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

// Addr is the host:port the server listens on.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Run serves until ctx is done, then drains open requests for at most
// shutdownTimeout. A clean shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router exposes the routes without a listener, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
