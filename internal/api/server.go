package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verdantlabs/yardgen/internal/metrics"
	"github.com/verdantlabs/yardgen/internal/service"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Server exposes the public API. Identity arrives as the X-User-ID header set
// by the session layer in front of this service; the server trusts it and
// performs no authentication itself.
type Server struct {
	addr        string
	log         *slog.Logger
	billing     *service.BillingService
	payments    *service.PaymentService
	generations *service.GenerationService
	router      *chi.Mux
}

func NewServer(addr string, log *slog.Logger, billing *service.BillingService, payments *service.PaymentService, generations *service.GenerationService) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(latencyMiddleware)

	s := &Server{
		addr:        addr,
		log:         log,
		billing:     billing,
		payments:    payments,
		generations: generations,
		router:      r,
	}

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/payment-events", s.handlePaymentEvent)

	r.Group(func(authed chi.Router) {
		authed.Use(s.identityMiddleware)
		authed.Post("/generations", s.handleSubmitGeneration)
		authed.Get("/generations/{id}", s.handleGetGeneration)
		authed.Get("/balance", s.handleBalance)
		authed.Put("/auto-reload", s.handleUpdateAutoReload)
		authed.Get("/transactions", s.handleListTransactions)
	})

	return s
}

// Handler returns the underlying router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("api shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-ID")
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			http.Error(w, "missing or invalid X-User-ID", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

func latencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPLatency.With(prometheus.Labels{
			"method": r.Method,
			"route":  route,
		}).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
