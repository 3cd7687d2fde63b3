// Package api implements C12: the HTTP/WebSocket surface described in
// spec §6 — synchronous REST for CRUD and approval, a WebSocket stream for
// chat. Every route but /auth/login and /health requires a bearer session.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/approval"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/audit"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/auth"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/blobstore"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/booking"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/export"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/inference"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/rag"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
)

// Deps bundles every component the API surface delegates to. Handlers hold
// no state of their own beyond these references.
type Deps struct {
	Auth       *auth.Service
	Approval   *approval.Gateway
	Pipeline   *booking.Pipeline
	Exporter   *export.Exporter
	Blobs      blobstore.Store
	RAG        *rag.Index
	AuditLog   *audit.Log
	Store      store.Store
	Inference  *inference.Orchestrator
	Log        *zap.Logger
}

// Server owns the chi router and the underlying http.Server.
type Server struct {
	deps Deps
	http *http.Server
}

// New builds a Server bound to addr, ready to Run.
func New(addr string, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(deps.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))
	r.Use(middleware.Timeout(60 * time.Second))

	h := &handlers{deps: deps}

	r.Get("/health", h.health)
	r.Post("/auth/login", h.login)

	r.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		r.Post("/documents", h.uploadDocument)
		r.Get("/bookings", h.listBookings)
		r.Get("/bookings/{id}", h.getBooking)
		r.Post("/bookings/{id}/approve", h.approveBooking)
		r.Post("/bookings/{id}/reject", h.rejectBooking)
		r.Post("/bookings/{id}/correct", h.correctBooking)
		r.Post("/export/{client_id}", h.exportClient)
		r.Get("/laws/search", h.searchLaws)
		r.Get("/audit", h.auditRange)
		r.Get("/chat", h.chat)
		r.Post("/admin/swap-model", h.swapModel)
	})

	return &Server{
		deps: deps,
		http: &http.Server{Addr: addr, Handler: r},
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests with a
// bounded grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.deps.Log.Info("api: listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- eris.Wrap(err, "api: listen")
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.deps.Log.Info("api: shutting down")
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return eris.Wrap(err, "api: shutdown")
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func loggingMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("api: request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

func addrFromConfig(host string, port int) string {
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, port)
}
