package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/solgate/service/config"
	"github.com/brojonat/solgate/service/events"
	"github.com/brojonat/solgate/service/metrics"
	"github.com/brojonat/solgate/service/payment"
	"github.com/brojonat/solgate/service/receipts"
)

// Server is the HTTP face of the payment gate. It maps inbound requests to
// verification calls and verification outcomes to responses; all payment
// judgment lives in the verification engine.
type Server struct {
	addr        string
	cfg         *config.Config
	verifier    *payment.Verifier
	requirement *PaymentRequirement
	provider    PayloadProvider
	publisher   events.Publisher
	sse         *SSEPublisher
	store       *receipts.Store
	metrics     *metrics.Metrics
	logger      *slog.Logger
	server      *http.Server
}

// New creates a new HTTP server around a verification engine.
// The provider may be nil, in which case the built-in score provider is
// used. The publisher, sse, store, and metrics are optional; nil disables
// the corresponding surface (event publishing, streaming, the receipt
// journal, /metrics).
func New(addr string, cfg *config.Config, verifier *payment.Verifier, provider PayloadProvider, publisher events.Publisher, sse *SSEPublisher, store *receipts.Store, m *metrics.Metrics, logger *slog.Logger) *Server {
	if provider == nil {
		provider = ScoreProvider{}
	}
	return &Server{
		addr:        addr,
		cfg:         cfg,
		verifier:    verifier,
		requirement: NewPaymentRequirement(cfg),
		provider:    provider,
		publisher:   publisher,
		sse:         sse,
		store:       store,
		metrics:     m,
		logger:      logger,
	}
}

// Requirement returns the payment requirement the server advertises.
func (s *Server) Requirement() *PaymentRequirement {
	return s.requirement
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// The gated resource
	score := handleScore(s.verifier, s.requirement, s.provider, s.publisher, s.store, s.logger)
	mux.Handle("GET /api/v1/score", s.instrument("/api/v1/score", score))
	mux.Handle("POST /api/v1/score", s.instrument("/api/v1/score", score))
	mux.Handle("OPTIONS /api/v1/score", handleScoreContract(s.requirement))

	// Requirement discovery
	mux.Handle("GET /api/v1/requirement", s.instrument("/api/v1/requirement", handleGetRequirement(s.requirement)))

	// SSE streaming endpoint (if SSE publisher is configured)
	if s.sse != nil {
		mux.Handle("GET /api/v1/stream/verifications", handleStreamVerifications(s.sse, s.metrics, s.logger))
		s.logger.Info("SSE streaming endpoint enabled")
	} else {
		mux.Handle("GET /api/v1/stream/verifications", handleStreamDisabled())
		s.logger.Warn("SSE publisher not configured, streaming endpoint disabled")
	}

	// Index and health
	mux.Handle("GET /{$}", handleIndex())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	// Wrap mux with CORS middleware
	handler := corsMiddleware(mux)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server",
		"addr", s.addr,
		"receiver", s.requirement.Receiver,
		"amount", s.requirement.Amount.String(),
		"token", s.requirement.Token,
		"network", s.requirement.Network,
	)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// instrument wraps a handler with HTTP metrics under a stable handler name.
func (s *Server) instrument(name string, h http.Handler) http.Handler {
	if s.metrics == nil {
		return h
	}
	return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close the SSE publisher first so streaming clients disconnect and the
	// drain below is not held open by long-lived responses.
	if s.sse != nil {
		s.sse.Close()
	}

	// Then shutdown HTTP server
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles preflight
// requests. Preflight requests carry Access-Control-Request-Method; a plain
// OPTIONS request falls through to the route handlers so the gate contract
// description stays reachable.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers for all requests
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Payment-Signature")
		w.Header().Set("Access-Control-Expose-Headers", "X-Payment-Receiver, X-Payment-Amount, X-Payment-Token, X-Payment-Network")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Pass through to next handler
		next.ServeHTTP(w, r)
	})
}
