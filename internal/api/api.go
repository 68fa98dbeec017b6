// Package api serves the HuntPipe HTTP surface: the inbound webhook, breaker
// state, health and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/breaker"
	"github.com/BTreeMap/HuntPipe/internal/ingest"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	DefaultAddr = ":8080"
	// MaxBodyBytes bounds a webhook request body.
	MaxBodyBytes = 1 << 20
)

// HealthFunc reports whether the service's dependencies are reachable.
type HealthFunc func(ctx context.Context) error

// Server is the HTTP front end of the ingest path.
type Server struct {
	ingestor *ingest.Ingestor
	breaker  *breaker.Breaker
	ingress  *rate.Limiter
	health   HealthFunc
	addr     string
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithIngressLimit sheds webhook traffic above rps (with the given burst)
// before it reaches the datastore. rps <= 0 disables the limit.
func WithIngressLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.ingress = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.ingress = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHealthCheck sets the readiness check used by /healthz.
func WithHealthCheck(fn HealthFunc) Option {
	return func(s *Server) { s.health = fn }
}

// NewServer creates a Server.
func NewServer(ingestor *ingest.Ingestor, brk *breaker.Breaker, opts ...Option) *Server {
	s := &Server{ingestor: ingestor, breaker: brk, addr: DefaultAddr}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/webhooks/inbound", s.inboundHandler)
	mux.HandleFunc("/v1/breaker", s.breakerHandler)
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
