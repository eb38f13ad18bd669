package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the ops listener. It serves /health and /metrics.
type Server struct {
	addr     string
	health   *HealthChecker
	registry *prometheus.Registry
	logger   *slog.Logger
	server   *http.Server
	ready    chan struct{}
	boundTo  string
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:9090".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithHealthChecker sets the checker behind /health.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) { s.health = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates an ops server exposing reg. Go and process collectors
// are added to reg.
func NewServer(reg *prometheus.Registry, opts ...Option) *Server {
	s := &Server{
		addr:     "127.0.0.1:9090",
		registry: reg,
		logger:   slog.Default(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = NewHealthChecker(nil, nil, nil, "")
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Handler builds the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	metrics := NewMetrics(s.registry)

	mux := http.NewServeMux()
	mux.Handle("/health", s.health.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	var h http.Handler = mux
	h = correlate(s.logger)(h)
	h = instrument(metrics, "/health", "/metrics")(h)
	return h
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() string {
	<-s.ready
	return s.boundTo
}

// Start listens and serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		close(s.ready)
		return err
	}
	s.boundTo = ln.Addr().String()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	close(s.ready)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting ops server", "addr", s.boundTo)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during ops server shutdown", "error", err)
		return err
	}
	s.logger.Info("ops server shutdown complete")
	return nil
}
