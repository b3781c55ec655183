// Package api exposes the server's HTTP surface: the WebSocket endpoint the
// clients speak the project protocol over, plus health and metrics endpoints
// for operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/codedock-io/codedock/internal/governor"
	"github.com/codedock-io/codedock/internal/metrics"
	"github.com/codedock-io/codedock/internal/protocol"
	"github.com/codedock-io/codedock/internal/router"
	"github.com/codedock-io/codedock/internal/ws"
)

// Options configures the HTTP server.
type Options struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

// Server is the HTTP listener wrapping the WebSocket hub.
type Server struct {
	opts     Options
	hub      *ws.Hub
	handler  *router.Router
	governor *governor.Governor
	metrics  *metrics.Metrics
	logger   *zap.Logger

	srv *http.Server
}

// New wires the HTTP routes.
func New(opts Options, hub *ws.Hub, handler *router.Router, gov *governor.Governor, m *metrics.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		opts:     opts,
		hub:      hub,
		handler:  handler,
		governor: gov,
		metrics:  m,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", m.Handler())

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections and closes the listener. Open
// WebSocket connections are closed through the hub, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleWS admits and upgrades a client connection, then serves it until it
// closes. Admission failures are reported over plain HTTP since no socket
// exists yet.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	if err := s.governor.AllowConnection(); err != nil {
		s.metrics.ConnectionsDenied.WithLabelValues("resources").Inc()
		s.refuse(w, err)
		return
	}
	if err := s.hub.CanAccept(ip); err != nil {
		s.metrics.ConnectionsDenied.WithLabelValues("connection_limit").Inc()
		s.refuse(w, err)
		return
	}

	upgrader := ws.Upgrader(s.opts.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.metrics.ConnectionsDenied.WithLabelValues("upgrade").Inc()
		s.logger.Debug("websocket upgrade failed",
			zap.String("remote_ip", ip), zap.Error(err))
		return
	}

	s.hub.Serve(r.Context(), conn, ip, s.handler)
}

func (s *Server) refuse(w http.ResponseWriter, err error) {
	payload := protocol.ErrorPayload{
		Code:    protocol.ErrResourceLimit,
		Message: "connection refused",
	}
	if we, ok := err.(*protocol.WireError); ok {
		payload.Code = we.Code
		payload.Message = we.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(payload)
}

// handleHealthz mirrors the in-band health_status message for load
// balancers and probes. Degraded still returns 200: the server is serving,
// just refusing new work.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.handler.Health())
}

// requestLogger logs each HTTP request at debug; WebSocket sessions get
// their own connect and disconnect logs from the hub.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(wrapped, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}
