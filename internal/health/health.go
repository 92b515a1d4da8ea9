// Package health exposes process liveness over gRPC (grpc.health.v1) and
// over a plain HTTP endpoint backed by the same status.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Checker holds the serving status for the whole process ("") and for one
// named service.
type Checker struct {
	service string
	srv     *health.Server
}

// NewChecker creates a Checker reporting SERVING for "" and service.
//
// Precondition: service must be non-empty.
func NewChecker(service string) *Checker {
	c := &Checker{service: service, srv: health.NewServer()}
	c.SetServing(true)
	return c
}

// Service returns the named service this checker reports for.
func (c *Checker) Service() string { return c.service }

// SetServing flips both the process and the named service status.
func (c *Checker) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	c.srv.SetServingStatus("", status)
	c.srv.SetServingStatus(c.service, status)
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (c *Checker) Shutdown() {
	c.srv.Shutdown()
}

// Serving reports whether the process status is SERVING.
func (c *Checker) Serving(ctx context.Context) bool {
	resp, err := c.srv.Check(ctx, &healthpb.HealthCheckRequest{})
	return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

type statusBody struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ServeHTTP writes {"status":"serving"} with 200, or "not_serving" with 503.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := statusBody{Status: "serving", Service: c.service}
	code := http.StatusOK
	if !c.Serving(r.Context()) {
		body.Status = "not_serving"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Server serves the grpc.health.v1 service on its own listener.
type Server struct {
	addr    string
	checker *Checker
	logger  *zap.Logger

	grpc     *grpc.Server
	listener net.Listener
	mu       sync.Mutex
	running  bool
}

// NewServer creates a gRPC health server bound to addr.
//
// Precondition: checker and logger must be non-nil.
// Postcondition: Returns a Server ready to be started with ListenAndServe.
func NewServer(addr string, checker *Checker, logger *zap.Logger) *Server {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, checker.srv)
	return &Server{
		addr:    addr,
		checker: checker,
		logger:  logger,
		grpc:    gs,
	}
}

// ListenAndServe listens on the configured address and serves until Stop is
// called. It blocks.
//
// Postcondition: The listener is closed when this method returns.
func (s *Server) ListenAndServe() error {
	start := time.Now()
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.logger.Info("grpc health listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("service", s.checker.Service()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := s.grpc.Serve(listener); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("serving grpc health: %w", err)
	}
	return nil
}

// Stop reports NOT_SERVING and gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false

	s.checker.Shutdown()
	s.grpc.GracefulStop()
	s.logger.Info("grpc health stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
