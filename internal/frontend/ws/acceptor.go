// Package ws serves the match protocol over WebSocket and mounts the HTTP
// liveness endpoint on the same listener.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/cory-johannsen/gambit/internal/config"
	"github.com/cory-johannsen/gambit/internal/frontend/handlers"
	"github.com/cory-johannsen/gambit/internal/match/presence"
)

// SessionHandler processes one connected client until it goes away.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn handlers.Conn) error
}

// Acceptor upgrades HTTP requests on /ws and dispatches each connection to a
// SessionHandler.
type Acceptor struct {
	cfg     config.HTTPConfig
	handler SessionHandler
	logger  *zap.Logger
	router  *mux.Router
	newID   func() string

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewAcceptor creates an Acceptor. A non-nil health handler is served on GET /health.
//
// Precondition: handler and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.HTTPConfig, handler SessionHandler, health http.Handler, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		router:  mux.NewRouter(),
		newID:   uuid.NewString,
		quit:    make(chan struct{}),
	}
	a.router.HandleFunc("/ws", a.serveWS).Methods(http.MethodGet)
	if health != nil {
		a.router.Handle("/health", health).Methods(http.MethodGet, http.MethodHead)
	}
	return a
}

// Handler returns the acceptor's router.
func (a *Acceptor) Handler() http.Handler {
	return a.router
}

// ListenAndServe starts the HTTP listener and serves until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
	}

	a.mu.Lock()
	a.listener = listener
	a.server = srv
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Strings("allowed_origins", a.cfg.AllowedOrigins),
		zap.Duration("startup", time.Since(start)),
	)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// serveWS upgrades a single request and runs the session handler on it.
func (a *Acceptor) serveWS(w http.ResponseWriter, r *http.Request) {
	a.wg.Add(1)
	defer a.wg.Done()

	select {
	case <-a.quit:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	start := time.Now()
	raw, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.cfg.AllowedOrigins,
	})
	if err != nil {
		a.logger.Debug("websocket upgrade rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("origin", r.Header.Get("Origin")),
			zap.Error(err),
		)
		return
	}
	raw.SetReadLimit(a.cfg.MaxFrameBytes)

	conn := NewConn(a.newID(), r.RemoteAddr, raw, a.cfg.OutboxSize, a.cfg.WriteTimeout, a.logger)
	a.logger.Info("client connected",
		zap.String("conn_id", conn.ID()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-a.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	herr := a.handler.HandleSession(ctx, conn)
	code, reason := closeStatus(herr)
	select {
	case <-a.quit:
		code, reason = websocket.StatusGoingAway, "server shutting down"
	default:
	}
	if err := conn.Close(code, reason); err != nil {
		a.logger.Debug("closing websocket", zap.String("conn_id", conn.ID()), zap.Error(err))
	}

	if herr != nil {
		a.logger.Debug("session ended",
			zap.String("conn_id", conn.ID()),
			zap.Error(herr),
			zap.Duration("duration", time.Since(start)),
		)
	} else {
		a.logger.Info("session ended cleanly",
			zap.String("conn_id", conn.ID()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil:
		return websocket.StatusNormalClosure, ""
	case errors.Is(err, handlers.ErrRateLimited):
		return websocket.StatusPolicyViolation, "rate limit exceeded"
	case errors.Is(err, handlers.ErrTooManyDecodeErrors):
		return websocket.StatusUnsupportedData, "too many malformed frames"
	case errors.Is(err, handlers.ErrIdleTimeout):
		return websocket.StatusNormalClosure, "idle timeout"
	case errors.Is(err, presence.ErrOutboxFull):
		return websocket.StatusPolicyViolation, "outbound queue overflow"
	default:
		return websocket.StatusInternalError, ""
	}
}

// Stop gracefully stops the acceptor: the listener closes, live sessions are
// cancelled and sent a going-away close, and Stop waits for them to finish.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.running = false

	close(a.quit)
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.WriteTimeout)
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown", zap.Error(err))
		}
		cancel()
	}
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
