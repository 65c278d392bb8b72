package server

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/danshapiro/groundpulse/internal/cooldown"
	"github.com/danshapiro/groundpulse/internal/heartbeat"
	"github.com/danshapiro/groundpulse/internal/storage"
)

// Invoker runs one grounded-answer invocation.
type Invoker interface {
	Invoke(ctx context.Context) heartbeat.Result
}

// CooldownReporter reports the persisted cooldown state.
type CooldownReporter interface {
	Status(ctx context.Context) (cooldown.Status, error)
}

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"

	Invoker   Invoker
	Cooldown  CooldownReporter         // optional
	Responses storage.ResponseLogStore // optional

	// InvokeRatePerMinute throttles /invoke locally; 0 disables the throttle.
	InvokeRatePerMinute float64

	Logger *log.Logger
}

// Server is the HTTP surface of the heartbeat service.
type Server struct {
	config   Config
	registry *InvocationRegistry
	limiter  *rate.Limiter
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	logger   *log.Logger
}

// New creates a new Server with the given config.
func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		config:   cfg,
		registry: NewInvocationRegistry(),
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   logger,
	}
	if cfg.InvokeRatePerMinute > 0 {
		burst := int(math.Ceil(cfg.InvokeRatePerMinute / 60))
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.InvokeRatePerMinute/60), burst)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /invoke", s.handleInvoke)
	mux.HandleFunc("POST /invoke", s.handleInvoke)
	mux.HandleFunc("GET /cooldown", s.handleCooldown)
	mux.HandleFunc("GET /responses", s.handleResponses)

	s.httpSrv = &http.Server{
		Handler:      withCORS(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // an invocation may spend minutes in backoff
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			s.logger.Printf("shutting down...")
			s.Shutdown()
		case <-s.baseCtx.Done():
		}
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	s.cancel()
	return err
}

const (
	corsAllowHeaders = "authorization, x-client-info, apikey, content-type"
	corsAllowMethods = "GET, POST, OPTIONS"
)

// withCORS answers preflight requests for every path and tags all other
// responses with a permissive allow-origin header.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "ok")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown cancels in-flight invocations and gracefully stops the server.
func (s *Server) Shutdown() {
	s.registry.CancelAll("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}
