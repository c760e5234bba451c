package proxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roelfdiedericks/clawproxy/internal/engine"
	"github.com/roelfdiedericks/clawproxy/internal/logging"
)

// Server is the gateway HTTP service. One Server serves many concurrent
// sessions; the only mutable state shared between them is activeStreams.
type Server struct {
	cfg    Config
	engine engine.Engine
	server *http.Server
	tunnel *Tunnel

	startTime     time.Time
	engineVersion string

	activeStreams atomic.Int64
	wg            sync.WaitGroup
}

// New constructs the server. Call Startup before Start.
func New(cfg Config, eng engine.Engine) *Server {
	s := &Server{
		cfg:    cfg,
		engine: eng,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout stays 0: sessions stream for minutes and a default
		// timeout would truncate them mid-flight
		IdleTimeout: 120 * time.Second,
	}

	return s
}

// Startup runs the fail-fast startup sequence: engine reachability, version
// probe, and the optional tunnel. The token must already be resolved into
// cfg before New.
func (s *Server) Startup(ctx context.Context) error {
	if s.cfg.Token == "" {
		return fmt.Errorf("no bearer token configured; pass --token or set %s", TokenEnvVar)
	}

	if err := s.engine.Check(ctx); err != nil {
		return fmt.Errorf("engine check failed: %w", err)
	}

	version, err := s.engine.Version(ctx)
	if err != nil {
		logging.L_warn("proxy: engine version probe failed (continuing)", "error", err)
		version = "unknown"
	}
	s.engineVersion = version
	logging.L_info("proxy: engine ready", "version", version)

	tunnel, err := StartTunnel(ctx, s.cfg.TunnelMode, s.cfg.Port, s.cfg.TunnelPort)
	if err != nil {
		return fmt.Errorf("tunnel setup failed: %w", err)
	}
	s.tunnel = tunnel

	return nil
}

// TunnelURL returns the public URL of the active tunnel, or "".
func (s *Server) TunnelURL() string {
	if s.tunnel == nil {
		return ""
	}
	return s.tunnel.URL
}

// EngineVersion returns the version string probed at startup.
func (s *Server) EngineVersion() string {
	return s.engineVersion
}

// ActiveStreams reports the number of sessions currently streaming.
func (s *Server) ActiveStreams() int64 {
	return s.activeStreams.Load()
}

// setupRoutes configures the endpoint table with the middleware chain:
// logging -> strip headers -> bearer auth. Health skips auth.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(s.bearerAuth(h)))
	}

	mux.HandleFunc("/health", s.logRequest(s.stripHeaders(s.handleHealth)))
	mux.HandleFunc("/capabilities", wrap(s.handleCapabilities))
	mux.HandleFunc("/query", wrap(s.handleQuery))
	mux.HandleFunc("/query/", wrap(s.handleCancel))

	return mux
}

// Start begins serving. Non-blocking; errors surface in the log.
func (s *Server) Start() {
	s.startTime = time.Now()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logging.L_info("proxy: server listening", "addr", s.server.Addr)

		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logging.L_error("proxy: server error", "error", err)
		}
	}()
}

// Stop drains the HTTP server and tears the tunnel down. Runs on every
// shutdown path, including signal-triggered.
func (s *Server) Stop() error {
	logging.SetShuttingDown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	if err != nil {
		logging.L_error("proxy: shutdown error", "error", err)
	}

	if s.tunnel != nil {
		s.tunnel.Close()
	}

	s.wg.Wait()
	logging.L_info("proxy: server stopped")
	return err
}

// logRequest wraps an HTTP handler to log requests
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		logging.L_debug("proxy: request",
			"method", r.Method,
			"path", r.URL.Path,
			"ip", clientIP(r),
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher so streaming works through the wrapper
func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// stripHeaders removes fingerprinting headers
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")

		handler(w, r)
	}
}
