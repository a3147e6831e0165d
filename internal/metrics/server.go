package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "pulsebot/pkg/logx"
)

// HealthFunc reports readiness for /healthz. A nil error means healthy.
type HealthFunc func(ctx context.Context) error

// Server is the optional ops listener serving /metrics and /healthz.
type Server struct {
	mu     sync.Mutex
	log    logx.Logger
	c      *Collector
	health HealthFunc

	srv  *http.Server
	ln   net.Listener
	addr string
}

func NewServer(c *Collector, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{c: c, health: health, log: log}
}

// Handler returns the ops mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.c.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if s.health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.health(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("unhealthy: " + err.Error() + "\n"))
				return
			}
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Apply starts, moves or stops the listener to match addr. Empty addr stops it.
func (s *Server) Apply(ctx context.Context, addr string) {
	addr = strings.TrimSpace(addr)
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr == "" {
		s.stopLocked(ctx)
		return
	}
	if s.srv != nil && s.addr == addr {
		return
	}
	s.stopLocked(ctx)
	s.startLocked(addr)
}

// Addr is the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) startLocked(addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Warn("ops listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.srv, s.ln, s.addr = srv, ln, addr

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("ops server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("ops server listening", logx.String("addr", ln.Addr().String()))
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv := s.srv
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		ctx = context.Background()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("ops server stopped")
}
