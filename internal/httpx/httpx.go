// Package httpx serves the relay's operational endpoints: liveness,
// readiness and the metrics snapshot. It is meant to be bound to a local
// address; nothing here accepts print requests.
package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Handler wires the ops endpoints. Zero-value is usable and reports ready.
type Handler struct {
	Readiness func(context.Context) error // optional readiness probe
	Metrics   http.Handler                // optional; /metrics is 404 without it
	Logger    *slog.Logger
}

// New returns a configured Handler.
// readiness: optional probe function for /readyz (nil => always ready).
func New(readiness func(context.Context) error, metrics http.Handler, logger *slog.Logger) *Handler {
	return &Handler{Readiness: readiness, Metrics: metrics, Logger: logger}
}

// Router constructs and returns an http.Handler with all routes mounted,
// wrapped in correlation id, access log and security header middleware.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	return CorrelationIDMiddleware(h.accessLog(h.secureHeaders(mux)))
}

// secureHeaders adds standard security and cache control headers.
func (h *Handler) secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		cid, _ := GetCorrelationID(r.Context())
		h.logger().Debug("request", "cid", cid, "method", r.Method, "path", r.URL.Path, "status", rec.status, "ms", time.Since(start).Milliseconds())
	})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default().With("domain", "ops")
	}
	return h.Logger.With("domain", "ops")
}

// NewServer returns an http.Server for the ops endpoints with conservative
// timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Serve runs srv on ln until ctx is canceled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
