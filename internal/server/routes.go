package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/giantswarm/prompt-optimizer/internal/dashboard"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultWriteTimeout      = 120 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
)

// Middleware wraps a handler, for example with token validation.
type Middleware func(http.Handler) http.Handler

// RegisterRoutes registers the dashboard endpoints behind protect, plus the
// unauthenticated /metrics and /healthz endpoints. A nil protect leaves the
// dashboard open.
func RegisterRoutes(mux *http.ServeMux, sc *ServerContext, protect Middleware) {
	if protect == nil {
		protect = func(h http.Handler) http.Handler { return h }
	}
	mux.Handle("/dashboard", protect(dashboard.SnapshotHandler(sc.Dashboard)))
	mux.Handle("/dashboard/stream", protect(dashboard.StreamHandler(sc.Dashboard)))
	mux.Handle("/metrics", promhttp.HandlerFor(sc.Registry, promhttp.HandlerOpts{Registry: sc.Registry}))
	mux.HandleFunc("/healthz", healthz)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// NewHTTPServer returns a server for h with the service's timeouts. The write
// timeout does not apply to hijacked WebSocket connections.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
}

// ServeUntilDone runs listen until it fails or ctx is done. On cancellation
// shutdown gets a bounded grace period and its error is returned; a listener
// closed by shutdown is not an error.
func ServeUntilDone(ctx context.Context, listen func() error, shutdown func(context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return shutdown(shutdownCtx)
	case err := <-done:
		return err
	}
}
