package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter serves /metrics and /healthz. Either manager may be nil.
func NewRouter(metrics *MetricsManager, health *HealthManager, started time.Time) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if metrics != nil {
		r.Use(metrics.HTTPMiddleware())
		handler := metrics.Handler()
		r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
			metrics.SetUptime(started)
			handler.ServeHTTP(w, req)
		})
	}
	if health != nil {
		r.Get("/healthz", health.HealthzHandler())
	}
	return r
}

// Listener is the optional observability HTTP endpoint.
type Listener struct {
	server *http.Server
	ln     net.Listener
	logger *zap.SugaredLogger
}

// Listen binds addr. The listener does not serve until Serve is called.
func Listen(addr string, handler http.Handler, logger *zap.SugaredLogger) (*Listener, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Listener{
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Serve blocks until ctx is done, then shuts the server down.
func (l *Listener) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		l.logger.Infow("Observability listener started", "addr", l.Addr())
		errCh <- l.server.Serve(l.ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down observability listener: %w", err)
	}
	l.logger.Info("Observability listener stopped")
	return nil
}
