package metrics

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes a Metrics registry over HTTP.
type Server struct {
	*http.Server
}

type errorLogger struct {
	logger *zap.Logger
}

func (el errorLogger) Println(v ...any) {
	el.logger.Sugar().Warnw("metric server error", "details", v)
}

// NewMetricsHandler creates an HTTP handler to expose metrics.
func NewMetricsHandler(m Metrics, logger *zap.Logger) http.Handler {
	return promhttp.HandlerFor(m.GetRegistry(), promhttp.HandlerOpts{
		ErrorLog: errorLogger{logger: logger},
	})
}

// NewServer builds a Server listening on addr with /metrics mounted.
func NewServer(addr string, m Metrics, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", NewMetricsHandler(m, logger))
	return &Server{
		Server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run will start the prometheus server.
func (h *Server) Run() error {
	err := h.Server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "prometheus ListenAndServe")
}

// Shutdown will shut down the prometheus server.
func (h *Server) Shutdown() error {
	return errors.Wrap(h.Server.Close(), "prometheus Close")
}
