package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/arqma/arqmavisor/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DefaultPath is where metrics are served.
const DefaultPath = "/metrics"

// Handler returns the Prometheus scrape handler for the collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Timeout:           10 * time.Second,
		ErrorLog:          c.logger.StdLogger(),
	})
}

// Exporter serves the collector on its own listener, for setups where the
// API server is disabled.
type Exporter struct {
	collector *Collector
	logger    *logger.Logger
	addr      string
	server    *http.Server
	listener  net.Listener
}

// NewExporter creates an exporter for addr (host:port).
func NewExporter(collector *Collector, addr string, log *logger.Logger) *Exporter {
	return &Exporter{
		collector: collector,
		logger:    log.Named("exporter"),
		addr:      addr,
	}
}

// Start binds the listener and serves in the background.
func (e *Exporter) Start() error {
	mux := http.NewServeMux()
	mux.Handle(DefaultPath, e.collector.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.addr, err)
	}
	e.listener = ln
	e.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     e.logger.StdLogger(),
	}

	go func() {
		e.logger.Info("starting prometheus exporter", zap.String("addr", ln.Addr().String()))
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("prometheus exporter error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (e *Exporter) Addr() string {
	if e.listener != nil {
		return e.listener.Addr().String()
	}
	return e.addr
}

// Stop shuts the server down.
func (e *Exporter) Stop(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	if err := e.server.Shutdown(ctx); err != nil {
		e.logger.Error("failed to shutdown prometheus exporter gracefully", zap.Error(err))
		return err
	}
	e.logger.Info("prometheus exporter stopped")
	return nil
}
