// Package metrics exposes ingestion counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	unitsIngested  *prometheus.CounterVec
	unitsSkipped   *prometheus.CounterVec
	unitErrors     *prometheus.CounterVec
	eventsIngested *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	disabled       *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		unitsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resource_units_ingested_total",
			Help: "Resource price points written",
		}, []string{"resource"}),
		unitsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resource_units_skipped_total",
			Help: "Resource units skipped without error",
		}, []string{"resource", "reason"}),
		unitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resource_unit_errors_total",
			Help: "Resource units that failed",
		}, []string{"resource"}),
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_events_ingested_total",
			Help: "Market events stored or replayed",
		}, []string{"event", "created"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watcher_reconnects_total",
			Help: "Live watcher reconnect attempts",
		}, []string{"watcher"}),
		disabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watcher_disabled_total",
			Help: "Live watchers disabled after exhausting reconnects",
		}, []string{"watcher"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "HTTP 429 responses from data APIs",
		}, []string{"host"}),
	}
	m.registry.MustRegister(
		m.unitsIngested,
		m.unitsSkipped,
		m.unitErrors,
		m.eventsIngested,
		m.reconnects,
		m.disabled,
		m.rateLimited,
		prometheus.NewGoCollector(),
	)
	return m
}

func (m *Metrics) UnitIngested(resource string) {
	if m != nil {
		m.unitsIngested.WithLabelValues(resource).Inc()
	}
}

func (m *Metrics) UnitSkipped(resource, reason string) {
	if m != nil {
		m.unitsSkipped.WithLabelValues(resource, reason).Inc()
	}
}

func (m *Metrics) UnitFailed(resource string) {
	if m != nil {
		m.unitErrors.WithLabelValues(resource).Inc()
	}
}

func (m *Metrics) EventIngested(event string, created bool) {
	if m == nil {
		return
	}
	label := "false"
	if created {
		label = "true"
	}
	m.eventsIngested.WithLabelValues(event, label).Inc()
}

func (m *Metrics) Reconnect(watcher string) {
	if m != nil {
		m.reconnects.WithLabelValues(watcher).Inc()
	}
}

func (m *Metrics) WatcherDisabled(watcher string) {
	if m != nil {
		m.disabled.WithLabelValues(watcher).Inc()
	}
}

func (m *Metrics) RateLimited(host string) {
	if m != nil {
		m.rateLimited.WithLabelValues(host).Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /health on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server start", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
