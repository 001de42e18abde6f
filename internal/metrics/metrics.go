// Package metrics exposes Prometheus counters for the heartbeat engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nodeping"

type Metrics struct {
	Pings         *prometheus.CounterVec
	Establishes   *prometheus.CounterVec
	Retries       prometheus.Counter
	Evictions     *prometheus.CounterVec
	Promotions    prometheus.Counter
	ActiveWorkers prometheus.Gauge
	Backlog       prometheus.Gauge

	registry *prometheus.Registry
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Pings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Heartbeat attempts by result.",
		}, []string{"result"}),
		Establishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_establish_total",
			Help:      "Session establishment outcomes.",
		}, []string{"result"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_retries_total",
			Help:      "Transport attempts that failed and were retried.",
		}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_evictions_total",
			Help:      "Proxies removed from the active set by reason.",
		}, []string{"reason"}),
		Promotions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_promotions_total",
			Help:      "Backlog proxies promoted into the active set.",
		}),
		ActiveWorkers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Running (token, proxy) workers.",
		}),
		Backlog: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backlog_proxies",
			Help:      "Proxies waiting for promotion.",
		}),
		registry: reg,
	}
}

// WithRuntime adds the Go and process collectors.
func (m *Metrics) WithRuntime() *Metrics {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
