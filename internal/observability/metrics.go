// Package observability — Prometheus metrics for the Sentinel daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9095 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: sentinel_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Outcome labels use a closed set of verdict names.
//   - File paths are NOT used as labels (unbounded cardinality).

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for Sentinel.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Scan pipeline ───────────────────────────────────────────────────────

	// ScanResultsTotal counts terminal pipeline resolutions.
	// Labels: outcome (clean, infected, transport_error, scan_error,
	// vanished, quarantine_failed)
	ScanResultsTotal *prometheus.CounterVec

	// QueueDepth is the current bounded work queue depth.
	QueueDepth prometheus.Gauge

	// ─── Quarantine ──────────────────────────────────────────────────────────

	// QuarantineEntries is the current number of manifest entries.
	QuarantineEntries prometheus.Gauge

	// ─── Monitor ─────────────────────────────────────────────────────────────

	// WatchesInstalled is the number of directory watches held.
	WatchesInstalled prometheus.Gauge

	// WatchInstallFailuresTotal counts failed watch registrations.
	WatchInstallFailuresTotal prometheus.Gauge

	// ─── Control plane ───────────────────────────────────────────────────────

	// ControlClients is the number of connected clients.
	ControlClients prometheus.Gauge

	// BroadcastDropsTotal counts records dropped for stalled clients.
	BroadcastDropsTotal prometheus.Counter

	// ─── Daemon ──────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since daemon start.
	UptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all Sentinel Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ScanResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "scan",
			Name:      "results_total",
			Help:      "Total terminal scan pipeline resolutions, by outcome.",
		}, []string{"outcome"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Current depth of the bounded work queue.",
		}),

		QuarantineEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "quarantine",
			Name:      "entries",
			Help:      "Current number of live quarantine manifest entries.",
		}),

		WatchesInstalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "monitor",
			Name:      "watches_installed",
			Help:      "Number of directory watches currently installed.",
		}),

		WatchInstallFailuresTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "monitor",
			Name:      "watch_install_failures_total",
			Help:      "Failed watch registrations (e.g. inotify limit reached).",
		}),

		ControlClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "control",
			Name:      "clients",
			Help:      "Number of connected control-plane clients.",
		}),

		BroadcastDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "control",
			Name:      "broadcast_drops_total",
			Help:      "Event records dropped for stalled clients.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.ScanResultsTotal,
		m.QueueDepth,
		m.QuarantineEntries,
		m.WatchesInstalled,
		m.WatchInstallFailuresTotal,
		m.ControlClients,
		m.BroadcastDropsTotal,
		m.UptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
