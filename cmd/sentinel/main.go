// Package main — cmd/sentinel/main.go
//
// Sentinel daemon entrypoint.
//
// Startup sequence:
//  1. Root check — abort if not running as root.
//  2. Load and validate config from /etc/sentinel/config.yaml.
//  3. Initialise structured logger (zap, JSON format).
//  4. Open the bbolt audit ledger; prune stale records.
//  5. Initialise the quarantine engine (root 0700, manifest load).
//  6. Start Prometheus metrics server (127.0.0.1:9095).
//  7. Start the control-plane socket server (0666, client-facing).
//  8. Start the scan worker pool.
//  9. Start the filesystem monitor over the configured roots.
// 10. Register SIGHUP handler for config hot-reload (log level only).
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (stops monitor loop and metrics server).
//  2. Close the monitor (releases the notification descriptor).
//  3. Shut the worker pool (in-flight scans run to completion, blocked
//     submitters are released, residual queue entries discarded).
//  4. Broadcast a final status record.
//  5. Close the control server (disconnect clients, unlink socket).
//  6. Close the ledger.
//  7. Flush logger. Exit 0.
//
// Any required subsystem failing to initialise: exit 1 through
// log.Fatal. Deferred cleanup does not run on that path, so the resources
// acquired so far are not released in reverse order; the process exit
// closes their descriptors, and a control socket file left behind is
// removed by the next Start.
//
// Signal discipline: the Go runtime ignores SIGPIPE for socket writes,
// so a dead client surfaces as EPIPE from Write rather than a signal.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sentinel-ep/sentinel/internal/config"
	"github.com/sentinel-ep/sentinel/internal/control"
	"github.com/sentinel-ep/sentinel/internal/dispatch"
	"github.com/sentinel-ep/sentinel/internal/gate"
	"github.com/sentinel-ep/sentinel/internal/ledger"
	"github.com/sentinel-ep/sentinel/internal/monitor"
	"github.com/sentinel-ep/sentinel/internal/observability"
	"github.com/sentinel-ep/sentinel/internal/pipeline"
	"github.com/sentinel-ep/sentinel/internal/quarantine"
	"github.com/sentinel-ep/sentinel/internal/scanner"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/sentinel/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("sentinel %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Root check ────────────────────────────────────────────────────
	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "FATAL: sentinel must run as root (UID 0)")
		os.Exit(1)
	}

	// ── Step 2: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: Initialise logger ─────────────────────────────────────────────
	log, level, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("sentinel starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.Strings("roots", cfg.Monitor.Roots),
		zap.String("config", *configPath),
	)

	// ── Root context with cancellation ────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Audit ledger ──────────────────────────────────────────────────
	if err := os.MkdirAll(filepath.Dir(cfg.Ledger.DBPath), 0o700); err != nil {
		log.Fatal("ledger directory create failed", zap.Error(err))
	}
	db, err := ledger.Open(cfg.Ledger.DBPath, cfg.Ledger.RetentionDays)
	if err != nil {
		log.Fatal("ledger open failed", zap.Error(err),
			zap.String("path", cfg.Ledger.DBPath))
	}
	defer db.Close() //nolint:errcheck
	if pruned, err := db.Prune(); err != nil {
		log.Warn("ledger pruning failed", zap.Error(err))
	} else {
		log.Info("ledger pruned", zap.Int("deleted", pruned))
	}

	// ── Step 5: Quarantine engine ─────────────────────────────────────────────
	engine, err := quarantine.NewEngine(cfg.Quarantine.Root, log)
	if err != nil {
		log.Fatal("quarantine engine init failed", zap.Error(err),
			zap.String("root", cfg.Quarantine.Root))
	}
	log.Info("quarantine engine initialised",
		zap.String("root", cfg.Quarantine.Root),
		zap.Int("entries", engine.Len()))

	// ── Step 6: Prometheus metrics ────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 7: Control-plane server ──────────────────────────────────────────
	srv := control.NewServer(cfg.Control.SocketPath, cfg.Control.MaxClients,
		engineHandler{engine}, log)
	srv.SetDropCounter(metrics.BroadcastDropsTotal)
	srv.SetRecorder(ledgerRecorder{db: db, log: log})
	if err := srv.Start(); err != nil {
		log.Fatal("control server init failed", zap.Error(err),
			zap.String("path", cfg.Control.SocketPath))
	}
	defer srv.Close()

	// ── Step 8: Scan worker pool ──────────────────────────────────────────────
	clamd := scanner.NewClamd(cfg.Scanner.SocketPath,
		cfg.Scanner.ConnectTimeout, cfg.Scanner.ScanTimeout)
	runner := pipeline.NewRunner(clamd, engine, srv,
		cfg.Scanner.MaxRetries, cfg.Scanner.RetryDelay, log)
	runner.OnOutcome = func(label string) {
		metrics.ScanResultsTotal.WithLabelValues(label).Inc()
	}
	pool := dispatch.NewPool(cfg.Dispatch.Workers, cfg.Dispatch.QueueCapacity,
		func(path string) { runner.Process(ctx, path) }, log)
	log.Info("scan workers started",
		zap.Int("workers", cfg.Dispatch.Workers),
		zap.Int("capacity", cfg.Dispatch.QueueCapacity))

	// ── Step 9: Filesystem monitor ────────────────────────────────────────────
	admit := gate.New(cfg.Quarantine.Root, cfg.Limits.MinFileSize, cfg.Limits.MaxFileSize)
	mon, err := monitor.New(cfg.Monitor.Roots, func(path string) {
		ok, reason := admit.Admit(path)
		if !ok {
			log.Debug("candidate gated", zap.String("path", path),
				zap.String("reason", string(reason)))
			return
		}
		// Submit blocks when the queue is full: back-pressure reaches the
		// monitor rather than dropping a candidate.
		if err := pool.Submit(path); err != nil {
			log.Warn("submit refused", zap.String("path", path), zap.Error(err))
		}
	}, log)
	if err != nil {
		log.Fatal("monitor init failed", zap.Error(err))
	}
	monDone := make(chan error, 1)
	go func() { monDone <- mon.Run(ctx) }()
	log.Info("filesystem monitor started", zap.Int64("watches", mon.WatchCount()))

	// ── Gauge refresh loop ────────────────────────────────────────────────────
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.QueueDepth.Set(float64(pool.QueueLen()))
				metrics.QuarantineEntries.Set(float64(engine.Len()))
				metrics.WatchesInstalled.Set(float64(mon.WatchCount()))
				metrics.WatchInstallFailuresTotal.Set(float64(mon.InstallFailures()))
				metrics.ControlClients.Set(float64(srv.ClientCount()))
			case <-ctx.Done():
				return
			}
		}
	}()

	srv.Broadcast(control.EventStatus, "", "", "Sentinel protection active")

	// ── Step 10: SIGHUP hot-reload ────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			var newLevel zapcore.Level
			if err := newLevel.UnmarshalText([]byte(newCfg.Observability.LogLevel)); err == nil {
				level.SetLevel(newLevel)
			}
			log.Info("config hot-reload successful",
				zap.String("log_level", newCfg.Observability.LogLevel))
		}
	}()

	// ── Step 11: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-monDone:
		if err != nil {
			log.Error("monitor failed", zap.Error(err))
		}
	}

	// Initiate graceful shutdown.
	cancel()
	_ = mon.Close()
	pool.Shutdown()
	srv.Broadcast(control.EventStatus, "", "", "Sentinel shutting down")
	srv.Close()

	log.Info("sentinel shutdown complete",
		zap.Uint64("files_scanned", pool.Processed()))
}

// engineHandler adapts the quarantine engine to the control-plane
// Handler capability. No globals: the engine value is captured here and
// handed to the server by reference.
type engineHandler struct {
	engine *quarantine.Engine
}

func (h engineHandler) Restore(id string) (quarantine.Entry, error) {
	return h.engine.Restore(id)
}

func (h engineHandler) Delete(id string) (quarantine.Entry, error) {
	return h.engine.Delete(id)
}

func (h engineHandler) Manifest() []quarantine.Entry {
	return h.engine.List()
}

// ledgerRecorder tees broadcast records into the audit ledger. Append
// failures (e.g. disk full) are logged and never propagate.
type ledgerRecorder struct {
	db  *ledger.DB
	log *zap.Logger
}

func (r ledgerRecorder) Record(event, filename, threat, details string) {
	err := r.db.Append(ledger.Record{
		Event:    event,
		Filename: filename,
		Threat:   threat,
		Details:  details,
	})
	if err != nil {
		r.log.Warn("ledger append failed", zap.Error(err))
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
// The returned AtomicLevel backs SIGHUP log-level hot-reload.
func buildLogger(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	atomic := zap.NewAtomicLevelAt(zapLevel)
	cfg.Level = atomic

	log, err := cfg.Build()
	return log, atomic, err
}
