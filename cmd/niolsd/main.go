// Package main — cmd/niolsd/main.go
//
// niolsd daemon entrypoint.
//
// Startup sequence:
//  1. Capability check — warn (not abort) if not running with elevated
//     privileges; unlike the reference agent this process does not load
//     BPF programs and does not require root.
//  2. Load and validate config from /etc/niols/config.yaml.
//  3. Initialise structured logger (zap).
//  4. Open the bbolt closed-session index.
//  5. Construct hardware ports (simulated, since real GPIO/ADC drivers
//     are out of scope).
//  6. Start the Prometheus metrics server.
//  7. Start the control-surface Unix socket server.
//  8. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to the metrics and control servers).
//  2. Close the bbolt index.
//  3. Flush the logger.
//  4. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tristochief/niols/internal/bundle"
	"github.com/tristochief/niols/internal/config"
	"github.com/tristochief/niols/internal/control"
	"github.com/tristochief/niols/internal/observability"
	"github.com/tristochief/niols/internal/ports"
	"github.com/tristochief/niols/internal/session"
	"github.com/tristochief/niols/internal/storage"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/niols/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("niolsd %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Capability check ──────────────────────────────────────────────
	// niolsd writes to /var/lib/niols and /run/niols but does not load
	// kernel programs, so root is a convenience, not a requirement, unlike
	// the reference agent's hard BPF-driven root gate.
	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "WARNING: niolsd is not running as root; "+
			"default /var/lib/niols and /run/niols paths may not be writable")
	}

	// ── Step 2: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: Initialise logger ─────────────────────────────────────────────
	log, err := observability.BuildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("niolsd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", *configPath),
		zap.Bool("simulation_mode", cfg.Hardware.SimulationMode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Open bbolt closed-session index ───────────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("closed-session index open failed", zap.Error(err),
			zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("closed-session index opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 5: Construct hardware ports ──────────────────────────────────────
	// Real GPIO/ADC drivers are out of scope (spec §1); simulation_mode
	// selects the deterministic simulated ports instead.
	var (
		laser      ports.LaserPort
		photodiode ports.PhotodiodePort
		health     ports.HealthPort
	)
	if cfg.Hardware.SimulationMode {
		laser = ports.NewSimulatedLaser()
		simPhotodiode := ports.NewSimulatedPhotodiode(1)
		simPhotodiode.FullScaleV = cfg.Hardware.ADCFullScaleV
		simPhotodiode.DarkV = cfg.Hardware.DarkVoltageV
		photodiode = simPhotodiode
		health = ports.NewSimulatedHealth()
		log.Info("hardware ports constructed in simulation mode")
	} else {
		log.Warn("hardware.simulation_mode is false but no real driver is " +
			"implemented; ports will be nil and predicates fall back to failing closed")
	}

	// ── Step 6: Prometheus metrics ────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 7: Control-surface Unix socket server ────────────────────────────
	bundles := bundle.New(cfg.Storage.BundleRoot)
	traceRoot := cfg.Storage.BundleRoot + "/.trace"
	manager := control.NewManager(
		cfg, laser, photodiode, health,
		session.NewRealClock(), db, metrics, bundles, traceRoot, log,
	)

	if cfg.Control.Enabled {
		srv := control.NewServer(cfg.Control.SocketPath, manager, log)
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				log.Error("control server error", zap.Error(err))
			}
		}()
		log.Info("control server started", zap.String("socket", cfg.Control.SocketPath))
	} else {
		log.Info("control server disabled by config")
	}

	// ── Step 8: Wait for shutdown signal ──────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	log.Info("niolsd shutdown complete")
}
