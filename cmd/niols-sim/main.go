// Package main — cmd/niols-sim/main.go
//
// niols-sim is a supplementary CLI, not a core component: it drives one
// scripted session through the control-surface command sequence against
// simulated ports and prints each transition plus the resulting bundle
// summary, useful for demonstrating the happy-path scenario of spec §8
// without real hardware or a running daemon. Grounded on the distilled
// source's software/simulation/nhi_loop_sim.py, which runs the same
// SAFE -> INITIALIZED -> ARMED -> EMIT_READY -> EMITTING -> EMIT_READY
// loop against mock ports and prints each step for legible verification.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tristochief/niols/internal/bundle"
	"github.com/tristochief/niols/internal/config"
	"github.com/tristochief/niols/internal/contracts"
	"github.com/tristochief/niols/internal/control"
	"github.com/tristochief/niols/internal/fsm"
	"github.com/tristochief/niols/internal/observability"
	"github.com/tristochief/niols/internal/ports"
	"github.com/tristochief/niols/internal/session"
	"go.uber.org/zap"
)

func main() {
	bundleRoot := flag.String("bundle-root", "/tmp/niols-sim/sessions", "Directory to write the session bundle into")
	pulses := flag.Int("pulses", 8, "Number of on-pulses in the simulated emission pattern")
	gaps := flag.Int("gaps", 8, "Number of off-gaps in the simulated emission pattern")
	pulseMS := flag.Float64("pulse-ms", 100.0, "Per-pulse width in milliseconds")
	gapMS := flag.Float64("gap-ms", 100.0, "Per-gap width in milliseconds")
	flag.Parse()

	log := zap.NewNop()

	fmt.Println("============================================================")
	fmt.Println("NIOLS SESSION SIMULATION")
	fmt.Println("============================================================")

	cfg := config.Defaults()
	cfg.Storage.BundleRoot = *bundleRoot
	if err := config.Validate(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: default config failed validation: %v\n", err)
		os.Exit(1)
	}

	laser := ports.NewSimulatedLaser()
	photodiode := ports.NewSimulatedPhotodiode(42)
	health := ports.NewSimulatedHealth()
	metrics := observability.NewMetrics()
	bundles := bundle.New(cfg.Storage.BundleRoot)
	traceRoot := cfg.Storage.BundleRoot + "/.trace"

	manager := control.NewManager(
		&cfg, laser, photodiode, health,
		session.NewRealClock(), nil, metrics, bundles, traceRoot, log,
	)

	fmt.Println("\n1. initialize")
	sessionID, outcome, err := manager.Initialize()
	mustAdvance(outcome, err, "INITIALIZE")
	fmt.Printf("   session_id=%s state=%s\n", sessionID.String(), outcome.ToState)

	fmt.Println("\n2. arm")
	outcome, err = manager.Arm()
	mustAdvance(outcome, err, "ARM")
	fmt.Printf("   state=%s\n", outcome.ToState)

	fmt.Println("\n3. arm_confirm")
	outcome, err = manager.ArmConfirm()
	mustAdvance(outcome, err, "ARM_CONFIRM")
	fmt.Printf("   state=%s\n", outcome.ToState)

	fmt.Println("\n4. current_measurement (downlink detection envelope)")
	meas, err := manager.CurrentMeasurement()
	if err != nil {
		fmt.Fprintf(os.Stderr, "   FAILED current_measurement: %v\n", err)
		os.Exit(1)
	}
	printMeasurement(meas)

	fmt.Println("\n5. emit (uplink response)")
	req := contracts.PatternRequest{Pulses: *pulses, Gaps: *gaps, PulseMS: *pulseMS, GapMS: *gapMS}
	outcome, err = manager.Emit(req)
	mustAdvance(outcome, err, "EMIT")
	fmt.Printf("   total_ms=%.1f duty_percent=%.1f state=%s\n", req.TotalMS(), req.DutyPercent(), outcome.ToState)

	fmt.Println("\n6. stop")
	outcome, err = manager.Stop()
	mustAdvance(outcome, err, "STOP (EMIT_READY -> ARMED)")
	fmt.Printf("   state=%s\n", outcome.ToState)

	outcome, err = manager.Stop()
	mustAdvance(outcome, err, "STOP (ARMED -> INITIALIZED)")
	fmt.Printf("   state=%s\n", outcome.ToState)

	fmt.Println("\n7. stop (session teardown)")
	outcome, err = manager.Stop()
	mustAdvance(outcome, err, "STOP (INITIALIZED -> SAFE)")
	fmt.Printf("   state=%s\n", outcome.ToState)

	// No closed-session index is opened here, so the bundle directory is
	// the one bundle.Writer materializes: <bundle-root>/<session_id>.
	bundlePath := filepath.Join(cfg.Storage.BundleRoot, sessionID.String())
	if _, err := os.Stat(filepath.Join(bundlePath, "session_manifest.json")); err != nil {
		fmt.Fprintf(os.Stderr, "   bundle lookup failed: %v\n", err)
		bundlePath = ""
	}

	fmt.Println("\n------------------------------------------------------------")
	fmt.Println("SESSION TIMELINE")
	fmt.Println("------------------------------------------------------------")
	fmt.Println("  1. initialize -> arm -> arm_confirm")
	fmt.Println("  2. current_measurement (bounded envelope, never a point value)")
	fmt.Println("  3. emit -> stop x3 (full teardown to SAFE)")
	if bundlePath != "" {
		fmt.Printf("  Bundle archived at: %s\n", bundlePath)
	}
	fmt.Println("============================================================")
}

func mustAdvance(outcome fsm.Outcome, err error, step string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "   FAILED %s: %v\n", step, err)
		os.Exit(1)
	}
	if !outcome.Advanced {
		fmt.Fprintf(os.Stderr, "   FAILED %s: transition did not advance\n", step)
		os.Exit(1)
	}
}

func printMeasurement(m contracts.MeasurementEnvelope) {
	if m.VoltageEnvelopeV != nil {
		fmt.Printf("   Voltage envelope:    %.4f - %.4f V\n", m.VoltageEnvelopeV.MinV, m.VoltageEnvelopeV.MaxV)
	}
	if m.WavelengthEnvelopeNM != nil {
		fmt.Printf("   Wavelength envelope: %.1f - %.1f nm\n", m.WavelengthEnvelopeNM.MinNM, m.WavelengthEnvelopeNM.MaxNM)
	}
	if m.Quality != nil && m.Quality.SNREstimate != nil {
		fmt.Printf("   SNR estimate:        %.2f\n", *m.Quality.SNREstimate)
	}
}
