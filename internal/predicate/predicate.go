// Package predicate implements the guard predicates consumed by the FSM.
// Each predicate is a pure function of (context, request data) returning
// (pass, diagnostic bounds); evaluation order never matters and failure
// diagnostics are reproducible.
//
// The distilled source looked predicates up by string name at runtime
// (getattr(evaluator, pred_name, None)); per spec §9 Design Notes this is
// replaced with a closed Name enum and an exhaustive switch in Evaluate,
// so an unregistered predicate name is a compile-time error rather than a
// runtime nil-method lookup.
package predicate

import (
	"github.com/tristochief/niols/internal/ports"
	"github.com/tristochief/niols/internal/session"
)

// Name is the closed set of predicates the transition table may require.
type Name int

const (
	ConfigValid Name = iota
	CalibrationValid
	DependenciesOK
	HardwareHealth
	InterlockSafe
	NoOutstandingFaults
	CooldownSatisfied
	ArmConfirmationWithinWindow
	BudgetAvailable
	ConfigHashMatch
	CalHashMatch
)

func (n Name) String() string {
	switch n {
	case ConfigValid:
		return "config_valid"
	case CalibrationValid:
		return "calibration_valid"
	case DependenciesOK:
		return "dependencies_ok"
	case HardwareHealth:
		return "hardware_health"
	case InterlockSafe:
		return "interlock_safe"
	case NoOutstandingFaults:
		return "no_outstanding_faults"
	case CooldownSatisfied:
		return "cooldown_satisfied"
	case ArmConfirmationWithinWindow:
		return "arm_confirmation_within_window"
	case BudgetAvailable:
		return "budget_available"
	case ConfigHashMatch:
		return "config_hash_match"
	case CalHashMatch:
		return "cal_hash_match"
	default:
		return "unknown_predicate"
	}
}

// Bounds is the diagnostic map returned alongside a pass/fail result: only
// numeric bounds and enumerated reasons, never opaque values.
type Bounds map[string]interface{}

// Result is one predicate's evaluation outcome.
type Result struct {
	Name   Name
	Passed bool
	Bounds Bounds
}

// Request carries the optional per-predicate arguments that some guards
// need (budget_available's required emit time/duty cycle, the hash-match
// predicates' freshly recomputed hashes), replacing the distilled
// source's **kwargs-style dynamic argument passing with a single tagged
// struct.
type Request struct {
	RequiredEmitMS      float64
	RequiredDutyPercent float64
	CurrentConfigHash   string
	CurrentCalHash      string
}

// Evaluator evaluates predicates against a session context and the
// capability ports it was constructed with.
type Evaluator struct {
	Laser       ports.LaserPort
	Photodiode  ports.PhotodiodePort
	Health      ports.HealthPort
	LogDir      string
}

// NewEvaluator constructs an Evaluator. Laser/Photodiode/Health may be nil:
// a predicate whose port is missing passes when the context is in
// simulation mode, matching the distilled source's "allow if no hardware,
// simulation_mode" fallback, and fails otherwise.
func NewEvaluator(laser ports.LaserPort, photodiode ports.PhotodiodePort, health ports.HealthPort, logDir string) *Evaluator {
	return &Evaluator{Laser: laser, Photodiode: photodiode, Health: health, LogDir: logDir}
}

// Evaluate dispatches to the named predicate via an exhaustive switch.
// There is no default case that silently fails open or closed: the Go
// compiler's exhaustiveness is not enforced for switches over an int
// enum, but every Name constant above has an explicit case, so reaching
// the panic path requires an out-of-range value that cannot be produced
// by this package's own API.
func (e *Evaluator) Evaluate(ctx *session.Context, name Name, req Request) Result {
	switch name {
	case ConfigValid:
		return e.configValid(ctx)
	case CalibrationValid:
		return e.calibrationValid(ctx)
	case DependenciesOK:
		return e.dependenciesOK(ctx)
	case HardwareHealth:
		return e.hardwareHealth(ctx)
	case InterlockSafe:
		return e.interlockSafe(ctx)
	case NoOutstandingFaults:
		return e.noOutstandingFaults(ctx)
	case CooldownSatisfied:
		return e.cooldownSatisfied(ctx)
	case ArmConfirmationWithinWindow:
		return e.armConfirmationWithinWindow(ctx)
	case BudgetAvailable:
		return e.budgetAvailable(ctx, req)
	case ConfigHashMatch:
		return e.configHashMatch(ctx, req)
	case CalHashMatch:
		return e.calHashMatch(ctx, req)
	default:
		panic("predicate: unreachable - unregistered predicate name")
	}
}

func (e *Evaluator) configValid(ctx *session.Context) Result {
	doc := ctx.Config()
	if doc == nil {
		return Result{ConfigValid, false, Bounds{"error": "config_not_loaded"}}
	}
	if ctx.ConfigHash() == "" {
		return Result{ConfigValid, false, Bounds{"error": "config_hash_not_computed"}}
	}
	m, ok := doc.(map[string]interface{})
	if !ok {
		return Result{ConfigValid, false, Bounds{"error": "config_not_a_document"}}
	}
	for _, section := range []string{"hardware", "safety"} {
		if _, present := m[section]; !present {
			return Result{ConfigValid, false, Bounds{"error": "missing_section_" + section}}
		}
	}
	return Result{ConfigValid, true, Bounds{"config_hash": ctx.ConfigHash()}}
}

func (e *Evaluator) calibrationValid(ctx *session.Context) Result {
	doc := ctx.Calibration()
	if doc == nil {
		return Result{CalibrationValid, false, Bounds{"error": "calibration_not_loaded"}}
	}
	if ctx.CalHash() == "" {
		return Result{CalibrationValid, false, Bounds{"error": "cal_hash_not_computed"}}
	}
	m, ok := doc.(map[string]interface{})
	if !ok {
		return Result{CalibrationValid, false, Bounds{"error": "calibration_not_a_document"}}
	}
	points, _ := m["points"].([]interface{})
	if len(points) < 2 {
		return Result{CalibrationValid, false, Bounds{"error": "insufficient_calibration_points", "points": len(points)}}
	}
	return Result{CalibrationValid, true, Bounds{"cal_hash": ctx.CalHash(), "points": len(points)}}
}

func (e *Evaluator) dependenciesOK(ctx *session.Context) Result {
	if e.Health == nil {
		if ctx.SimulationMode() {
			return Result{DependenciesOK, true, Bounds{"simulation": true}}
		}
		return Result{DependenciesOK, false, Bounds{"error": "health_monitor_not_available"}}
	}
	check := e.Health.CheckDependencies()
	healthy := check.Status == ports.HealthHealthy
	return Result{DependenciesOK, healthy, Bounds{"status": string(check.Status), "message": check.Message}}
}

func (e *Evaluator) hardwareHealth(ctx *session.Context) Result {
	if e.Health == nil {
		if ctx.SimulationMode() {
			return Result{HardwareHealth, true, Bounds{"simulation": true, "hardware_health": "simulated"}}
		}
		return Result{HardwareHealth, false, Bounds{"error": "health_monitor_not_available"}}
	}
	checks := e.Health.RunAllChecks()
	hasCritical, hasError := false, false
	for _, c := range checks {
		switch c.Status {
		case ports.HealthCritical:
			hasCritical = true
		case ports.HealthError:
			hasError = true
		}
	}
	healthy := !hasCritical && !hasError
	return Result{HardwareHealth, healthy, Bounds{"hardware_healthy": healthy, "has_critical": hasCritical, "has_error": hasError}}
}

func (e *Evaluator) interlockSafe(ctx *session.Context) Result {
	if e.Laser == nil {
		if ctx.SimulationMode() {
			return Result{InterlockSafe, true, Bounds{"simulation": true, "interlock_safe": true}}
		}
		return Result{InterlockSafe, false, Bounds{"error": "laser_controller_not_available"}}
	}
	safe := e.Laser.IsInterlockSafe()
	return Result{InterlockSafe, safe, Bounds{"interlock_safe": safe}}
}

func (e *Evaluator) noOutstandingFaults(ctx *session.Context) Result {
	if ctx.State() == session.StateFault {
		reason := ctx.FaultReason()
		if reason == "" {
			reason = "unknown"
		}
		return Result{NoOutstandingFaults, false, Bounds{"fault_state": true, "fault_reason": reason}}
	}
	return Result{NoOutstandingFaults, true, Bounds{"faults": 0}}
}

func (e *Evaluator) cooldownSatisfied(ctx *session.Context) Result {
	b := ctx.Budget()
	if b == nil {
		return Result{CooldownSatisfied, false, Bounds{"error": "budget_not_initialized"}}
	}
	satisfied, remaining := b.CooldownSatisfied()
	return Result{CooldownSatisfied, satisfied, Bounds{"cooldown_satisfied": satisfied, "cooldown_remaining_ms": remaining}}
}

func (e *Evaluator) armConfirmationWithinWindow(ctx *session.Context) Result {
	if !ctx.ArmingWindowStarted() {
		return Result{ArmConfirmationWithinWindow, false, Bounds{"error": "arming_window_not_started"}}
	}
	within, elapsed, remaining, duration := ctx.ArmingWindowElapsed()
	return Result{ArmConfirmationWithinWindow, within, Bounds{
		"within_window":     within,
		"elapsed_ms":        elapsed,
		"remaining_ms":      remaining,
		"window_duration_ms": duration,
	}}
}

func (e *Evaluator) budgetAvailable(ctx *session.Context, req Request) Result {
	b := ctx.Budget()
	if b == nil {
		return Result{BudgetAvailable, false, Bounds{"error": "budget_not_initialized"}}
	}
	available, remainingEmit, remainingDuty := b.Available(req.RequiredEmitMS, req.RequiredDutyPercent)
	return Result{BudgetAvailable, available, Bounds{
		"budget_available":       available,
		"remaining_emit_ms":      remainingEmit,
		"required_emit_ms":       req.RequiredEmitMS,
		"remaining_duty_percent": remainingDuty,
		"required_duty_percent":  req.RequiredDutyPercent,
	}}
}

func (e *Evaluator) configHashMatch(ctx *session.Context, req Request) Result {
	bound := ctx.ConfigHash()
	if bound == "" {
		return Result{ConfigHashMatch, false, Bounds{"error": "config_hash_not_bound"}}
	}
	matches := bound == req.CurrentConfigHash
	return Result{ConfigHashMatch, matches, Bounds{"hash_matches": matches, "bound_hash": bound, "current_hash": req.CurrentConfigHash}}
}

func (e *Evaluator) calHashMatch(ctx *session.Context, req Request) Result {
	bound := ctx.CalHash()
	if bound == "" {
		return Result{CalHashMatch, false, Bounds{"error": "cal_hash_not_bound"}}
	}
	matches := bound == req.CurrentCalHash
	return Result{CalHashMatch, matches, Bounds{"hash_matches": matches, "bound_hash": bound, "current_hash": req.CurrentCalHash}}
}
