package fsm

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tristochief/niols/internal/predicate"
	"github.com/tristochief/niols/internal/ports"
	"github.com/tristochief/niols/internal/session"
	"github.com/tristochief/niols/internal/trace"
)

type fakeClock struct{ steady, wall float64 }

func (c *fakeClock) SteadyNow() float64 { c.steady += 1; return c.steady }
func (c *fakeClock) WallNow() float64   { c.wall += 1; return c.wall }
func (c *fakeClock) WallISO() string    { return "2026-07-31T00:00:00Z" }

type fakeSteadyClock struct{ d time.Duration }

func (c *fakeSteadyClock) Now() time.Duration { return c.d }

func newTestMachine(t *testing.T) (*Machine, *session.Context, *trace.Writer) {
	t.Helper()
	dir := t.TempDir()
	id, err := session.NewID()
	if err != nil {
		t.Fatal(err)
	}
	tr, err := trace.Open(filepath.Join(dir, "trace.jsonl"), id.String(), &fakeClock{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })

	ctx := session.NewContext(id, &fakeSteadyClock{}, true)
	laser := ports.NewSimulatedLaser()
	health := ports.NewSimulatedHealth()
	eval := predicate.NewEvaluator(laser, nil, health, dir)
	m := New(ctx, tr, eval, laser)
	return m, ctx, tr
}

func bindGoodConfig(ctx *session.Context) {
	ctx.BindConfig(map[string]interface{}{
		"hardware": map[string]interface{}{},
		"safety":   map[string]interface{}{"max_continuous_time": 10.0, "cooldown_time": 0.0},
	})
	ctx.BindCalibration(map[string]interface{}{
		"points": []interface{}{
			map[string]interface{}{"wavelength_nm": 400.0, "voltage_v": 0.1},
			map[string]interface{}{"wavelength_nm": 700.0, "voltage_v": 0.9},
		},
	})
}

func TestHappyPathToEmitting(t *testing.T) {
	m, ctx, _ := newTestMachine(t)
	bindGoodConfig(ctx)

	steps := []Event{Initialize, Arm, ArmConfirm}
	for _, e := range steps {
		out, err := m.Transition(e, EventData{})
		if err != nil {
			t.Fatalf("%s: %v", e, err)
		}
		if !out.Advanced {
			t.Fatalf("%s: expected advance, got %+v", e, out)
		}
	}
	if m.State() != session.StateEmitReady {
		t.Fatalf("expected EMIT_READY, got %s", m.State())
	}

	out, err := m.Transition(EmitRequest, EventData{RequiredEmitMS: 100, RequiredDutyPercent: 5, EmitDurationMS: 100, DutyPercent: 5})
	if err != nil {
		t.Fatalf("EMIT_REQUEST: %v", err)
	}
	if !out.Advanced || m.State() != session.StateEmitting {
		t.Fatalf("expected EMITTING, got %+v state=%s", out, m.State())
	}

	remainEmit, _, _ := ctx.Budget().Snapshot()
	if remainEmit != 9900 {
		t.Fatalf("expected budget consumed by 100ms, got remaining %v", remainEmit)
	}
}

func TestIllegalTransitionRejectedNoStateChange(t *testing.T) {
	m, _, _ := newTestMachine(t)
	outcome, err := m.Transition(Arm, EventData{})
	if err != nil {
		t.Fatalf("illegal transition must be reported via Outcome.Rejected, not err: %v", err)
	}
	if outcome.Rejected == nil {
		t.Fatalf("expected Outcome.Rejected, got %+v", outcome)
	}
	if outcome.Advanced || outcome.Faulted != nil {
		t.Fatalf("expected exactly Rejected set, got %+v", outcome)
	}
	if outcome.Rejected.From != session.StateSafe || outcome.Rejected.Event != Arm {
		t.Fatalf("unexpected IllegalTransition contents: %+v", outcome.Rejected)
	}
	if m.State() != session.StateSafe {
		t.Fatalf("illegal transition must not change state, got %s", m.State())
	}
}

func TestPredicateFailureLatchesFault(t *testing.T) {
	m, ctx, _ := newTestMachine(t)
	// No config bound: config_valid fails.
	out, err := m.Transition(Initialize, EventData{})
	if err != nil {
		t.Fatalf("unexpected hard error: %v", err)
	}
	if out.Advanced {
		t.Fatalf("expected predicate failure, not an advance")
	}
	if out.Faulted == nil {
		t.Fatalf("expected Faulted outcome")
	}
	if m.State() != session.StateFault {
		t.Fatalf("expected FAULT state, got %s", m.State())
	}
	if ctx.FaultReason() == "" {
		t.Fatalf("expected a latched fault reason")
	}
}

func TestFaultIsTerminalExceptReset(t *testing.T) {
	m, _, _ := newTestMachine(t)
	if err := m.InjectFault("test_fault"); err != nil {
		t.Fatal(err)
	}
	if m.State() != session.StateFault {
		t.Fatalf("expected FAULT")
	}
	if out, err := m.Transition(Arm, EventData{}); err != nil || out.Rejected == nil {
		t.Fatalf("expected every non-RESET event to be illegal from FAULT, got %+v err=%v", out, err)
	}
	out, err := m.Transition(Reset, EventData{})
	if err != nil {
		t.Fatalf("RESET: %v", err)
	}
	if !out.Advanced || m.State() != session.StateSafe {
		t.Fatalf("expected RESET to return to SAFE, got %+v state=%s", out, m.State())
	}
}

func TestMidEmissionInterlockDropFaults(t *testing.T) {
	m, ctx, _ := newTestMachine(t)
	bindGoodConfig(ctx)
	for _, e := range []Event{Initialize, Arm, ArmConfirm} {
		if _, err := m.Transition(e, EventData{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.Transition(EmitRequest, EventData{RequiredEmitMS: 10, RequiredDutyPercent: 1, EmitDurationMS: 10, DutyPercent: 1}); err != nil {
		t.Fatal(err)
	}
	if err := m.InjectFault("port_failure:laser:interlock_open"); err != nil {
		t.Fatal(err)
	}
	if m.State() != session.StateFault {
		t.Fatalf("expected FAULT after injected interlock fault, got %s", m.State())
	}
}

func TestStopDoesNotStampLastEmitEnd(t *testing.T) {
	m, ctx, _ := newTestMachine(t)
	// A non-zero cooldown, so a stamped last_emit_end would leave the
	// cooldown unsatisfied (the steady clock never advances here).
	ctx.BindConfig(map[string]interface{}{
		"hardware": map[string]interface{}{},
		"safety":   map[string]interface{}{"max_continuous_time": 10.0, "cooldown_time": 60.0},
	})
	ctx.BindCalibration(map[string]interface{}{
		"points": []interface{}{
			map[string]interface{}{"wavelength_nm": 400.0, "voltage_v": 0.1},
			map[string]interface{}{"wavelength_nm": 700.0, "voltage_v": 0.9},
		},
	})
	for _, e := range []Event{Initialize, Arm, ArmConfirm} {
		if _, err := m.Transition(e, EventData{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.Transition(EmitRequest, EventData{RequiredEmitMS: 10, RequiredDutyPercent: 1, EmitDurationMS: 10, DutyPercent: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Transition(Stop, EventData{}); err != nil {
		t.Fatal(err)
	}
	satisfied, remaining := ctx.Budget().CooldownSatisfied()
	if !satisfied || remaining != 0 {
		t.Fatalf("STOP must not stamp last_emit_end (cooldown_time is 60s); got satisfied=%v remaining=%v", satisfied, remaining)
	}
}

func TestArmConfirmExpiredWindowFaults(t *testing.T) {
	clock := &fakeSteadyClock{}
	dir := t.TempDir()
	id, err := session.NewID()
	if err != nil {
		t.Fatal(err)
	}
	tr, err := trace.Open(filepath.Join(dir, "trace.jsonl"), id.String(), &fakeClock{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	ctx := session.NewContext(id, clock, true)
	laser := ports.NewSimulatedLaser()
	eval := predicate.NewEvaluator(laser, nil, ports.NewSimulatedHealth(), dir)
	m := New(ctx, tr, eval, laser)
	bindGoodConfig(ctx)

	if _, err := m.Transition(Initialize, EventData{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Transition(Arm, EventData{}); err != nil {
		t.Fatal(err)
	}
	clock.d = 6 * time.Second // past the 5000ms default window
	out, err := m.Transition(ArmConfirm, EventData{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Advanced {
		t.Fatalf("expected arm confirmation to fail once the window has elapsed")
	}
	if m.State() != session.StateFault {
		t.Fatalf("expected FAULT after expired arming window, got %s", m.State())
	}
}

func TestBudgetExhaustionRejectsEmit(t *testing.T) {
	m, ctx, _ := newTestMachine(t)
	bindGoodConfig(ctx)
	for _, e := range []Event{Initialize, Arm, ArmConfirm} {
		if _, err := m.Transition(e, EventData{}); err != nil {
			t.Fatal(err)
		}
	}
	out, err := m.Transition(EmitRequest, EventData{RequiredEmitMS: 100000, RequiredDutyPercent: 5})
	if err != nil {
		t.Fatal(err)
	}
	if out.Advanced {
		t.Fatalf("expected budget exhaustion to reject the emit request")
	}
	if m.State() != session.StateFault {
		t.Fatalf("expected FAULT after budget-exhausted emit request, got %s", m.State())
	}
}
