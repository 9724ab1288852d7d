package predicate

import (
	"testing"

	"github.com/tristochief/niols/internal/ports"
	"github.com/tristochief/niols/internal/session"
)

func TestConfigValidRequiresSections(t *testing.T) {
	ev := NewEvaluator(nil, nil, nil, "logs")
	ctx := session.NewContext(testID(t), session.NewRealClock(), true)
	r := ev.Evaluate(ctx, ConfigValid, Request{})
	if r.Passed {
		t.Fatalf("config_valid should fail before binding")
	}
	ctx.BindConfig(map[string]interface{}{"hardware": map[string]interface{}{}, "safety": map[string]interface{}{}})
	r = ev.Evaluate(ctx, ConfigValid, Request{})
	if !r.Passed {
		t.Fatalf("config_valid should pass once bound with required sections: %+v", r.Bounds)
	}
}

func TestInterlockSafeSimulationFallback(t *testing.T) {
	ev := NewEvaluator(nil, nil, nil, "logs")
	ctx := session.NewContext(testID(t), session.NewRealClock(), true)
	r := ev.Evaluate(ctx, InterlockSafe, Request{})
	if !r.Passed {
		t.Fatalf("interlock_safe should default true in simulation mode with no laser port")
	}
}

func TestInterlockSafeNoSimulationNoLaser(t *testing.T) {
	ev := NewEvaluator(nil, nil, nil, "logs")
	ctx := session.NewContext(testID(t), session.NewRealClock(), false)
	r := ev.Evaluate(ctx, InterlockSafe, Request{})
	if r.Passed {
		t.Fatalf("interlock_safe must fail with no laser port and no simulation mode")
	}
}

func TestInterlockSafeDelegatesToLaser(t *testing.T) {
	laser := ports.NewSimulatedLaser()
	laser.SetInterlockSafe(false)
	ev := NewEvaluator(laser, nil, nil, "logs")
	ctx := session.NewContext(testID(t), session.NewRealClock(), false)
	r := ev.Evaluate(ctx, InterlockSafe, Request{})
	if r.Passed {
		t.Fatalf("interlock_safe must reflect the laser port's reported state")
	}
}

func TestBudgetAvailable(t *testing.T) {
	ev := NewEvaluator(nil, nil, nil, "logs")
	ctx := session.NewContext(testID(t), session.NewRealClock(), true)
	ctx.InitializeBudget(1.0, 0.0)
	r := ev.Evaluate(ctx, BudgetAvailable, Request{RequiredEmitMS: 500, RequiredDutyPercent: 10})
	if !r.Passed {
		t.Fatalf("expected budget available: %+v", r.Bounds)
	}
	r = ev.Evaluate(ctx, BudgetAvailable, Request{RequiredEmitMS: 5000, RequiredDutyPercent: 10})
	if r.Passed {
		t.Fatalf("expected budget exhausted for an over-large request")
	}
}

func testID(t *testing.T) session.ID {
	t.Helper()
	id, err := session.NewID()
	if err != nil {
		t.Fatal(err)
	}
	return id
}
