package session

import (
	"testing"
	"time"
)

func TestBudgetMonotonicConsumption(t *testing.T) {
	clk := &fakeClock{}
	b := NewBudget(clk, 1.0, 0.0) // 1000ms, 0s cooldown
	emit, duty, _ := b.Snapshot()
	if emit != 1000 || duty != 100 {
		t.Fatalf("unexpected initial budget: emit=%v duty=%v", emit, duty)
	}
	b.ConsumeEmitTime(100)
	b.ConsumeDutyCycle(10)
	emit, duty, _ = b.Snapshot()
	if emit != 900 || duty != 90 {
		t.Fatalf("expected 900ms/90%%, got emit=%v duty=%v", emit, duty)
	}
	b.ConsumeEmitTime(10000)
	emit, _, _ = b.Snapshot()
	if emit < 0 {
		t.Fatalf("budget must never go negative, got %v", emit)
	}
}

func TestBudgetAvailableBoundary(t *testing.T) {
	clk := &fakeClock{}
	b := NewBudget(clk, 0.2, 0.0) // 200ms
	ok, remaining, _ := b.Available(200, 0)
	if !ok {
		t.Fatalf("consuming the last microsecond of budget should succeed: remaining=%v", remaining)
	}
	b.ConsumeEmitTime(200)
	ok, remaining, _ = b.Available(0.001, 0)
	if ok {
		t.Fatalf("the next request after exhaustion must fail, remaining=%v", remaining)
	}
}

func TestCooldownDerivedFromSteadyTime(t *testing.T) {
	clk := &fakeClock{}
	b := NewBudget(clk, 1.0, 60.0) // 60s cooldown
	satisfied, remaining := b.CooldownSatisfied()
	if !satisfied || remaining != 0 {
		t.Fatalf("no emission yet: cooldown should be satisfied, got remaining=%v", remaining)
	}
	b.RecordEmitEnd(clk.Now())
	satisfied, remaining = b.CooldownSatisfied()
	if satisfied || remaining <= 0 {
		t.Fatalf("immediately after emission, cooldown should not be satisfied, remaining=%v", remaining)
	}
	clk.Advance(61 * time.Second)
	satisfied, remaining = b.CooldownSatisfied()
	if !satisfied || remaining != 0 {
		t.Fatalf("after cooldown elapses, should be satisfied, remaining=%v", remaining)
	}
}

func TestArmingWindowStrictBoundary(t *testing.T) {
	clk := &fakeClock{}
	ctx := NewContext(mustID(t), clk, true)
	ctx.StartArmingWindow()
	clk.Advance(5000 * time.Millisecond)
	within, elapsed, _, duration := ctx.ArmingWindowElapsed()
	if within {
		t.Fatalf("ARM_CONFIRM at exactly arming_window_duration_ms must fail the guard (elapsed=%v duration=%v)", elapsed, duration)
	}
	clk.Advance(-1 * time.Millisecond)
	within, _, _, _ = ctx.ArmingWindowElapsed()
	if !within {
		t.Fatalf("ARM_CONFIRM just under the window duration must pass")
	}
}

func TestBindOnceImmutable(t *testing.T) {
	clk := &fakeClock{}
	ctx := NewContext(mustID(t), clk, true)
	ctx.BindConfig(map[string]interface{}{"hardware": map[string]interface{}{}})
	hash1 := ctx.ConfigHash()
	if hash1 == "" {
		t.Fatalf("expected non-empty config hash after binding")
	}
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on double-bind of config")
		}
	}()
	ctx.BindConfig(map[string]interface{}{"hardware": map[string]interface{}{"x": 1}})
}

func mustID(t *testing.T) ID {
	t.Helper()
	id, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	return id
}
