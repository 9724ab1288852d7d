// Package session implements the frozen-after-init root object bound at
// INITIALIZE: the session identifier, configuration/calibration snapshots
// and their hashes, the resource budget, and the arming window. The
// concurrency style — a small struct guarded by one mutex, exposing only
// monotonic mutation methods — follows the reference agent's
// internal/budget token-bucket idiom, adapted here to a purely
// non-increasing budget rather than a refilling bucket: this device's
// budget never refills mid-session, only resets on the next INITIALIZE.
package session

import (
	"sync"
	"time"
)

// SteadyClock abstracts steady (monotonic) time so tests can control it.
// Production code uses RealClock; nothing in this package reads wall
// clock time for budget accounting.
type SteadyClock interface {
	Now() time.Duration
}

// RealClock implements SteadyClock using the process's monotonic clock,
// measured as elapsed time since the clock was constructed.
type RealClock struct {
	start time.Time
}

// NewRealClock returns a SteadyClock anchored at the current instant.
func NewRealClock() *RealClock {
	return &RealClock{start: time.Now()}
}

// Now returns elapsed steady time since the clock was constructed.
func (c *RealClock) Now() time.Duration {
	return time.Since(c.start)
}

// Budget tracks the monotonically-consumed resource counters for one
// session: remaining continuous emission time, remaining duty-cycle
// budget, and the cooldown timer derived from the last emission's end.
type Budget struct {
	mu sync.Mutex

	remainingEmitMS      float64
	remainingDutyPercent float64
	cooldownRemainingMS  float64
	lastEmitEnd          *time.Duration

	cooldownRequiredMS float64
	clock              SteadyClock
}

// NewBudget initializes a budget from safety.max_continuous_time
// (seconds) and safety.cooldown_time (seconds), per spec §3.
func NewBudget(clock SteadyClock, maxContinuousTimeSec, cooldownTimeSec float64) *Budget {
	return &Budget{
		remainingEmitMS:      maxContinuousTimeSec * 1000.0,
		remainingDutyPercent: 100.0,
		cooldownRemainingMS:  0,
		cooldownRequiredMS:   cooldownTimeSec * 1000.0,
		clock:                clock,
	}
}

// UpdateCooldown recomputes cooldownRemainingMS from the last emission's
// end and the configured cooldown duration. Safe to call repeatedly; it
// never increases the remaining cooldown beyond what the configured
// duration allows.
func (b *Budget) UpdateCooldown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateCooldownLocked()
}

func (b *Budget) updateCooldownLocked() {
	if b.lastEmitEnd == nil {
		b.cooldownRemainingMS = 0
		return
	}
	elapsedMS := float64(b.clock.Now()-*b.lastEmitEnd) / float64(time.Millisecond)
	remaining := b.cooldownRequiredMS - elapsedMS
	if remaining < 0 {
		remaining = 0
	}
	b.cooldownRemainingMS = remaining
}

// ConsumeEmitTime decrements remainingEmitMS by ms, never going below
// zero.
func (b *Budget) ConsumeEmitTime(ms float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remainingEmitMS -= ms
	if b.remainingEmitMS < 0 {
		b.remainingEmitMS = 0
	}
}

// ConsumeDutyCycle decrements remainingDutyPercent by pct, never going
// below zero.
func (b *Budget) ConsumeDutyCycle(pct float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remainingDutyPercent -= pct
	if b.remainingDutyPercent < 0 {
		b.remainingDutyPercent = 0
	}
}

// RecordEmitEnd stamps the steady-time instant an emission ended, for
// subsequent cooldown accounting.
func (b *Budget) RecordEmitEnd(at time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastEmitEnd = &at
}

// Snapshot returns a read-only view of the current budget values,
// recomputing cooldown first so the snapshot is fresh.
func (b *Budget) Snapshot() (remainingEmitMS, remainingDutyPercent, cooldownRemainingMS float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateCooldownLocked()
	return b.remainingEmitMS, b.remainingDutyPercent, b.cooldownRemainingMS
}

// RemainingEmitMS returns the current remaining emission time without
// recomputing cooldown.
func (b *Budget) RemainingEmitMS() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remainingEmitMS
}

// RemainingDutyPercent returns the current remaining duty-cycle budget.
func (b *Budget) RemainingDutyPercent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remainingDutyPercent
}

// CooldownSatisfied reports whether cooldownRemainingMS <= 0 after a
// fresh recomputation.
func (b *Budget) CooldownSatisfied() (bool, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateCooldownLocked()
	return b.cooldownRemainingMS <= 0, b.cooldownRemainingMS
}

// Available reports whether at least requiredEmitMS and
// requiredDutyPercent remain.
func (b *Budget) Available(requiredEmitMS, requiredDutyPercent float64) (bool, float64, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hasEmit := b.remainingEmitMS >= requiredEmitMS
	hasDuty := b.remainingDutyPercent >= requiredDutyPercent
	return hasEmit && hasDuty, b.remainingEmitMS, b.remainingDutyPercent
}
