package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/tristochief/niols/internal/hashchain"
)

// State is the closed discriminated variant over the FSM's six labels.
type State int

const (
	StateSafe State = iota
	StateInitialized
	StateArmed
	StateEmitReady
	StateEmitting
	StateFault
)

func (s State) String() string {
	switch s {
	case StateSafe:
		return "SAFE"
	case StateInitialized:
		return "INITIALIZED"
	case StateArmed:
		return "ARMED"
	case StateEmitReady:
		return "EMIT_READY"
	case StateEmitting:
		return "EMITTING"
	case StateFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// defaultArmingWindow is the context default for how long ARM_CONFIRM
// remains valid after ARM. Per spec §9 Open Questions, this is a context
// default, not sourced from config; whether operators may override it is
// undefined by the source this was distilled from, so it is fixed here.
const defaultArmingWindow = 5000 * time.Millisecond

// ID is an opaque 128-bit session identifier.
type ID [16]byte

// NewID generates a random 128-bit session identifier.
func NewID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("session: generate id: %w", err)
	}
	return id, nil
}

// String renders the id as lowercase hex, matching the trace record
// session_id field.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Context is the frozen-after-init root object. State, Budget, the
// arming window, and FaultReason are the only fields that mutate during
// a session's life; SessionID, ConfigHash, CalHash, and the bound
// documents are set once, at INITIALIZE, and never rewritten.
type Context struct {
	mu sync.RWMutex

	sessionID ID
	state     State

	config     hashchain.Value
	configHash string
	calibrate  hashchain.Value
	calHash    string

	budget *Budget
	clock  SteadyClock

	armingWindowStart    *time.Duration
	armingWindowDuration time.Duration

	simulationMode bool
	faultReason    string
}

// NewContext creates a session context in SAFE with no bound hashes.
func NewContext(id ID, clock SteadyClock, simulationMode bool) *Context {
	return &Context{
		sessionID:            id,
		state:                StateSafe,
		clock:                clock,
		armingWindowDuration: defaultArmingWindow,
		simulationMode:       simulationMode,
	}
}

// SessionID returns the session's opaque identifier.
func (c *Context) SessionID() ID { return c.sessionID }

// State returns the current FSM state.
func (c *Context) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState is called only by the FSM mutator while holding the session's
// single-writer critical section.
func (c *Context) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// SimulationMode reports whether the session runs against simulated
// ports rather than real hardware.
func (c *Context) SimulationMode() bool {
	return c.simulationMode
}

// FaultReason returns the latched fault reason, or "" if not in FAULT.
func (c *Context) FaultReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.faultReason
}

// SetFaultReason latches a fault reason; cleared implicitly on RESET by
// the FSM (which calls SetFaultReason("") when transitioning to SAFE).
func (c *Context) SetFaultReason(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faultReason = reason
}

// BindConfig binds the configuration snapshot and its hash. Must be
// called exactly once, during a successful INITIALIZE transition; it
// panics on a second call because that would violate the "bound once,
// never rewritten" invariant tested in spec §8 — a programmer error, not
// a runtime condition the FSM is expected to recover from.
func (c *Context) BindConfig(doc hashchain.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.configHash != "" {
		panic("session: config already bound for this session")
	}
	c.config = doc
	c.configHash = hashchain.Hash(doc)
}

// BindCalibration binds the calibration snapshot and its hash, with the
// same once-only contract as BindConfig.
func (c *Context) BindCalibration(doc hashchain.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calHash != "" {
		panic("session: calibration already bound for this session")
	}
	c.calibrate = doc
	c.calHash = hashchain.Hash(doc)
}

// Config returns the bound configuration snapshot, or nil if unbound.
func (c *Context) Config() hashchain.Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Calibration returns the bound calibration snapshot, or nil if unbound.
func (c *Context) Calibration() hashchain.Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calibrate
}

// ConfigHash returns the bound config hash, or "" if unbound.
func (c *Context) ConfigHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configHash
}

// CalHash returns the bound calibration hash, or "" if unbound.
func (c *Context) CalHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calHash
}

// InitializeBudget constructs the session's Budget from the bound
// config's safety section. Called as a side effect of entering
// INITIALIZED.
func (c *Context) InitializeBudget(maxContinuousTimeSec, cooldownTimeSec float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budget = NewBudget(c.clock, maxContinuousTimeSec, cooldownTimeSec)
}

// Budget returns the session's budget, or nil before INITIALIZE.
func (c *Context) Budget() *Budget {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.budget
}

// StartArmingWindow stamps the current steady time as the arming window
// start. Side effect of entering ARMED.
func (c *Context) StartArmingWindow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	c.armingWindowStart = &now
}

// ClearArmingWindow clears the arming window. Side effect of entering
// EMIT_READY.
func (c *Context) ClearArmingWindow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armingWindowStart = nil
}

// ArmingWindowElapsed reports whether the window is open, and elapsed/
// remaining milliseconds for diagnostics. The boundary check is strict
// less-than: an ARM_CONFIRM landing at exactly the window duration fails,
// per spec §8 boundary behaviors (confirmed against the distilled
// source's literal `elapsed_ms < duration_ms` comparison).
func (c *Context) ArmingWindowElapsed() (withinWindow bool, elapsedMS, remainingMS, windowDurationMS float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	windowDurationMS = float64(c.armingWindowDuration) / float64(time.Millisecond)
	if c.armingWindowStart == nil {
		return false, 0, 0, windowDurationMS
	}
	elapsedMS = float64(c.clock.Now()-*c.armingWindowStart) / float64(time.Millisecond)
	remainingMS = windowDurationMS - elapsedMS
	if remainingMS < 0 {
		remainingMS = 0
	}
	withinWindow = elapsedMS < windowDurationMS
	return withinWindow, elapsedMS, remainingMS, windowDurationMS
}

// ArmingWindowStarted reports whether StartArmingWindow has been called
// since the last ClearArmingWindow.
func (c *Context) ArmingWindowStarted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.armingWindowStart != nil
}

// SteadyNow returns the session's steady clock reading, for callers that
// need to stamp budget/cooldown instants outside this package.
func (c *Context) SteadyNow() time.Duration {
	return c.clock.Now()
}
