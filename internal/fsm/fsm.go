// Package fsm implements the transition table, predicate gate,
// side-effect dispatch, and fault latch of spec §4.3. The Machine is the
// single-writer critical section of spec §5: one mutex guards
// predicate evaluation, side-effect dispatch, and trace append, so an
// external observer always sees strictly ordered (state_from, state_to,
// seq) tuples matching the trace. This mirrors the reference agent's
// internal/escalation mutex-guarded state struct in spirit, generalized
// from a severity-threshold escalation ladder to a fixed guarded
// transition table.
package fsm

import (
	"fmt"
	"sync"

	"github.com/tristochief/niols/internal/predicate"
	"github.com/tristochief/niols/internal/ports"
	"github.com/tristochief/niols/internal/session"
	"github.com/tristochief/niols/internal/trace"
)

// Event is the FSM event alphabet.
type Event int

const (
	Initialize Event = iota
	Arm
	ArmConfirm
	EmitRequest
	EmitComplete
	Stop
	Reset
	Fault
)

func (e Event) String() string {
	switch e {
	case Initialize:
		return "INITIALIZE"
	case Arm:
		return "ARM"
	case ArmConfirm:
		return "ARM_CONFIRM"
	case EmitRequest:
		return "EMIT_REQUEST"
	case EmitComplete:
		return "EMIT_COMPLETE"
	case Stop:
		return "STOP"
	case Reset:
		return "RESET"
	case Fault:
		return "FAULT"
	default:
		return "UNKNOWN_EVENT"
	}
}

// edge is one transition table entry: target state plus the predicates
// required to traverse it.
type edge struct {
	to         session.State
	predicates []predicate.Name
}

type tableKey struct {
	from  session.State
	event Event
}

// transitionTable is the fixed (state, event) -> (state, predicates)
// table of spec §4.3. It is package-level and never mutated at runtime,
// unlike the distilled source's dict built at class-definition time with
// string-keyed predicate lookups — here the predicate list is a slice of
// the closed predicate.Name enum.
var transitionTable = map[tableKey]edge{
	{session.StateSafe, Initialize}: {session.StateInitialized, []predicate.Name{
		predicate.ConfigValid, predicate.CalibrationValid, predicate.DependenciesOK, predicate.HardwareHealth,
	}},
	{session.StateInitialized, Arm}: {session.StateArmed, []predicate.Name{
		predicate.InterlockSafe, predicate.NoOutstandingFaults, predicate.CooldownSatisfied,
	}},
	{session.StateArmed, ArmConfirm}: {session.StateEmitReady, []predicate.Name{
		predicate.ArmConfirmationWithinWindow,
	}},
	{session.StateEmitReady, EmitRequest}: {session.StateEmitting, []predicate.Name{
		predicate.BudgetAvailable, predicate.InterlockSafe,
	}},
	{session.StateEmitting, EmitComplete}: {session.StateEmitReady, nil},
	{session.StateEmitting, Stop}:         {session.StateEmitReady, nil},
	{session.StateEmitReady, Stop}:        {session.StateArmed, nil},
	{session.StateArmed, Stop}:            {session.StateInitialized, nil},
	{session.StateInitialized, Stop}:      {session.StateSafe, nil},
	{session.StateFault, Reset}:           {session.StateSafe, nil},
	{session.StateSafe, Fault}:            {session.StateFault, nil},
	{session.StateInitialized, Fault}:     {session.StateFault, nil},
	{session.StateArmed, Fault}:           {session.StateFault, nil},
	{session.StateEmitReady, Fault}:       {session.StateFault, nil},
	{session.StateEmitting, Fault}:        {session.StateFault, nil},
}

// CanTransition reports whether (from, event) is a legal edge.
func CanTransition(from session.State, event Event) bool {
	_, ok := transitionTable[tableKey{from, event}]
	return ok
}

// IllegalTransition is returned when (state, event) is not in the table.
// Per spec §7 point 1, this is rejected without a state change and
// without a trace record.
type IllegalTransition struct {
	From  session.State
	Event Event
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition: %s --%s--> ?", e.From, e.Event)
}

// PredicateFailure is returned (and also recorded in the trace as a FAULT
// event) when an edge's guard predicates did not all pass.
type PredicateFailure struct {
	Names []string
}

func (e *PredicateFailure) Error() string {
	return fmt.Sprintf("predicate failures: %v", e.Names)
}

// EventData carries event-specific inputs: the emission resources
// EMIT_REQUEST's budget_available guard requires, the amounts entering
// EMITTING consumes from the budget, and the resulting transition's
// free-form event_data for the trace record.
type EventData struct {
	RequiredEmitMS      float64
	RequiredDutyPercent float64
	EmitDurationMS      float64
	DutyPercent         float64
	Extra               map[string]interface{}
}

// Outcome is the sum type spec §9 Design Notes calls for in place of
// exceptions around predicate failure: exactly one of Advanced,
// Rejected, or Faulted is non-zero.
type Outcome struct {
	Advanced  bool
	Rejected  *IllegalTransition
	Faulted   *PredicateFailure
	FromState session.State
	ToState   session.State
	Record    *trace.Record
}

// Machine is the single-writer critical section binding a session
// context, a trace writer, and the predicate evaluator together.
type Machine struct {
	mu sync.Mutex

	ctx   *session.Context
	tr    *trace.Writer
	eval  *predicate.Evaluator
	laser ports.LaserPort
}

// New constructs a Machine. laser may be nil in simulation-mode sessions
// with no laser port configured.
func New(ctx *session.Context, tr *trace.Writer, eval *predicate.Evaluator, laser ports.LaserPort) *Machine {
	return &Machine{ctx: ctx, tr: tr, eval: eval, laser: laser}
}

// State returns the current FSM state.
func (m *Machine) State() session.State {
	return m.ctx.State()
}

// Transition attempts one state transition. It holds the machine's
// single mutex for the duration of predicate evaluation, side-effect
// dispatch, and trace append, per spec §5's single-writer critical
// section.
func (m *Machine) Transition(event Event, data EventData) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.ctx.State()
	key := tableKey{from, event}
	e, ok := transitionTable[key]
	if !ok {
		return Outcome{
			Rejected:  &IllegalTransition{From: from, Event: event},
			FromState: from,
			ToState:   from,
		}, nil
	}

	predReq := predicate.Request{
		RequiredEmitMS:      data.RequiredEmitMS,
		RequiredDutyPercent: data.RequiredDutyPercent,
	}

	results := make(map[string]predicate.Result, len(e.predicates))
	allPass := true
	var failedNames []string
	for _, name := range e.predicates {
		r := m.eval.Evaluate(m.ctx, name, predReq)
		results[name.String()] = r
		if !r.Passed {
			allPass = false
			failedNames = append(failedNames, name.String())
		}
	}

	if !allPass && e.to != session.StateSafe {
		rec, ferr := m.latchFault(from, predicatesToDiagnostic(results), fmt.Sprintf("predicate failures: %v", failedNames))
		if ferr != nil {
			return Outcome{}, ferr
		}
		return Outcome{Faulted: &PredicateFailure{Names: failedNames}, FromState: from, ToState: session.StateFault, Record: rec}, nil
	}

	return m.executeTransition(from, e.to, event, data, results)
}

func (m *Machine) executeTransition(from, to session.State, event Event, data EventData, results map[string]predicate.Result) (Outcome, error) {
	m.ctx.SetState(to)
	m.executeSideEffects(from, to, event, data)

	diag := predicatesToDiagnostic(results)
	eventData := data.Extra
	if eventData == nil {
		eventData = map[string]interface{}{}
	}

	rec, err := m.tr.WriteRecord(trace.WriteInput{
		EventType:  trace.EventStateTransition,
		StateFrom:  from.String(),
		StateTo:    to.String(),
		Predicates: diag,
		EventData:  eventData,
		ConfigHash: m.ctx.ConfigHash(),
		CalHash:    m.ctx.CalHash(),
	})
	if err != nil {
		// Spec §7 point 5: trace write failure is fatal. The FSM
		// latches FAULT with reason "trace_unavailable" and accepts no
		// further transitions until RESET. This is a deliberate
		// hardening of the distilled source, which only logged the
		// failure and continued.
		m.ctx.SetState(session.StateFault)
		m.ctx.SetFaultReason("trace_unavailable")
		return Outcome{}, fmt.Errorf("fsm: trace write failed, latched FAULT: %w", err)
	}

	return Outcome{Advanced: true, FromState: from, ToState: to, Record: &rec}, nil
}

// executeSideEffects runs the deterministic per-destination-state side
// effects of spec §4.3.
func (m *Machine) executeSideEffects(from, to session.State, event Event, data EventData) {
	if to == session.StateInitialized {
		maxContinuous, cooldown := safetyDefaultsFromConfig(m.ctx)
		m.ctx.InitializeBudget(maxContinuous, cooldown)
	}
	if to == session.StateArmed {
		m.ctx.StartArmingWindow()
	}
	if to == session.StateEmitReady {
		m.ctx.ClearArmingWindow()
	}
	if to == session.StateEmitting {
		if b := m.ctx.Budget(); b != nil {
			if data.EmitDurationMS > 0 {
				b.ConsumeEmitTime(data.EmitDurationMS)
			}
			if data.DutyPercent > 0 {
				b.ConsumeDutyCycle(data.DutyPercent)
			}
		}
	}
	// EMIT_COMPLETE stamps last_emit_end for cooldown accounting. Per
	// spec §9 Open Questions, STOP during EMITTING does *not* stamp it —
	// this is the distilled source's literal behavior, preserved as-is
	// rather than guessed at, since the original only checks
	// `event == FSMEvent.EMIT_COMPLETE` here, never STOP.
	if event == EmitComplete {
		if b := m.ctx.Budget(); b != nil {
			b.RecordEmitEnd(m.ctx.SteadyNow())
		}
	}
	// The fault reason stays latched until the RESET edge fires.
	if event == Reset {
		m.ctx.SetFaultReason("")
	}
}

// latchFault transitions to FAULT, records the reason, and writes the
// FAULT trace record. It does not itself return an error to the caller
// about the *original* rejected transition — the caller wraps the
// PredicateFailure — but it does propagate a hard trace-write failure,
// since that failure mode (spec §7 point 5) outranks the predicate
// failure being reported.
func (m *Machine) latchFault(from session.State, diag map[string]interface{}, reason string) (*trace.Record, error) {
	m.ctx.SetState(session.StateFault)
	m.ctx.SetFaultReason(reason)
	rec, err := m.tr.WriteRecord(trace.WriteInput{
		EventType:   trace.EventFault,
		StateFrom:   from.String(),
		StateTo:     session.StateFault.String(),
		Predicates:  diag,
		FaultReason: reason,
		ConfigHash:  m.ctx.ConfigHash(),
		CalHash:     m.ctx.CalHash(),
	})
	if err != nil {
		m.ctx.SetFaultReason("trace_unavailable")
		return nil, fmt.Errorf("fsm: trace write failed while latching fault: %w", err)
	}
	return &rec, nil
}

// InjectFault is used by callers outside a normal transition call (e.g.
// a port failure mid-EMITTING, or an interlock-open event queued by a
// port) to force an immediate FAULT with a caller-supplied reason,
// per spec §7 point 4.
func (m *Machine) InjectFault(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.ctx.State()
	_, err := m.latchFault(from, nil, reason)
	return err
}

func predicatesToDiagnostic(results map[string]predicate.Result) map[string]interface{} {
	if len(results) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(results))
	for name, r := range results {
		out[name] = map[string]interface{}{"passed": r.Passed, "bounds": r.Bounds}
	}
	return out
}

// safetyDefaultsFromConfig extracts safety.max_continuous_time and
// safety.cooldown_time (seconds) from the bound config document,
// defaulting to 3600s/60s if absent, matching the distilled source's
// `safety.get('max_continuous_time', 3600.0)` fallback pattern.
func safetyDefaultsFromConfig(ctx *session.Context) (maxContinuousSec, cooldownSec float64) {
	maxContinuousSec, cooldownSec = 3600.0, 60.0
	doc := ctx.Config()
	m, ok := doc.(map[string]interface{})
	if !ok {
		return
	}
	safety, ok := m["safety"].(map[string]interface{})
	if !ok {
		return
	}
	if v, ok := safety["max_continuous_time"].(float64); ok {
		maxContinuousSec = v
	}
	if v, ok := safety["cooldown_time"].(float64); ok {
		cooldownSec = v
	}
	return
}
