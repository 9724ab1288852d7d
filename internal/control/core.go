// Package control implements the thin command interface of spec §6 and
// its Unix-domain-socket JSON transport, modeled directly on the
// reference agent's internal/operator package: a Request{Cmd,Args} /
// Response{OK,...} pair dispatched by one bounded-concurrency accept
// loop over a 0600 socket.
//
// Manager is the single mutable application-state owner spec §9's
// Design Notes call for: "model the server as an actor-like structure
// whose single owned field is the Option<SessionCore>; all command
// handlers route through the single mutator." Here that single owned
// field is activeSession, nil whenever no session is open.
package control

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tristochief/niols/internal/bundle"
	"github.com/tristochief/niols/internal/config"
	"github.com/tristochief/niols/internal/contracts"
	"github.com/tristochief/niols/internal/fsm"
	"github.com/tristochief/niols/internal/hashchain"
	"github.com/tristochief/niols/internal/observability"
	"github.com/tristochief/niols/internal/ports"
	"github.com/tristochief/niols/internal/predicate"
	"github.com/tristochief/niols/internal/session"
	"github.com/tristochief/niols/internal/storage"
	"github.com/tristochief/niols/internal/trace"
)

const defaultMeasurementSamples = 32

// activeSession bundles everything that exists only while a session is
// open: once FSM state returns to SAFE, Manager tears this down and
// archives it via internal/bundle.
type activeSession struct {
	ctx     *session.Context
	machine *fsm.Machine
	tr      *trace.Writer
	eval    *predicate.Evaluator

	healthStart interface{}
}

// Manager wires the FSM, ports, trace writer, and session bundling
// together behind the single-mutator discipline of spec §5.
type Manager struct {
	cfg        *config.Config
	laser      ports.LaserPort
	photodiode ports.PhotodiodePort
	health     ports.HealthPort
	clock      session.SteadyClock
	db         *storage.DB
	metrics    *observability.Metrics
	log        *zap.Logger
	bundles    *bundle.Writer
	traceRoot  string

	active *activeSession
}

// NewManager constructs a Manager. laser/photodiode/health may be nil
// (cmd/niolsd passes nil ports when cfg.Hardware.SimulationMode is
// false); the predicate.Evaluator then passes the guards that need a
// missing port only in simulation mode and fails them otherwise.
func NewManager(
	cfg *config.Config,
	laser ports.LaserPort,
	photodiode ports.PhotodiodePort,
	health ports.HealthPort,
	clock session.SteadyClock,
	db *storage.DB,
	metrics *observability.Metrics,
	bundles *bundle.Writer,
	traceRoot string,
	log *zap.Logger,
) *Manager {
	return &Manager{
		cfg:        cfg,
		laser:      laser,
		photodiode: photodiode,
		health:     health,
		clock:      clock,
		db:         db,
		metrics:    metrics,
		bundles:    bundles,
		traceRoot:  traceRoot,
		log:        log,
	}
}

// Initialize opens a new session: binds the daemon's configuration and
// calibration table as the session's hash-bound snapshots, opens a
// fresh trace file, and attempts the SAFE -> INITIALIZED transition.
func (m *Manager) Initialize() (session.ID, fsm.Outcome, error) {
	if m.active != nil {
		return session.ID{}, fsm.Outcome{}, fmt.Errorf("control: a session is already open (state %s)", m.active.ctx.State())
	}

	id, err := session.NewID()
	if err != nil {
		return session.ID{}, fsm.Outcome{}, fmt.Errorf("control: generate session id: %w", err)
	}

	ctx := session.NewContext(id, m.clock, m.cfg.Hardware.SimulationMode)
	ctx.BindConfig(configDocument(m.cfg))
	ctx.BindCalibration(m.calibrationDocument())

	tracePath := tracePathFor(m.traceRoot, id)
	tr, err := trace.Open(tracePath, id.String(), trace.NewSystemClock(), m.log)
	if err != nil {
		return session.ID{}, fsm.Outcome{}, fmt.Errorf("control: open trace: %w", err)
	}

	eval := predicate.NewEvaluator(m.laser, m.photodiode, m.health, m.traceRoot)
	machine := fsm.New(ctx, tr, eval, m.laser)

	as := &activeSession{ctx: ctx, machine: machine, tr: tr, eval: eval}
	if m.health != nil {
		as.healthStart = healthChecksToDoc(m.health.RunAllChecks())
	}
	m.active = as

	outcome, err := machine.Transition(fsm.Initialize, fsm.EventData{})
	if err != nil {
		return id, outcome, err
	}
	m.recordOutcome(outcome)
	m.finalizeIfClosed(outcome)
	return id, outcome, nil
}

// Arm attempts INITIALIZED -> ARMED.
func (m *Manager) Arm() (fsm.Outcome, error) {
	return m.transition(fsm.Arm, fsm.EventData{})
}

// ArmConfirm attempts ARMED -> EMIT_READY, gated on the arming window.
func (m *Manager) ArmConfirm() (fsm.Outcome, error) {
	return m.transition(fsm.ArmConfirm, fsm.EventData{})
}

// Emit validates req against the session's emit envelope, attempts
// EMIT_READY -> EMITTING consuming req's budget, drives the laser port
// through the physical pattern on success, and closes the two-phase
// emission with EMIT_COMPLETE, per spec §5's two-phase emission model.
func (m *Manager) Emit(req contracts.PatternRequest) (fsm.Outcome, error) {
	if m.active == nil {
		return fsm.Outcome{}, fmt.Errorf("control: no active session")
	}

	env := m.emitEnvelope()
	if ok, reason := env.ValidateRequest(req); !ok {
		return fsm.Outcome{}, fmt.Errorf("control: emit request rejected: %s", reason)
	}

	outcome, err := m.transition(fsm.EmitRequest, fsm.EventData{
		RequiredEmitMS:      req.TotalMS(),
		RequiredDutyPercent: req.DutyPercent(),
		EmitDurationMS:      req.TotalMS(),
		DutyPercent:         req.DutyPercent(),
		Extra: map[string]interface{}{
			"pulses": req.Pulses, "gaps": req.Gaps,
			"pulse_ms": req.PulseMS, "gap_ms": req.GapMS,
		},
	})
	if err != nil || !outcome.Advanced {
		return outcome, err
	}

	if m.laser != nil {
		bits := make([]bool, 0, req.Pulses+req.Gaps)
		for i := 0; i < req.Pulses; i++ {
			bits = append(bits, true)
		}
		for i := 0; i < req.Gaps; i++ {
			bits = append(bits, false)
		}
		if sendErr := m.laser.SendPattern(bits, req.PulseMS, req.GapMS); sendErr != nil {
			_ = m.active.machine.InjectFault(ports.NewPortError("laser", "send_pattern_failed", sendErr).Error())
			return fsm.Outcome{}, fmt.Errorf("control: laser send_pattern failed, session faulted: %w", sendErr)
		}
	}

	return m.transition(fsm.EmitComplete, fsm.EventData{})
}

// Stop attempts the STOP edge appropriate to the current state.
func (m *Manager) Stop() (fsm.Outcome, error) {
	return m.transition(fsm.Stop, fsm.EventData{})
}

// Reset attempts FAULT -> SAFE, closing and archiving the session.
func (m *Manager) Reset() (fsm.Outcome, error) {
	return m.transition(fsm.Reset, fsm.EventData{})
}

// Status returns a copied-out snapshot of the active session, or an
// all-zero SAFE envelope if no session is open.
func (m *Manager) Status() contracts.SessionStatusEnvelope {
	if m.active == nil {
		budget, _ := contracts.NewBudgetEnvelope(0, 0, 0)
		return contracts.SessionStatusEnvelope{State: session.StateSafe.String(), Budget: budget}
	}
	ctx := m.active.ctx
	remEmit, remDuty, coolRem := 0.0, 0.0, 0.0
	if b := ctx.Budget(); b != nil {
		remEmit, remDuty, coolRem = b.Snapshot()
	}
	budget, _ := contracts.NewBudgetEnvelope(remEmit, remDuty, coolRem)
	return contracts.SessionStatusEnvelope{
		State:      ctx.State().String(),
		Budget:     budget,
		ConfigHash: ctx.ConfigHash(),
		CalHash:    ctx.CalHash(),
	}
}

// CurrentMeasurement returns a bounded measurement envelope from the
// photodiode port. Never exposes a point value, per spec §4.4.
func (m *Manager) CurrentMeasurement() (contracts.MeasurementEnvelope, error) {
	if m.photodiode == nil {
		return contracts.MeasurementEnvelope{}, fmt.Errorf("control: no photodiode port configured")
	}
	return m.photodiode.MeasurementEnvelope(defaultMeasurementSamples)
}

// BundlePath resolves a closed session id to its archived bundle
// directory via the closed-session index, across daemon restarts.
func (m *Manager) BundlePath(sessionID string) (string, error) {
	if m.db == nil {
		return "", fmt.Errorf("control: no closed-session index configured")
	}
	rec, err := m.db.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("control: no closed session %q", sessionID)
	}
	return rec.BundlePath, nil
}

func (m *Manager) transition(event fsm.Event, data fsm.EventData) (fsm.Outcome, error) {
	if m.active == nil {
		return fsm.Outcome{}, fmt.Errorf("control: no active session")
	}
	outcome, err := m.active.machine.Transition(event, data)
	if err != nil {
		return outcome, err
	}
	m.recordOutcome(outcome)
	m.finalizeIfClosed(outcome)
	return outcome, nil
}

func (m *Manager) recordOutcome(outcome fsm.Outcome) {
	if m.metrics == nil {
		return
	}
	if outcome.Advanced {
		m.metrics.RecordTransition(outcome.FromState.String(), outcome.ToState.String())
	}
	if outcome.Faulted != nil {
		m.metrics.RecordTransition(outcome.FromState.String(), session.StateFault.String())
		m.metrics.FaultsTotal.WithLabelValues("predicate_failure").Inc()
	}
	if as := m.active; as != nil {
		if b := as.ctx.Budget(); b != nil {
			remEmit, remDuty, _ := b.Snapshot()
			m.metrics.BudgetRemainingEmitMS.Set(remEmit)
			m.metrics.BudgetRemainingDutyPercent.Set(remDuty)
		}
	}
}

// finalizeIfClosed archives and clears the active session once its
// state returns to SAFE, whether via the INITIALIZED -> SAFE STOP edge
// or the FAULT -> SAFE RESET edge.
func (m *Manager) finalizeIfClosed(outcome fsm.Outcome) {
	if !outcome.Advanced || outcome.ToState != session.StateSafe {
		return
	}
	as := m.active
	m.active = nil
	if as == nil {
		return
	}

	var healthEnd interface{}
	if m.health != nil {
		healthEnd = healthChecksToDoc(m.health.RunAllChecks())
	}

	meta := trace.SessionMetadata{
		SessionID:      as.ctx.SessionID().String(),
		FinalState:     as.ctx.State().String(),
		ConfigHash:     as.ctx.ConfigHash(),
		CalHash:        as.ctx.CalHash(),
		SimulationMode: as.ctx.SimulationMode(),
		FaultReason:    as.ctx.FaultReason(),
	}
	rootHash := as.tr.RootHash(meta)
	tracePath := as.tr.Path()
	if err := as.tr.Close(); err != nil {
		m.log.Warn("control: trace close failed", zap.Error(err))
	}

	var budgetFinal *bundle.BudgetFinal
	if b := as.ctx.Budget(); b != nil {
		remEmit, remDuty, coolRem := b.Snapshot()
		budgetFinal = &bundle.BudgetFinal{
			RemainingEmitMS:      remEmit,
			RemainingDutyPercent: remDuty,
			CooldownRemainingMS:  coolRem,
		}
	}

	dir := ""
	if m.bundles != nil {
		var err error
		dir, err = m.bundles.Write(bundle.Input{
			SessionID:      as.ctx.SessionID().String(),
			TracePath:      tracePath,
			RootHash:       rootHash,
			FinalState:     as.ctx.State().String(),
			FaultReason:    as.ctx.FaultReason(),
			SimulationMode: as.ctx.SimulationMode(),
			Config:         as.ctx.Config(),
			ConfigHash:     as.ctx.ConfigHash(),
			Calibration:    as.ctx.Calibration(),
			CalHash:        as.ctx.CalHash(),
			HealthStart:    as.healthStart,
			HealthEnd:      healthEnd,
			BudgetFinal:    budgetFinal,
		})
		if err != nil {
			m.log.Warn("control: bundle write incomplete", zap.Error(err))
		} else if m.metrics != nil {
			m.metrics.BundlesWrittenTotal.Inc()
		}
	}

	if m.db != nil {
		rec := storage.SessionRecord{
			SessionID:  as.ctx.SessionID().String(),
			BundlePath: dir,
			RootHash:   rootHash,
			FinalState: as.ctx.State().String(),
			ConfigHash: as.ctx.ConfigHash(),
			CalHash:    as.ctx.CalHash(),
			ClosedAt:   time.Now().UTC(),
		}
		if err := m.db.PutSession(rec); err != nil {
			m.log.Warn("control: session index write failed", zap.Error(err))
		}
	}
}

// emitEnvelope constructs the session's emission envelope from the
// daemon's safety configuration. Pattern-request validation (spec §4.4)
// runs against this before every EMIT_REQUEST.
func (m *Manager) emitEnvelope() contracts.EmitEnvelope {
	env, err := contracts.NewEmitEnvelope(
		m.cfg.Safety.MaxPowerMW,
		100.0,
		0.0,
		m.cfg.Safety.MaxContinuousTime,
		nil,
	)
	if err != nil {
		// cfg was already validated by config.Validate at load time, so
		// this can only happen if MaxContinuousTime is non-positive,
		// which Validate also rejects — unreachable in practice.
		return contracts.EmitEnvelope{PowerMWMax: m.cfg.Safety.MaxPowerMW, DutyCycleMax: 100, TStart: 0, TEnd: 1}
	}
	return env
}

func (m *Manager) calibrationDocument() hashchain.Value {
	if m.photodiode == nil {
		return map[string]interface{}{"points": []interface{}{}}
	}
	points := m.photodiode.CalibrationTable()
	out := make([]interface{}, 0, len(points))
	for _, p := range points {
		out = append(out, map[string]interface{}{
			"wavelength_nm": p.WavelengthNM,
			"voltage_v":     p.VoltageV,
		})
	}
	return map[string]interface{}{"points": out}
}

func configDocument(cfg *config.Config) hashchain.Value {
	doc := cfg.ToDocument()
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func healthChecksToDoc(checks []ports.HealthCheck) interface{} {
	out := make([]interface{}, 0, len(checks))
	for _, c := range checks {
		out = append(out, map[string]interface{}{
			"name":    c.Name,
			"status":  string(c.Status),
			"message": c.Message,
			"details": c.Details,
		})
	}
	return out
}

func tracePathFor(root string, id session.ID) string {
	return fmt.Sprintf("%s/%s/trace.jsonl", root, id.String())
}
