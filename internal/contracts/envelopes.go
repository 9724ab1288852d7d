// Package contracts defines the only externally-visible value types the
// session core ever returns: bounded envelopes. No component outside this
// package (and internal/ports, whose photodiode implementations construct
// them) is permitted to hand a caller a bare point measurement.
package contracts

import "fmt"

// MeasurementQuality carries quality indicators alongside a measurement
// envelope. A nil SNREstimate means the quality scorer could not produce
// an estimate (e.g. a zero noise floor).
type MeasurementQuality struct {
	SNREstimate    *float64
	SaturationFlag bool
	ClippingFlag   bool
}

// WavelengthEnvelope bounds a wavelength measurement in nanometers.
type WavelengthEnvelope struct {
	MinNM      float64
	MaxNM      float64
	Confidence *float64 // 0.0-1.0
	ValidUntil *float64 // steady-time instant, seconds
}

// NewWavelengthEnvelope validates the envelope invariant (MinNM <= MaxNM)
// at construction, mirroring the dataclass __post_init__ validation of
// the source this was distilled from.
func NewWavelengthEnvelope(minNM, maxNM float64, confidence, validUntil *float64) (WavelengthEnvelope, error) {
	if minNM > maxNM {
		return WavelengthEnvelope{}, fmt.Errorf("contracts: min_nm must be <= max_nm (%v > %v)", minNM, maxNM)
	}
	return WavelengthEnvelope{MinNM: minNM, MaxNM: maxNM, Confidence: confidence, ValidUntil: validUntil}, nil
}

// VoltageEnvelope bounds a voltage measurement in volts.
type VoltageEnvelope struct {
	MinV     float64
	MaxV     float64
	RMSNoise *float64
}

// NewVoltageEnvelope validates MinV <= MaxV at construction.
func NewVoltageEnvelope(minV, maxV float64, rmsNoise *float64) (VoltageEnvelope, error) {
	if minV > maxV {
		return VoltageEnvelope{}, fmt.Errorf("contracts: min_v must be <= max_v (%v > %v)", minV, maxV)
	}
	return VoltageEnvelope{MinV: minV, MaxV: maxV, RMSNoise: rmsNoise}, nil
}

// MeasurementEnvelope is the complete, only allowed output type for a
// measurement. At least one of WavelengthEnvelopeNM or VoltageEnvelopeV
// must be present.
type MeasurementEnvelope struct {
	WavelengthEnvelopeNM *WavelengthEnvelope
	VoltageEnvelopeV     *VoltageEnvelope
	Quality              *MeasurementQuality
}

// NewMeasurementEnvelope validates that at least one sub-envelope is
// present.
func NewMeasurementEnvelope(wavelength *WavelengthEnvelope, voltage *VoltageEnvelope, quality *MeasurementQuality) (MeasurementEnvelope, error) {
	if wavelength == nil && voltage == nil {
		return MeasurementEnvelope{}, fmt.Errorf("contracts: at least one envelope (wavelength or voltage) must be provided")
	}
	return MeasurementEnvelope{WavelengthEnvelopeNM: wavelength, VoltageEnvelopeV: voltage, Quality: quality}, nil
}

// PulseWidthBounds constrains the width of an individual pulse within an
// emission pattern.
type PulseWidthBounds struct {
	MinMS float64
	MaxMS float64
}

// NewPulseWidthBounds validates 0 <= MinMS <= MaxMS.
func NewPulseWidthBounds(minMS, maxMS float64) (PulseWidthBounds, error) {
	if minMS < 0 {
		return PulseWidthBounds{}, fmt.Errorf("contracts: min_ms must be >= 0 (got %v)", minMS)
	}
	if minMS > maxMS {
		return PulseWidthBounds{}, fmt.Errorf("contracts: min_ms must be <= max_ms (%v > %v)", minMS, maxMS)
	}
	return PulseWidthBounds{MinMS: minMS, MaxMS: maxMS}, nil
}

// EmitEnvelope defines the allowed emission parameters. All emission
// requests must fit within it. TStart/TEnd are steady-time instants in
// seconds.
type EmitEnvelope struct {
	PowerMWMax       float64
	DutyCycleMax     float64
	TStart           float64
	TEnd             float64
	PulseWidthBounds *PulseWidthBounds
}

// NewEmitEnvelope validates the Class 1M power ceiling, the duty-cycle
// range, and TStart < TEnd at construction. power_mw_max = 1.0 is
// accepted; anything above it, including a single ULP over, is rejected.
func NewEmitEnvelope(powerMWMax, dutyCycleMax, tStart, tEnd float64, bounds *PulseWidthBounds) (EmitEnvelope, error) {
	if powerMWMax > 1.0 {
		return EmitEnvelope{}, fmt.Errorf("contracts: power_mw_max must be <= 1.0 mW (Class 1M limit), got %v", powerMWMax)
	}
	if dutyCycleMax < 0 || dutyCycleMax > 100 {
		return EmitEnvelope{}, fmt.Errorf("contracts: duty_cycle_max must be in range [0, 100], got %v", dutyCycleMax)
	}
	if tStart >= tEnd {
		return EmitEnvelope{}, fmt.Errorf("contracts: t_start must be < t_end (%v >= %v)", tStart, tEnd)
	}
	return EmitEnvelope{
		PowerMWMax:       powerMWMax,
		DutyCycleMax:     dutyCycleMax,
		TStart:           tStart,
		TEnd:             tEnd,
		PulseWidthBounds: bounds,
	}, nil
}

// DurationMS returns the emission window's duration in milliseconds.
func (e EmitEnvelope) DurationMS() float64 {
	return (e.TEnd - e.TStart) * 1000.0
}

// PatternRequest describes a concrete emission pattern request: a count
// of on-pulses and off-gaps at the given per-pulse/per-gap widths.
type PatternRequest struct {
	Pulses  int
	Gaps    int
	PulseMS float64
	GapMS   float64
}

// TotalMS returns the request's total duration.
func (r PatternRequest) TotalMS() float64 {
	return float64(r.Pulses)*r.PulseMS + float64(r.Gaps)*r.GapMS
}

// DutyPercent returns the request's duty cycle as a percentage of
// TotalMS. Returns 0 if TotalMS is 0 to avoid division by zero; callers
// validating a request should treat a zero-length request as invalid on
// other grounds (ValidateRequest's TotalMS <= duration check still holds).
func (r PatternRequest) DutyPercent() float64 {
	total := r.TotalMS()
	if total <= 0 {
		return 0
	}
	return float64(r.Pulses) * r.PulseMS / total * 100.0
}

// ValidateRequest checks whether req fits within e: total duration within
// the envelope's window, duty cycle within the envelope's ceiling, and
// (when PulseWidthBounds is set) the per-pulse width within bounds. This
// is the full pattern-semantics check of spec §4.4; the original source
// left the pulse-width-bounds branch an unimplemented stub — this
// implementation completes it.
func (e EmitEnvelope) ValidateRequest(req PatternRequest) (bool, string) {
	total := req.TotalMS()
	duty := req.DutyPercent()

	if total > e.DurationMS() {
		return false, fmt.Sprintf("requested duration %v ms exceeds envelope duration %v ms", total, e.DurationMS())
	}
	if duty > e.DutyCycleMax {
		return false, fmt.Sprintf("requested duty cycle %v%% exceeds max %v%%", duty, e.DutyCycleMax)
	}
	if e.PulseWidthBounds != nil {
		if req.PulseMS < e.PulseWidthBounds.MinMS || req.PulseMS > e.PulseWidthBounds.MaxMS {
			return false, fmt.Sprintf("requested pulse width %v ms outside bounds [%v, %v]", req.PulseMS, e.PulseWidthBounds.MinMS, e.PulseWidthBounds.MaxMS)
		}
	}
	return true, ""
}

// BudgetEnvelope reports remaining resources without exposing any
// mutable internal state.
type BudgetEnvelope struct {
	RemainingEmitMS      float64
	RemainingDutyPercent float64
	CooldownRemainingMS  float64
}

// NewBudgetEnvelope validates the invariants of spec §3.
func NewBudgetEnvelope(remainingEmitMS, remainingDutyPercent, cooldownRemainingMS float64) (BudgetEnvelope, error) {
	if remainingEmitMS < 0 {
		return BudgetEnvelope{}, fmt.Errorf("contracts: remaining_emit_ms must be >= 0, got %v", remainingEmitMS)
	}
	if remainingDutyPercent < 0 || remainingDutyPercent > 100 {
		return BudgetEnvelope{}, fmt.Errorf("contracts: remaining_duty_percent must be in range [0, 100], got %v", remainingDutyPercent)
	}
	if cooldownRemainingMS < 0 {
		return BudgetEnvelope{}, fmt.Errorf("contracts: cooldown_remaining_ms must be >= 0, got %v", cooldownRemainingMS)
	}
	return BudgetEnvelope{
		RemainingEmitMS:      remainingEmitMS,
		RemainingDutyPercent: remainingDutyPercent,
		CooldownRemainingMS:  cooldownRemainingMS,
	}, nil
}

// SessionStatusEnvelope is the sole value shape exposed for "what is the
// system doing": current state, budget, and the bound config/calibration
// hashes (present once a session has been initialized).
type SessionStatusEnvelope struct {
	State      string
	Budget     BudgetEnvelope
	ConfigHash string
	CalHash    string
}
