// Package ports defines the capability interfaces the session core
// consumes from its hardware collaborators. Per spec §9 Design Notes,
// ownership is unidirectional: the core holds handles to these
// interfaces, and implementations never hold a back-pointer into the
// core. Interlock-change notifications arrive as events the caller
// enqueues for the FSM mutator to consume — not as callbacks invoked
// directly from inside a port implementation's own goroutine.
//
// Real GPIO/ADC-driving implementations are out of scope (spec §1); this
// package also provides deterministic simulated implementations used by
// tests, cmd/niols-sim, and any daemon run with hardware.simulation_mode.
package ports

import (
	"fmt"

	"github.com/tristochief/niols/internal/contracts"
)

// HealthStatus mirrors the four-level health status the reference
// source's SystemHealthMonitor reports.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthError    HealthStatus = "error"
	HealthCritical HealthStatus = "critical"
)

// HealthCheck is one named health check's result.
type HealthCheck struct {
	Name    string
	Status  HealthStatus
	Message string
	Details map[string]interface{}
}

// LaserPort is the capability interface for the laser emitter.
type LaserPort interface {
	// IsInterlockSafe reports whether the physical safety interlock is
	// engaged (closed/safe).
	IsInterlockSafe() bool
	// ValidateEmitEnvelope checks a proposed envelope against
	// hardware-side limits (e.g. driver current ceilings) in addition to
	// the core's own EmitEnvelope invariants.
	ValidateEmitEnvelope(env contracts.EmitEnvelope) error
	// SendPattern blocks for the duration of the physical pulse
	// sequence. bits is the on/off pattern; pulseMS/gapMS are per-slot
	// widths in milliseconds.
	SendPattern(bits []bool, pulseMS, gapMS float64) error
	// EmergencyStop immediately halts emission regardless of FSM state.
	EmergencyStop()
	// IsConnected reports whether the port has a live hardware link.
	IsConnected() bool
}

// PhotodiodePort is the capability interface for the photodiode
// detector.
type PhotodiodePort interface {
	// MeasurementEnvelope returns a bounded measurement built from
	// `samples` raw readings. Implementations must never expose a point
	// value through any other method.
	MeasurementEnvelope(samples int) (contracts.MeasurementEnvelope, error)
	// DarkVoltage returns the detector's dark-voltage offset in volts.
	DarkVoltage() float64
	// CalibrationTable returns the ordered (wavelength_nm, voltage_v)
	// calibration points, sorted by wavelength ascending.
	CalibrationTable() []CalibrationPoint
	// IsConnected reports whether the port has a live hardware link.
	IsConnected() bool
}

// CalibrationPoint is one (wavelength, voltage) calibration pair.
type CalibrationPoint struct {
	WavelengthNM float64
	VoltageV     float64
}

// HealthPort is the capability interface for system/dependency health
// reporting.
type HealthPort interface {
	// RunAllChecks runs the full hardware/dependency health suite.
	RunAllChecks() []HealthCheck
	// CheckDependencies runs only the lightweight dependency-availability
	// check.
	CheckDependencies() HealthCheck
}

// PortError wraps a port-level failure with enough structure for the FSM
// to build the "port_failure:<port>:<detail>" fault reason required by
// spec §7 point 4 without string-parsing an opaque error.
type PortError struct {
	Port   string
	Detail string
	Err    error
}

func (e *PortError) Error() string {
	return fmt.Sprintf("port_failure:%s:%s", e.Port, e.Detail)
}

func (e *PortError) Unwrap() error { return e.Err }

// NewPortError constructs a PortError.
func NewPortError(port, detail string, err error) *PortError {
	return &PortError{Port: port, Detail: detail, Err: err}
}
