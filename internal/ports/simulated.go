package ports

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/tristochief/niols/internal/contracts"
)

// SimulatedLaser is a deterministic LaserPort implementation for tests,
// simulation-mode sessions, and cmd/niols-sim. It has no GPIO dependency;
// SetInterlockSafe and FailNextSend let a test or the simulation harness
// inject an interlock fault mid-emission, mirroring the "mid-emission interlock drop"
// scenario of spec §8.
type SimulatedLaser struct {
	mu            sync.Mutex
	interlockSafe bool
	connected     bool
	failNextSend  string // non-empty: SendPattern returns this as the detail
}

// NewSimulatedLaser returns a SimulatedLaser with the interlock engaged
// (safe) and connected.
func NewSimulatedLaser() *SimulatedLaser {
	return &SimulatedLaser{interlockSafe: true, connected: true}
}

func (s *SimulatedLaser) IsInterlockSafe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interlockSafe
}

// SetInterlockSafe lets a test or operator console simulate the
// interlock opening or closing.
func (s *SimulatedLaser) SetInterlockSafe(safe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interlockSafe = safe
}

// FailNextSend arms SendPattern to fail its next call with the given
// detail tag (e.g. "interlock_opened"), then clears the arming.
func (s *SimulatedLaser) FailNextSend(detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextSend = detail
}

func (s *SimulatedLaser) ValidateEmitEnvelope(env contracts.EmitEnvelope) error {
	if env.PowerMWMax > 1.0 {
		return NewPortError("laser", "power_ceiling_exceeded", nil)
	}
	return nil
}

func (s *SimulatedLaser) SendPattern(bits []bool, pulseMS, gapMS float64) error {
	s.mu.Lock()
	detail := s.failNextSend
	s.failNextSend = ""
	safe := s.interlockSafe
	s.mu.Unlock()
	if detail != "" {
		return NewPortError("laser", detail, nil)
	}
	if !safe {
		return NewPortError("laser", "interlock_opened", nil)
	}
	return nil
}

func (s *SimulatedLaser) EmergencyStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interlockSafe = false
}

func (s *SimulatedLaser) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SimulatedPhotodiode is a deterministic PhotodiodePort implementation
// grounded on the reference source's PhotodiodeReader.get_measurement_envelope:
// it samples a noisy voltage around MeanVoltage, derives a 3-sigma +
// noise-floor voltage envelope, and — when a calibration table is set —
// interpolates both bounds through the table to a wavelength envelope,
// widened by 5% of the per-point calibration range.
type SimulatedPhotodiode struct {
	mu              sync.Mutex
	MeanVoltage     float64
	NoiseStddev     float64
	MinNoiseFloor   float64
	DarkV           float64
	Table           []CalibrationPoint
	FullScaleV      float64
	rng             *rand.Rand
	connected       bool
	scorer          QualityScorer
}

// NewSimulatedPhotodiode returns a SimulatedPhotodiode with a plausible
// default calibration table (visible-light range) and the default
// quality scorer registered for SNR estimation.
func NewSimulatedPhotodiode(seed int64) *SimulatedPhotodiode {
	return &SimulatedPhotodiode{
		MeanVoltage:   1.2,
		NoiseStddev:   0.01,
		MinNoiseFloor: 0.0002,
		DarkV:         0.05,
		FullScaleV:    3.3,
		Table: []CalibrationPoint{
			{WavelengthNM: 400, VoltageV: 0.2},
			{WavelengthNM: 500, VoltageV: 0.8},
			{WavelengthNM: 600, VoltageV: 1.5},
			{WavelengthNM: 700, VoltageV: 2.4},
		},
		rng:       rand.New(rand.NewSource(seed)),
		connected: true,
		scorer:    DefaultQualityScorer{},
	}
}

func (p *SimulatedPhotodiode) DarkVoltage() float64 { return p.DarkV }

func (p *SimulatedPhotodiode) CalibrationTable() []CalibrationPoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CalibrationPoint, len(p.Table))
	copy(out, p.Table)
	sort.Slice(out, func(i, j int) bool { return out[i].WavelengthNM < out[j].WavelengthNM })
	return out
}

func (p *SimulatedPhotodiode) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *SimulatedPhotodiode) MeasurementEnvelope(samples int) (contracts.MeasurementEnvelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if samples < 1 {
		samples = 1
	}
	voltages := make([]float64, samples)
	for i := range voltages {
		voltages[i] = p.MeanVoltage + p.rng.NormFloat64()*p.NoiseStddev
	}
	mean, std := meanStddev(voltages)
	noiseFloor := math.Max(std, p.MinNoiseFloor)
	uncertainty := 3.0*std + noiseFloor
	vMin := math.Max(0.0, mean-uncertainty)
	vMax := mean + uncertainty

	voltageEnv, err := contracts.NewVoltageEnvelope(vMin, vMax, &noiseFloor)
	if err != nil {
		return contracts.MeasurementEnvelope{}, err
	}

	var wavelengthEnv *contracts.WavelengthEnvelope
	if len(p.Table) >= 2 {
		// p.mu is already held, so the sorted copy is made here rather
		// than through CalibrationTable, which takes the same lock.
		table := make([]CalibrationPoint, len(p.Table))
		copy(table, p.Table)
		sort.Slice(table, func(i, j int) bool { return table[i].WavelengthNM < table[j].WavelengthNM })
		correctedMin := vMin - p.DarkV
		correctedMax := vMax - p.DarkV
		if env, ok := interpolateWavelengthEnvelope(table, correctedMin, correctedMax); ok {
			wavelengthEnv = &env
		}
	}

	saturation := vMax >= p.FullScaleV*0.97
	clipping := vMin <= 0.0
	quality := contracts.MeasurementQuality{SaturationFlag: saturation, ClippingFlag: clipping}
	if snr, ok := p.scorer.Score(mean, noiseFloor); ok {
		quality.SNREstimate = &snr
	}

	return contracts.NewMeasurementEnvelope(wavelengthEnv, &voltageEnv, &quality)
}

func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// interpolateWavelengthEnvelope linearly interpolates corrected voltage
// bounds through an ascending-wavelength calibration table, then widens
// the result by 5% of the per-point calibration range on each side,
// clamped to the table's own wavelength range. Returns ok=false when the
// corrected voltages fall outside the table's calibrated voltage range.
func interpolateWavelengthEnvelope(table []CalibrationPoint, correctedMin, correctedMax float64) (contracts.WavelengthEnvelope, bool) {
	if len(table) < 2 {
		return contracts.WavelengthEnvelope{}, false
	}
	voltages := make([]float64, len(table))
	wavelengths := make([]float64, len(table))
	for i, p := range table {
		voltages[i] = p.VoltageV
		wavelengths[i] = p.WavelengthNM
	}
	minV, maxV := voltages[0], voltages[0]
	for _, v := range voltages {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	if correctedMin < minV || correctedMax > maxV {
		return contracts.WavelengthEnvelope{}, false
	}

	wMin := interpLinear(correctedMin, voltages, wavelengths)
	wMax := interpLinear(correctedMax, voltages, wavelengths)
	if wMin > wMax {
		wMin, wMax = wMax, wMin
	}

	calRange := wavelengths[len(wavelengths)-1] - wavelengths[0]
	interpolationError := 0.05 * calRange / float64(len(wavelengths))

	wMin -= interpolationError
	wMax += interpolationError
	if wMin < wavelengths[0] {
		wMin = wavelengths[0]
	}
	if wMax > wavelengths[len(wavelengths)-1] {
		wMax = wavelengths[len(wavelengths)-1]
	}
	if wMin > wMax {
		wMin, wMax = wMax, wMin
	}

	confidence := 0.95
	env, err := contracts.NewWavelengthEnvelope(wMin, wMax, &confidence, nil)
	if err != nil {
		return contracts.WavelengthEnvelope{}, false
	}
	return env, true
}

// interpLinear performs monotone linear interpolation of y given x over
// an ascending series (xs, ys), clamping to the series' endpoints.
func interpLinear(x float64, xs, ys []float64) float64 {
	if x <= xs[0] {
		return ys[0]
	}
	if x >= xs[len(xs)-1] {
		return ys[len(ys)-1]
	}
	for i := 1; i < len(xs); i++ {
		if x <= xs[i] {
			x0, x1 := xs[i-1], xs[i]
			y0, y1 := ys[i-1], ys[i]
			t := (x - x0) / (x1 - x0)
			return y0 + t*(y1-y0)
		}
	}
	return ys[len(ys)-1]
}

// QualityScorer computes a signal-to-noise estimate from a mean
// measurement and its noise floor. It is a pluggable extension point —
// adapted from the reference agent's contrib plugin-registration idiom
// (contrib/scorer.go's AnomalyScorer) — so the default ratio-based
// estimate can be swapped for a different heuristic without touching the
// envelope construction path.
type QualityScorer interface {
	// Score must be goroutine-safe and must not block on I/O.
	Score(meanVoltage, noiseFloor float64) (snr float64, ok bool)
}

// DefaultQualityScorer computes snr = mean / noiseFloor, matching the
// reference source's inline computation.
type DefaultQualityScorer struct{}

func (DefaultQualityScorer) Score(meanVoltage, noiseFloor float64) (float64, bool) {
	if noiseFloor <= 0 {
		return 0, false
	}
	return meanVoltage / noiseFloor, true
}

// scorerRegistry is the process-wide table of named QualityScorer
// plugins, mirroring contrib.RegisterScorer's registration idiom.
var (
	scorerRegistryMu sync.Mutex
	scorerRegistry   = map[string]QualityScorer{
		"default": DefaultQualityScorer{},
	}
)

// RegisterQualityScorer registers a named QualityScorer plugin. Intended
// to be called from an init() function, matching the reference agent's
// contrib convention.
func RegisterQualityScorer(name string, scorer QualityScorer) {
	scorerRegistryMu.Lock()
	defer scorerRegistryMu.Unlock()
	scorerRegistry[name] = scorer
}

// LookupQualityScorer returns a registered scorer by name.
func LookupQualityScorer(name string) (QualityScorer, bool) {
	scorerRegistryMu.Lock()
	defer scorerRegistryMu.Unlock()
	s, ok := scorerRegistry[name]
	return s, ok
}

// SetQualityScorer overrides the scorer a SimulatedPhotodiode uses.
func (p *SimulatedPhotodiode) SetQualityScorer(s QualityScorer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scorer = s
}

// SimulatedHealth is a deterministic HealthPort implementation that
// always reports healthy unless explicitly overridden, for exercising
// both the happy path and fault-injection scenarios.
type SimulatedHealth struct {
	mu     sync.Mutex
	checks []HealthCheck
}

// NewSimulatedHealth returns a SimulatedHealth reporting all-healthy.
func NewSimulatedHealth() *SimulatedHealth {
	return &SimulatedHealth{
		checks: []HealthCheck{
			{Name: "dependencies", Status: HealthHealthy, Message: "ok"},
			{Name: "hardware_availability", Status: HealthHealthy, Message: "ok"},
			{Name: "interlock", Status: HealthHealthy, Message: "ok"},
			{Name: "calibration", Status: HealthHealthy, Message: "ok"},
			{Name: "file_system", Status: HealthHealthy, Message: "ok"},
		},
	}
}

// SetCheck overrides one named check's status/message for fault
// injection.
func (h *SimulatedHealth) SetCheck(name string, status HealthStatus, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.checks {
		if c.Name == name {
			h.checks[i].Status = status
			h.checks[i].Message = message
			return
		}
	}
	h.checks = append(h.checks, HealthCheck{Name: name, Status: status, Message: message})
}

func (h *SimulatedHealth) RunAllChecks() []HealthCheck {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HealthCheck, len(h.checks))
	copy(out, h.checks)
	return out
}

func (h *SimulatedHealth) CheckDependencies() HealthCheck {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.checks {
		if c.Name == "dependencies" {
			return c
		}
	}
	return HealthCheck{Name: "dependencies", Status: HealthHealthy, Message: "ok"}
}
