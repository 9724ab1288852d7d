package ports

import "testing"

func TestSimulatedPhotodiodeMeasurementEnvelopeHasSubEnvelope(t *testing.T) {
	p := NewSimulatedPhotodiode(1)
	env, err := p.MeasurementEnvelope(10)
	if err != nil {
		t.Fatalf("MeasurementEnvelope: %v", err)
	}
	if env.VoltageEnvelopeV == nil {
		t.Fatalf("expected a voltage envelope")
	}
	if env.VoltageEnvelopeV.MinV > env.VoltageEnvelopeV.MaxV {
		t.Fatalf("voltage envelope bounds inverted")
	}
	if env.WavelengthEnvelopeNM != nil {
		if env.WavelengthEnvelopeNM.MinNM > env.WavelengthEnvelopeNM.MaxNM {
			t.Fatalf("wavelength envelope bounds inverted")
		}
	}
}

func TestInterpolateWavelengthEnvelopeClampsToTable(t *testing.T) {
	table := []CalibrationPoint{
		{WavelengthNM: 400, VoltageV: 0.2},
		{WavelengthNM: 700, VoltageV: 2.4},
	}
	env, ok := interpolateWavelengthEnvelope(table, 0.2, 2.4)
	if !ok {
		t.Fatalf("expected interpolation to succeed within range")
	}
	if env.MinNM < 400 || env.MaxNM > 700 {
		t.Fatalf("wavelength envelope must clamp to calibration range, got [%v,%v]", env.MinNM, env.MaxNM)
	}
}

func TestSimulatedLaserInterlockFault(t *testing.T) {
	laser := NewSimulatedLaser()
	laser.FailNextSend("interlock_opened")
	err := laser.SendPattern([]bool{true, false}, 1, 1)
	if err == nil {
		t.Fatalf("expected SendPattern to fail")
	}
	var portErr *PortError
	if pe, ok := err.(*PortError); ok {
		portErr = pe
	} else {
		t.Fatalf("expected *PortError, got %T", err)
	}
	if portErr.Port != "laser" || portErr.Detail != "interlock_opened" {
		t.Fatalf("unexpected port error: %+v", portErr)
	}
}
