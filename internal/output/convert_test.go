package output

import (
	"math"
	"testing"
)

func TestVoltageToCode(t *testing.T) {
	tests := []struct {
		name    string
		voltage float64
		vref    float64
		want    uint16
	}{
		{"zero", 0, 4.096, 0},
		{"half scale", 2.048, 4.096, 32768},
		{"full scale", 4.096, 4.096, 65535},
		{"full scale 3.3V", 3.3, 3.3, 65535},
		{"full scale 10V", 10.0, 10.0, 65535},
		{"full scale 1mV", 0.001, 0.001, 65535},
		{"one millivolt", 0.001, 4.096, 16},
		{"above vref saturates", 5.0, 4.096, 65535},
		{"far above vref saturates", 1e9, 4.096, 65535},
		{"negative clamps to zero", -1, 4.096, 0},
		{"nan is zero", math.NaN(), 4.096, 0},
		{"vdd reference", 1.65, 3.3, 32768},
		{"zero vref", 1, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VoltageToCode(tt.voltage, tt.vref); got != tt.want {
				t.Errorf("VoltageToCode(%g, %g) = %d, want %d", tt.voltage, tt.vref, got, tt.want)
			}
		})
	}
}

func TestVoltageToCodeMonotonic(t *testing.T) {
	const vref = 4.096
	var prev uint16
	for v := 0.0; v <= 5.0; v += 0.0005 {
		code := VoltageToCode(v, vref)
		if code < prev {
			t.Fatalf("code decreased at %gV: %d < %d", v, code, prev)
		}
		prev = code
	}
}

func TestCodeToVoltageRoundTrip(t *testing.T) {
	const vref = 4.096
	lsb := vref / MaxCode

	for _, v := range []float64{0, 0.5, 1.234, 2.048, 3.999, 4.096} {
		got := CodeToVoltage(VoltageToCode(v, vref), vref)
		if math.Abs(got-v) > lsb/2+1e-12 {
			t.Errorf("round trip of %gV gave %gV", v, got)
		}
	}
}
