package output

import "math"

// MaxCode is the full-scale code of the 16-bit output code space.
const MaxCode = 65535

// VoltageToCode maps a voltage onto the 16-bit code space:
//
//	code = round(65535 * voltage / vref), clamped to [0, 65535]
//
// The conversion saturates. A voltage above vref yields 65535 and a voltage
// below zero yields 0, so every command produces a deliverable code. Gain and
// reference selection are configured on the device and do not enter here.
// A NaN voltage or a non-positive vref yields 0.
func VoltageToCode(voltage, vref float64) uint16 {
	if math.IsNaN(voltage) || math.IsNaN(vref) || vref <= 0 {
		return 0
	}
	code := math.Round(voltage / vref * MaxCode)
	switch {
	case code <= 0:
		return 0
	case code >= MaxCode:
		return MaxCode
	}
	return uint16(code)
}

// CodeToVoltage is the inverse of VoltageToCode for codes in range.
func CodeToVoltage(code uint16, vref float64) float64 {
	return float64(code) / MaxCode * vref
}
