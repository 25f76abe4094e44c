// Package classifier turns per-minute motion peaks into smoothed values and
// sleep phases.
package classifier

import (
	"github.com/user/sleeptrack/internal/types"
)

// SeedValue starts every session in the awake band so the first minute
// cannot read as deep sleep.
const SeedValue uint16 = 1000

// Thresholds are the inclusive upper bounds of the deep, REM and light bands.
// Anything above Light is awake.
type Thresholds struct {
	Deep  uint16
	REM   uint16
	Light uint16
}

func DefaultThresholds() Thresholds {
	return Thresholds{Deep: 100, REM: 101, Light: 800}
}

// Classify buckets v into a phase. A value equal to a bound belongs to the
// deeper band.
func (t Thresholds) Classify(v uint16) types.Phase {
	switch {
	case v <= t.Deep:
		return types.PhaseDeep
	case v <= t.REM:
		return types.PhaseREM
	case v <= t.Light:
		return types.PhaseLight
	default:
		return types.PhaseAwake
	}
}

// Coefficients scale half the delta between peak and previous value, in
// tenths. Rise applies when motion increases, Fall when it decreases.
type Coefficients struct {
	Rise uint8
	Fall uint8
}

// FromSettings extracts the smoothing coefficients from device settings.
func FromSettings(s types.Settings) Coefficients {
	return Coefficients{Rise: s.RiseCoef, Fall: s.FallCoef}
}

// Smooth moves prev toward peak by half the distance scaled by the matching
// coefficient. The result is truncated and clamped to the uint16 range.
func Smooth(prev, peak uint16, c Coefficients) uint16 {
	diff := int(peak) - int(prev)
	half := diff / 2
	if half < 0 {
		half = -half
	}

	var v float64
	if diff > 0 {
		v = float64(prev) + float64(half)*float64(c.Rise)/10
	} else {
		v = float64(prev) - float64(half)*float64(c.Fall)/10
	}
	switch {
	case v <= 0:
		return 0
	case v >= 0xFFFF:
		return 0xFFFF
	}
	return uint16(v)
}

// Step is one minute of classification: the smoothed value and its phase.
func Step(prev, peak uint16, c Coefficients, t Thresholds) (types.Phase, uint16) {
	v := Smooth(prev, peak, c)
	return t.Classify(v), v
}
