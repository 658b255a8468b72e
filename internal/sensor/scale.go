package sensor

import (
	"math"

	"github.com/its-billboard/billboard-agent/internal/config"
)

// ScaleTransform multiplies flagged channels and rounds to a fixed number of decimals.
type ScaleTransform struct {
	Factor   float64
	Decimals int
	Applied  map[Channel]bool
}

// NewScaleTransform builds the transform from configuration.
func NewScaleTransform(sc config.ScaleConfig) ScaleTransform {
	t := ScaleTransform{
		Factor:   sc.ScaleFactor,
		Decimals: sc.DecimalPlaces,
		Applied:  make(map[Channel]bool, len(sc.AppliedSensors)),
	}
	if t.Factor == 0 {
		t.Factor = 0.1
	}
	for name, on := range sc.AppliedSensors {
		if on {
			t.Applied[Channel(name)] = true
		}
	}
	return t
}

// Apply returns the value to store for ch. Unflagged channels pass through.
func (t ScaleTransform) Apply(ch Channel, raw float64) (float64, bool) {
	if !t.Applied[ch] {
		return raw, false
	}
	p := math.Pow(10, float64(t.Decimals))
	return math.Round(raw*t.Factor*p) / p, true
}
