package mathx

import "github.com/chewxy/math32"

// PercentToLevel maps pct in [0,100] onto [0,top], rounding to nearest.
// NaN maps to 0.
func PercentToLevel(pct float32, top uint16) uint16 {
	if math32.IsNaN(pct) {
		return 0
	}
	pct = Clamp(pct, 0, 100)
	return uint16(math32.Round(pct * float32(top) / 100))
}

// LevelToPercent is the inverse of PercentToLevel.
func LevelToPercent(level, top uint16) float32 {
	if top == 0 {
		return 0
	}
	return float32(Min(level, top)) * 100 / float32(top)
}

// Finite reports whether v is neither NaN nor ±Inf.
func Finite(v float32) bool {
	return !math32.IsNaN(v) && !math32.IsInf(v, 0)
}
