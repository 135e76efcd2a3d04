package control

import (
	"fanctl-go/types"
	"fanctl-go/x/mathx"
)

// PID holds the controller memory. Step is a pure function of the
// parameters, the error history and dt.
type PID struct {
	Integral  float32
	LastError float32
	havePrev  bool
}

// IntegralBound is the anti-windup limit: the integral term alone can never
// ask for more than OutputMax. With ki == 0 there is no bound because the
// accumulator is held.
func IntegralBound(p types.ControlParameters) (float32, bool) {
	if p.Ki <= 0 {
		return 0, false
	}
	return p.OutputMax / p.Ki, true
}

// Step advances the controller by one tick of dt seconds and returns the
// clamped output.
func (c *PID) Step(p types.ControlParameters, e, dt float32) float32 {
	if bound, ok := IntegralBound(p); ok {
		c.Integral = mathx.Clamp(c.Integral+e*dt, -bound, bound)
	}

	var deriv float32
	if c.havePrev && dt > 0 {
		deriv = (e - c.LastError) / dt
	}

	out := p.Kp*e + p.Ki*c.Integral + p.Kd*deriv
	if !mathx.Finite(out) {
		out = p.OutputMax
	}
	c.LastError = e
	c.havePrev = true
	return mathx.Clamp(out, p.OutputMin, p.OutputMax)
}

// Hold keeps the integral frozen but inside the bound for p, which may have
// tightened since the last Step.
func (c *PID) Hold(p types.ControlParameters) {
	if bound, ok := IntegralBound(p); ok {
		c.Integral = mathx.Clamp(c.Integral, -bound, bound)
	}
}

// Rearm makes the next Step ignore the stored error for the derivative.
func (c *PID) Rearm() { c.havePrev = false }
