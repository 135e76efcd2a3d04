package state

import (
	"fanctl-go/errcode"
	"fanctl-go/types"
	"fanctl-go/x/mathx"
)

// Limits bound what a parameter write may propose.
type Limits struct {
	SetpointMin     float32 `yaml:"setpoint_min"`
	SetpointMax     float32 `yaml:"setpoint_max"`
	AllowNegativeKd bool    `yaml:"allow_negative_kd"`
}

func DefaultLimits() Limits {
	return Limits{SetpointMin: 10, SetpointMax: 80}
}

func bad(c errcode.Code, msg string) error {
	return &errcode.E{C: c, Op: "params", Msg: msg}
}

// Validate checks a full parameter set. Non-finite values are malformed;
// finite values outside the limits are out of range.
func Validate(p types.ControlParameters, l Limits) error {
	for _, v := range []float32{p.Setpoint, p.Kp, p.Ki, p.Kd, p.OutputMin, p.OutputMax} {
		if !mathx.Finite(v) {
			return bad(errcode.InvalidParams, "values must be finite")
		}
	}
	switch {
	case p.OutputMin < 0 || p.OutputMax > 100:
		return bad(errcode.OutOfRange, "output bounds must lie within 0..100")
	case p.OutputMin > p.OutputMax:
		return bad(errcode.OutOfRange, "output_min exceeds output_max")
	case p.Kp < 0 || p.Ki < 0:
		return bad(errcode.OutOfRange, "kp and ki must be non-negative")
	case p.Kd < 0 && !l.AllowNegativeKd:
		return bad(errcode.OutOfRange, "kd must be non-negative")
	case !mathx.Between(p.Setpoint, l.SetpointMin, l.SetpointMax):
		return bad(errcode.OutOfRange, "setpoint outside safe range")
	}
	return nil
}
