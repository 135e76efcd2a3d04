package types

import (
	"errors"
	"time"
)

type ControlParameters struct {
	Setpoint  float32 `json:"setpoint" yaml:"setpoint"`
	Kp        float32 `json:"kp" yaml:"kp"`
	Ki        float32 `json:"ki" yaml:"ki"`
	Kd        float32 `json:"kd" yaml:"kd"`
	OutputMin float32 `json:"output_min" yaml:"output_min"`
	OutputMax float32 `json:"output_max" yaml:"output_max"`
}

// SetpointRequest is the body of POST /setpoint. A nil field means the
// key was absent from the request.
type SetpointRequest struct {
	Setpoint *float32 `json:"setpoint"`
}

// PIDRequest is the body of POST /pid.
type PIDRequest struct {
	Kp *float32 `json:"kp"`
	Ki *float32 `json:"ki"`
	Kd *float32 `json:"kd"`
}

type Mode uint8

const (
	ModeWarmup Mode = iota
	ModeActive
	ModeDegraded
	ModeSafe
)

var modeNames = [...]string{"WARMUP", "ACTIVE", "DEGRADED", "SAFE_MODE"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "UNKNOWN"
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	for i, n := range modeNames {
		if n == string(b) {
			*m = Mode(i)
			return nil
		}
	}
	return errors.New("unknown mode: " + string(b))
}

// ControlState is owned by the control loop and copied out after each tick.
type ControlState struct {
	FilteredTemperature float32   `json:"filtered_temperature"`
	IntegralAccumulator float32   `json:"integral_accumulator"`
	LastError           float32   `json:"last_error"`
	LastOutput          float32   `json:"last_output"`
	Mode                Mode      `json:"mode"`
	ConsecutiveFaults   int       `json:"consecutive_faults"`
	Ticks               uint64    `json:"ticks"`
	Overruns            uint64    `json:"overruns"`
	UpdatedAt           time.Time `json:"updated_at"`
}
