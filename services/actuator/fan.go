// Package actuator turns a duty-cycle percentage into a PWM level. The
// control loop is its only caller.
package actuator

import (
	"sync"

	"fanctl-go/errcode"
	"fanctl-go/x/mathx"
)

// PWM is one hardware PWM channel. Levels run 0..top.
type PWM interface {
	Configure(freqHz uint64, top uint16) error
	Set(level uint16)
}

type Config struct {
	FreqHz    uint64  `yaml:"freq_hz"`
	Top       uint16  `yaml:"top"`
	ActiveLow bool    `yaml:"active_low"`
	SafeDuty  float32 `yaml:"safe_duty"`
}

// DefaultConfig is a 4-pin PC fan: 25 kHz, full speed when in doubt.
func DefaultConfig() Config {
	return Config{FreqHz: 25_000, Top: 1000, SafeDuty: 100}
}

type Fan struct {
	mu   sync.Mutex
	pwm  PWM
	cfg  Config
	duty float32
}

func New(pwm PWM, cfg Config) *Fan {
	d := DefaultConfig()
	if cfg.FreqHz == 0 {
		cfg.FreqHz = d.FreqHz
	}
	if cfg.Top == 0 {
		cfg.Top = d.Top
	}
	cfg.SafeDuty = mathx.Clamp(cfg.SafeDuty, 0, 100)
	return &Fan{pwm: pwm, cfg: cfg}
}

// Init configures the channel and drives the safe duty.
func (f *Fan) Init() error {
	if err := f.pwm.Configure(f.cfg.FreqHz, f.cfg.Top); err != nil {
		return &errcode.E{C: errcode.Unavailable, Op: "fan", Msg: err.Error(), Err: err}
	}
	f.SetDuty(f.cfg.SafeDuty)
	return nil
}

// toPhys inverts the level for active-low drivers.
func (f *Fan) toPhys(logical uint16) uint16 {
	if !f.cfg.ActiveLow {
		return logical
	}
	return f.cfg.Top - logical
}

// SetDuty clamps pct to 0..100, applies it and returns the applied duty.
func (f *Fan) SetDuty(pct float32) float32 {
	level := mathx.PercentToLevel(pct, f.cfg.Top)
	applied := mathx.LevelToPercent(level, f.cfg.Top)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pwm.Set(f.toPhys(level))
	f.duty = applied
	return applied
}

// Safe drives the configured fallback duty.
func (f *Fan) Safe() float32 { return f.SetDuty(f.cfg.SafeDuty) }

func (f *Fan) SafeDuty() float32 { return f.cfg.SafeDuty }

func (f *Fan) Duty() float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duty
}
