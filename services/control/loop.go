// Package control runs the fixed-period PID loop and its fault state
// machine:
//
//	WARMUP    no valid reading seen yet; fan at safe duty
//	ACTIVE    normal PID operation
//	DEGRADED  1..N-1 ticks without a valid reading; PID on last known good
//	SAFE_MODE N or more ticks without a valid reading; fan at safe duty,
//	          integral frozen
//
// The next valid reading returns the loop to ACTIVE from any state.
package control

import (
	"context"
	"time"

	"fanctl-go/services/sched"
	"fanctl-go/types"
	"fanctl-go/x/logx"
	"fanctl-go/x/mathx"
)

type Config struct {
	Period time.Duration `yaml:"period"`
	// SafeAfter is N: consecutive invalid ticks before SAFE_MODE.
	SafeAfter int `yaml:"safe_after"`
	// Alpha is the EMA coefficient applied per new sensor cycle; 1 disables
	// filtering.
	Alpha float32 `yaml:"alpha"`
	// StaleAfter bounds the age of an aggregate still considered valid.
	StaleAfter time.Duration `yaml:"stale_after"`
	// Reverse computes error as measured - setpoint, so a hotter reading
	// asks for more output. Cooling fans usually want this.
	Reverse bool `yaml:"reverse"`
}

func DefaultConfig() Config {
	return Config{
		Period:     time.Second,
		SafeAfter:  3,
		Alpha:      1,
		StaleAfter: 12 * time.Second,
	}
}

func (c *Config) ensureDefaults() {
	d := DefaultConfig()
	if c.Period <= 0 {
		c.Period = d.Period
	}
	if c.SafeAfter <= 0 {
		c.SafeAfter = d.SafeAfter
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = d.Alpha
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
}

// Source yields the latest sensor aggregate.
type Source interface {
	Latest() types.Aggregate
}

// Params yields a consistent parameter snapshot.
type Params interface {
	Params() types.ControlParameters
}

// Sink receives the copied-out state after every tick.
type Sink interface {
	PublishControl(types.ControlState)
}

// Actuator is owned exclusively by the loop.
type Actuator interface {
	SetDuty(pct float32) float32
	Safe() float32
}

// Recorder observes every tick; metrics implement it.
type Recorder interface {
	ControlTick(took time.Duration, overrun bool, st types.ControlState)
}

type Loop struct {
	cfg    Config
	src    Source
	params Params
	sink   Sink
	act    Actuator
	log    logx.Logger
	rec    Recorder
	budget *sched.Budget

	pid       PID
	st        types.ControlState
	lastCycle uint64
	filtered  bool
}

type Option func(*Loop)

func WithLogger(l logx.Logger) Option { return func(lp *Loop) { lp.log = logx.Or(l) } }
func WithRecorder(r Recorder) Option  { return func(lp *Loop) { lp.rec = r } }

func New(cfg Config, src Source, params Params, sink Sink, act Actuator, opts ...Option) *Loop {
	cfg.ensureDefaults()
	l := &Loop{
		cfg:    cfg,
		src:    src,
		params: params,
		sink:   sink,
		act:    act,
		log:    logx.NullLogger{},
		budget: sched.NewBudget(cfg.Period),
		st:     types.ControlState{Mode: types.ModeWarmup},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Loop) Name() string { return "control" }

// State returns the loop's own copy. Only for the loop goroutine and tests.
func (l *Loop) State() types.ControlState { return l.st }

func (l *Loop) Budget() *sched.Budget { return l.budget }

func (l *Loop) valid(agg types.Aggregate, now time.Time) bool {
	return agg.OK && mathx.Finite(agg.Value) && now.Sub(agg.At) <= l.cfg.StaleAfter
}

// Tick runs one control period. Parameters are read exactly once.
func (l *Loop) Tick(now time.Time) types.ControlState {
	start := time.Now()
	p := l.params.Params()
	agg := l.src.Latest()
	dt := float32(l.cfg.Period.Seconds())
	prev := l.st.Mode

	if l.valid(agg, now) {
		if !l.filtered {
			l.st.FilteredTemperature = agg.Value
			l.filtered = true
		} else if agg.Cycle != l.lastCycle {
			a := l.cfg.Alpha
			l.st.FilteredTemperature = a*agg.Value + (1-a)*l.st.FilteredTemperature
		}
		l.lastCycle = agg.Cycle
		if prev == types.ModeWarmup || prev == types.ModeSafe {
			l.pid.Rearm()
		}
		l.st.Mode = types.ModeActive
		l.st.ConsecutiveFaults = 0
		l.st.LastOutput = l.act.SetDuty(l.pid.Step(p, l.errorOf(p), dt))
	} else if prev == types.ModeWarmup {
		l.st.LastOutput = l.act.Safe()
	} else {
		l.st.ConsecutiveFaults++
		if l.st.ConsecutiveFaults >= l.cfg.SafeAfter {
			l.st.Mode = types.ModeSafe
			l.st.LastOutput = l.act.Safe()
			l.pid.Hold(p)
		} else {
			l.st.Mode = types.ModeDegraded
			l.st.LastOutput = l.act.SetDuty(l.pid.Step(p, l.errorOf(p), dt))
		}
	}

	l.st.IntegralAccumulator = l.pid.Integral
	l.st.LastError = l.pid.LastError
	l.st.Ticks++
	l.st.UpdatedAt = now

	took := time.Since(start)
	overrun := l.budget.Observe(took)
	if overrun {
		l.log.Warnf("tick %d took %s, over the %s period", l.st.Ticks, took, l.cfg.Period)
	}
	l.st.Overruns = l.budget.Overruns()

	if l.st.Mode != prev {
		l.logTransition(prev)
	}
	l.sink.PublishControl(l.st)
	if l.rec != nil {
		l.rec.ControlTick(took, overrun, l.st)
	}
	return l.st
}

func (l *Loop) errorOf(p types.ControlParameters) float32 {
	if l.cfg.Reverse {
		return l.st.FilteredTemperature - p.Setpoint
	}
	return p.Setpoint - l.st.FilteredTemperature
}

func (l *Loop) logTransition(prev types.Mode) {
	switch l.st.Mode {
	case types.ModeSafe:
		l.log.Errorf("%s -> %s after %d ticks without a valid reading, fan at %.0f%%",
			prev, l.st.Mode, l.st.ConsecutiveFaults, l.st.LastOutput)
	case types.ModeDegraded:
		l.log.Warnf("%s -> %s, holding %.2f°C", prev, l.st.Mode, l.st.FilteredTemperature)
	default:
		l.log.Infof("%s -> %s at %.2f°C", prev, l.st.Mode, l.st.FilteredTemperature)
	}
}

// Run ticks every Period until ctx ends. The actuator starts at safe duty.
func (l *Loop) Run(ctx context.Context) error {
	l.st.LastOutput = l.act.Safe()
	l.sink.PublishControl(l.st)

	t := time.NewTicker(l.cfg.Period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			l.Tick(now)
		}
	}
}
