package control

import (
	"math"
	"testing"
	"time"

	"fanctl-go/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct{ agg types.Aggregate }

func (f *fakeSource) Latest() types.Aggregate { return f.agg }

type fixedParams struct {
	p     types.ControlParameters
	delay time.Duration
}

func (f *fixedParams) Params() types.ControlParameters {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.p
}

type captureSink struct{ states []types.ControlState }

func (c *captureSink) PublishControl(st types.ControlState) { c.states = append(c.states, st) }

type fakeFan struct {
	duty  float32
	safes int
}

func (f *fakeFan) SetDuty(pct float32) float32 { f.duty = pct; return pct }
func (f *fakeFan) Safe() float32               { f.safes++; f.duty = 100; return 100 }

type rig struct {
	src  *fakeSource
	prm  *fixedParams
	sink *captureSink
	fan  *fakeFan
	loop *Loop
	now  time.Time
	cyc  uint64
}

func newRig(p types.ControlParameters, cfg Config) *rig {
	r := &rig{
		src:  &fakeSource{},
		prm:  &fixedParams{p: p},
		sink: &captureSink{},
		fan:  &fakeFan{},
		now:  time.Unix(1_700_000_000, 0),
	}
	r.loop = New(cfg, r.src, r.prm, r.sink, r.fan)
	return r
}

func (r *rig) reading(v float32) {
	r.cyc++
	r.src.agg = types.Aggregate{Value: v, OK: true, At: r.now, Cycle: r.cyc}
}

func (r *rig) lost() { r.src.agg.OK = false }

func (r *rig) tick() types.ControlState {
	r.now = r.now.Add(time.Second)
	return r.loop.Tick(r.now)
}

func params(sp, kp, ki, kd float32) types.ControlParameters {
	return types.ControlParameters{Setpoint: sp, Kp: kp, Ki: ki, Kd: kd, OutputMin: 0, OutputMax: 100}
}

func TestTick_ProportionalPinnedToMin(t *testing.T) {
	r := newRig(params(25, 2, 0, 0), DefaultConfig())
	r.reading(30)
	st := r.tick()
	assert.Equal(t, types.ModeActive, st.Mode)
	assert.Equal(t, float32(0), st.LastOutput)
	assert.Equal(t, float32(-5), st.LastError)
	assert.Equal(t, float32(0), r.fan.duty)
}

func TestTick_ReverseActingDrivesFanUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reverse = true
	r := newRig(params(25, 2, 0, 0), cfg)
	r.reading(30)
	assert.Equal(t, float32(10), r.tick().LastOutput)
}

func TestTick_OutputAlwaysClamped(t *testing.T) {
	p := params(40, 50, 0, 0)
	p.OutputMin, p.OutputMax = 20, 70
	r := newRig(p, DefaultConfig())

	for _, v := range []float32{10, 39.9, 40, 40.1, 80, -30} {
		r.reading(v)
		out := r.tick().LastOutput
		assert.GreaterOrEqual(t, out, float32(20), "reading %v", v)
		assert.LessOrEqual(t, out, float32(70), "reading %v", v)
	}
}

func TestTick_AntiWindup(t *testing.T) {
	p := params(60, 0, 0.5, 0)
	r := newRig(p, DefaultConfig())
	bound, ok := IntegralBound(p)
	require.True(t, ok)

	for i := 0; i < 500; i++ {
		r.reading(20)
		st := r.tick()
		assert.LessOrEqual(t, float32(math.Abs(float64(st.IntegralAccumulator))), bound)
	}
	assert.Equal(t, bound, r.loop.State().IntegralAccumulator)

	for i := 0; i < 500; i++ {
		r.reading(79)
		st := r.tick()
		assert.GreaterOrEqual(t, st.IntegralAccumulator, -bound)
	}
}

func TestTick_KiZeroHoldsIntegral(t *testing.T) {
	r := newRig(params(30, 1, 0, 0), DefaultConfig())
	for i := 0; i < 10; i++ {
		r.reading(20)
		r.tick()
	}
	assert.Zero(t, r.loop.State().IntegralAccumulator)
}

func TestTick_Deterministic(t *testing.T) {
	seq := []float32{30, 31, 29.5, 28, 33, 35, 34.2}
	run := func() []float32 {
		r := newRig(params(32, 3, 0.2, 1.5), DefaultConfig())
		var outs []float32
		for _, v := range seq {
			r.reading(v)
			outs = append(outs, r.tick().LastOutput)
		}
		return outs
	}
	assert.Equal(t, run(), run())
}

func TestTick_FirstDerivativeIsZero(t *testing.T) {
	r := newRig(params(30, 0, 0, 10), DefaultConfig())
	r.reading(20)
	assert.Zero(t, r.tick().LastOutput)

	r.reading(19)
	assert.Equal(t, float32(10), r.tick().LastOutput)
}

func TestTick_SafeModeAfterNFaultsAndRecovery(t *testing.T) {
	r := newRig(params(30, 1, 0.1, 0), DefaultConfig())
	for i := 0; i < 5; i++ {
		r.reading(20)
		r.tick()
	}
	integral := r.loop.State().IntegralAccumulator
	require.NotZero(t, integral)

	r.lost()
	st := r.tick()
	assert.Equal(t, types.ModeDegraded, st.Mode)
	assert.Equal(t, 1, st.ConsecutiveFaults)
	st = r.tick()
	assert.Equal(t, types.ModeDegraded, st.Mode)
	frozen := st.IntegralAccumulator

	st = r.tick()
	assert.Equal(t, types.ModeSafe, st.Mode)
	assert.Equal(t, 3, st.ConsecutiveFaults)
	assert.Equal(t, float32(100), st.LastOutput)
	assert.Equal(t, frozen, st.IntegralAccumulator)

	for i := 0; i < 5; i++ {
		st = r.tick()
		assert.Equal(t, types.ModeSafe, st.Mode)
		assert.Equal(t, frozen, st.IntegralAccumulator)
	}

	// next valid reading: ACTIVE, integral resumes from the frozen value
	r.reading(30)
	st = r.tick()
	assert.Equal(t, types.ModeActive, st.Mode)
	assert.Zero(t, st.ConsecutiveFaults)
	assert.Equal(t, frozen, st.IntegralAccumulator)
}

func TestTick_StaleAggregateIsInvalid(t *testing.T) {
	r := newRig(params(30, 1, 0, 0), DefaultConfig())
	r.reading(25)
	r.tick()

	r.now = r.now.Add(20 * time.Second)
	st := r.loop.Tick(r.now)
	assert.Equal(t, types.ModeDegraded, st.Mode)
}

func TestTick_NonFiniteReadingIsInvalid(t *testing.T) {
	r := newRig(params(30, 1, 0, 0), DefaultConfig())
	r.reading(25)
	r.tick()
	r.reading(float32(math.NaN()))
	assert.Equal(t, types.ModeDegraded, r.tick().Mode)
}

func TestTick_ZeroSensorsStaysInWarmup(t *testing.T) {
	r := newRig(params(30, 1, 0, 0), DefaultConfig())
	for i := 0; i < 50; i++ {
		st := r.tick()
		assert.Equal(t, types.ModeWarmup, st.Mode)
		assert.Zero(t, st.ConsecutiveFaults)
		assert.Equal(t, float32(100), st.LastOutput)
	}
	assert.Equal(t, 50, r.fan.safes)
	assert.Len(t, r.sink.states, 50)
}

func TestTick_FilterUpdatesOncePerCycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Alpha = 0.5
	r := newRig(params(30, 0, 0, 0), cfg)
	r.reading(20)
	assert.Equal(t, float32(20), r.tick().FilteredTemperature)

	r.reading(30)
	assert.Equal(t, float32(25), r.tick().FilteredTemperature)
	// same cycle seen again
	assert.Equal(t, float32(25), r.tick().FilteredTemperature)
}

func TestTick_CountsOverruns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Period = time.Millisecond
	r := newRig(params(30, 1, 0, 0), cfg)
	r.prm.delay = 5 * time.Millisecond
	r.reading(25)

	st := r.tick()
	assert.Equal(t, uint64(1), st.Overruns)
	assert.GreaterOrEqual(t, r.loop.Budget().Worst(), 5*time.Millisecond)
}

func TestTick_SafeModeHoldsIntegralWithinTightenedBound(t *testing.T) {
	r := newRig(params(30, 1, 0.1, 0), DefaultConfig())
	for i := 0; i < 7; i++ {
		r.reading(20)
		r.tick()
	}
	require.Equal(t, float32(70), r.loop.State().IntegralAccumulator)

	r.lost()
	for i := 0; i < DefaultConfig().SafeAfter; i++ {
		r.tick()
	}
	require.Equal(t, types.ModeSafe, r.loop.State().Mode)
	// two DEGRADED ticks still integrate before the freeze
	assert.Equal(t, float32(90), r.loop.State().IntegralAccumulator)

	// ki raised while in SAFE_MODE: 100/10 leaves room for 10 only.
	r.prm.p = params(30, 1, 10, 0)
	st := r.tick()
	assert.Equal(t, types.ModeSafe, st.Mode)
	assert.Equal(t, float32(10), st.IntegralAccumulator)
	assert.Equal(t, float32(10), r.sink.states[len(r.sink.states)-1].IntegralAccumulator)
}

func TestPID_Hold(t *testing.T) {
	c := PID{Integral: -50}
	c.Hold(params(30, 1, 0, 0))
	assert.Equal(t, float32(-50), c.Integral, "no bound without ki")
	c.Hold(params(30, 1, 4, 0))
	assert.Equal(t, float32(-25), c.Integral)
}

func TestPID_IntegralBound(t *testing.T) {
	_, ok := IntegralBound(params(30, 1, 0, 0))
	assert.False(t, ok)
	b, ok := IntegralBound(params(30, 1, 4, 0))
	require.True(t, ok)
	assert.Equal(t, float32(25), b)
}

func TestPID_NonFiniteOutputFailsHigh(t *testing.T) {
	var c PID
	p := params(30, float32(math.MaxFloat32), 0, 0)
	assert.Equal(t, float32(100), c.Step(p, 10, 1))
}
