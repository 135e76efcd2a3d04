package state

import (
	"math"
	"sync"
	"testing"
	"time"

	"fanctl-go/bus"
	"fanctl-go/errcode"
	"fanctl-go/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(DefaultParams(), opts...)
	require.NoError(t, err)
	return s
}

func TestNew_Defaults(t *testing.T) {
	s := newStore(t, WithBoot("b-1"))
	snap := s.Snapshot()
	assert.Equal(t, "b-1", snap.Boot)
	assert.Equal(t, float32(35), snap.Params.Setpoint)
	assert.Zero(t, snap.Params.Kp)
	assert.Equal(t, types.ModeWarmup, snap.Control.Mode)
	assert.Equal(t, types.NetDisconnected, snap.Net.Phase)

	st := s.Status()
	assert.Nil(t, st.CurrentTemperature)
	assert.Equal(t, types.ModeWarmup, st.Mode)
}

func TestNew_RejectsInvalidDefaults(t *testing.T) {
	p := DefaultParams()
	p.OutputMin = 60
	p.OutputMax = 40
	_, err := New(p)
	assert.Equal(t, errcode.OutOfRange, errcode.Of(err))
}

func TestValidate(t *testing.T) {
	lim := DefaultLimits()
	ok := DefaultParams()
	require.NoError(t, Validate(ok, lim))

	cases := []struct {
		name string
		mod  func(*types.ControlParameters)
		code errcode.Code
	}{
		{"nan setpoint", func(p *types.ControlParameters) { p.Setpoint = float32(math.NaN()) }, errcode.InvalidParams},
		{"inf kp", func(p *types.ControlParameters) { p.Kp = float32(math.Inf(1)) }, errcode.InvalidParams},
		{"negative kp", func(p *types.ControlParameters) { p.Kp = -1 }, errcode.OutOfRange},
		{"negative ki", func(p *types.ControlParameters) { p.Ki = -0.1 }, errcode.OutOfRange},
		{"negative kd", func(p *types.ControlParameters) { p.Kd = -0.1 }, errcode.OutOfRange},
		{"min above max", func(p *types.ControlParameters) { p.OutputMin, p.OutputMax = 50, 40 }, errcode.OutOfRange},
		{"max above 100", func(p *types.ControlParameters) { p.OutputMax = 101 }, errcode.OutOfRange},
		{"min below 0", func(p *types.ControlParameters) { p.OutputMin = -1 }, errcode.OutOfRange},
		{"setpoint too high", func(p *types.ControlParameters) { p.Setpoint = 81 }, errcode.OutOfRange},
		{"setpoint too low", func(p *types.ControlParameters) { p.Setpoint = 9 }, errcode.OutOfRange},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := ok
			c.mod(&p)
			assert.Equal(t, c.code, errcode.Of(Validate(p, lim)))
		})
	}

	p := ok
	p.Kd = -0.5
	lim.AllowNegativeKd = true
	assert.NoError(t, Validate(p, lim))
}

func TestSetSetpoint_RejectLeavesStoreUntouched(t *testing.T) {
	s := newStore(t)
	before := s.Snapshot()

	err := s.SetSetpoint(500)
	assert.Equal(t, errcode.OutOfRange, errcode.Of(err))
	assert.Same(t, before, s.Snapshot())
	assert.Equal(t, float32(35), s.Params().Setpoint)

	require.NoError(t, s.SetSetpoint(28.5))
	assert.Equal(t, float32(28.5), s.Params().Setpoint)
	assert.Equal(t, before.Version+1, s.Snapshot().Version)
}

func TestSetPID(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SetPID(2, 0.1, 0.5))
	p := s.Params()
	assert.Equal(t, float32(2), p.Kp)
	assert.Equal(t, float32(0.1), p.Ki)
	assert.Equal(t, float32(0.5), p.Kd)

	assert.Error(t, s.SetPID(1, -1, 0))
	assert.Equal(t, float32(0.1), s.Params().Ki)
}

func TestSetParams(t *testing.T) {
	s := newStore(t)
	p := DefaultParams()
	p.OutputMin, p.OutputMax = 20, 80
	require.NoError(t, s.SetParams(p))
	assert.Equal(t, p, s.Params())

	p.OutputMin = 90
	assert.Error(t, s.SetParams(p))
	assert.Equal(t, float32(20), s.Params().OutputMin)
}

func TestPublish_GroupsAreIndependent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SetSetpoint(30))

	s.PublishControl(types.ControlState{Mode: types.ModeActive, FilteredTemperature: 31, LastOutput: 42})
	s.PublishSensors(types.SensorTopology{Slots: []types.SensorSlot{{TotalFaults: 3}}})
	s.PublishNetwork(types.NetworkState{Phase: types.NetConnected, Address: "10.0.0.2"})

	snap := s.Snapshot()
	assert.Equal(t, float32(30), snap.Params.Setpoint)
	assert.Equal(t, types.ModeActive, snap.Control.Mode)
	assert.Equal(t, types.NetConnected, snap.Net.Phase)

	st := s.Status()
	require.NotNil(t, st.CurrentTemperature)
	assert.Equal(t, float32(31), *st.CurrentTemperature)
	assert.Equal(t, float32(42), st.OutputDuty)
	assert.Equal(t, uint32(3), st.SensorFaultCount)
}

func TestBusMirror_Retained(t *testing.T) {
	b := bus.NewBus(8)
	s := newStore(t, WithBus(b.NewConnection("state")))
	require.NoError(t, s.SetSetpoint(40))

	watcher := b.NewConnection("watch")
	sub := watcher.Subscribe(TopicParams)
	select {
	case m := <-sub.Channel():
		p, ok := m.Payload.(types.ControlParameters)
		require.True(t, ok)
		assert.Equal(t, float32(40), p.Setpoint)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("no retained params")
	}

	netSub := watcher.Subscribe(TopicNet)
	select {
	case m := <-netSub.Channel():
		assert.Equal(t, types.NetDisconnected, m.Payload.(types.NetworkState).Phase)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("no retained net state")
	}
}

// Concurrent writers each propose kp == ki == kd; a reader must never
// observe a mix of two proposals.
func TestConcurrentWrites_SnapshotAtomicity(t *testing.T) {
	s := newStore(t)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for w := 1; w <= 4; w++ {
		wg.Add(1)
		go func(v float32) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = s.SetPID(v, v, v)
				_ = s.SetSetpoint(10 + v)
			}
		}(float32(w))
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			p := s.Params()
			if p.Kp != p.Ki || p.Ki != p.Kd {
				t.Errorf("torn params: %+v", p)
				return
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-readerDone
}
