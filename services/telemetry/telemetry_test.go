package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fanctl-go/bus"
	"fanctl-go/services/heartbeat"
	"fanctl-go/services/state"
	"fanctl-go/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	topic    string
	retained bool
	payload  any
}

type fakeClient struct {
	mu     sync.Mutex
	msgs   []sent
	closed bool
}

func (f *fakeClient) Publish(topic string, _ byte, retained bool, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{topic, retained, payload})
	return nil
}

func (f *fakeClient) IsConnected() bool { return true }

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeClient) find(topic string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, m := range f.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type rig struct {
	store  *state.Store
	conn   *bus.Connection
	mu     sync.Mutex
	dials  int
	fail   error
	client *fakeClient
}

func (r *rig) dial(cfg Config, will string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dials++
	if r.fail != nil {
		return nil, r.fail
	}
	r.client = &fakeClient{}
	return r.client, nil
}

func (r *rig) current() *fakeClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

func newRig(t *testing.T) (*rig, *Uplink) {
	t.Helper()
	b := bus.NewBus(8)
	st, err := state.New(state.DefaultParams(), state.WithBus(b.NewConnection("state")))
	require.NoError(t, err)
	r := &rig{store: st, conn: b.NewConnection("test")}
	cfg := Config{Enabled: true, Interval: 10 * time.Millisecond}
	return r, New(cfg, b.NewConnection("telemetry"), st, "boot-1", WithDialer(r.dial))
}

func start(t *testing.T, u *Uplink) (cancel func()) {
	ctx, c := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = u.Run(ctx); close(done) }()
	return func() {
		c()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("telemetry did not stop")
		}
	}
}

func TestUplink_IdleUntilConnected(t *testing.T) {
	r, u := newRig(t)
	stop := start(t, u)
	defer stop()

	time.Sleep(40 * time.Millisecond)
	r.mu.Lock()
	assert.Zero(t, r.dials)
	r.mu.Unlock()
}

func TestUplink_ReportsWhileConnected(t *testing.T) {
	r, u := newRig(t)
	stop := start(t, u)

	r.store.PublishNetwork(types.NetworkState{Phase: types.NetConnected, Address: "10.0.0.2"})
	require.Eventually(t, func() bool {
		c := r.current()
		return c != nil && len(c.find("fanctl/status")) >= 2
	}, time.Second, 5*time.Millisecond)

	c := r.current()
	avail := c.find("fanctl/availability")
	require.NotEmpty(t, avail)
	assert.Equal(t, "online", avail[0].payload)
	assert.True(t, avail[0].retained)

	rep, ok := c.find("fanctl/status")[0].payload.(Report)
	require.True(t, ok)
	assert.Equal(t, "boot-1", rep.Boot)
	assert.Equal(t, float32(35), rep.Setpoint)
	assert.Equal(t, types.ModeWarmup, rep.Mode)

	r.conn.Publish(r.conn.NewMessage(heartbeat.Topic, types.Heartbeat{Seq: 7}, false))
	require.Eventually(t, func() bool { return len(c.find("fanctl/heartbeat")) == 1 }, time.Second, 5*time.Millisecond)

	r.store.PublishNetwork(types.NetworkState{Phase: types.NetDisconnected})
	require.Eventually(t, c.isClosed, time.Second, 5*time.Millisecond)
	last := c.find("fanctl/availability")
	assert.Equal(t, "offline", last[len(last)-1].payload)
	stop()
}

func TestUplink_BrokerFailureRetriesOnTick(t *testing.T) {
	r, u := newRig(t)
	r.fail = errors.New("connection refused")
	stop := start(t, u)
	defer stop()

	r.store.PublishNetwork(types.NetworkState{Phase: types.NetConnected})
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.dials >= 3
	}, time.Second, 5*time.Millisecond)

	r.mu.Lock()
	r.fail = nil
	r.mu.Unlock()
	require.Eventually(t, func() bool {
		c := r.current()
		return c != nil && len(c.find("fanctl/status")) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestUplink_DisabledReturns(t *testing.T) {
	u := New(Config{}, nil, nil, "")
	assert.NoError(t, u.Run(context.Background()))
}

func TestConfig_EnsureDefaults(t *testing.T) {
	c := Config{QoS: 9}
	c.ensureDefaults()
	d := DefaultConfig()
	assert.Equal(t, d.Broker, c.Broker)
	assert.Equal(t, d.TopicPrefix, c.TopicPrefix)
	assert.Equal(t, d.Interval, c.Interval)
	assert.Zero(t, c.QoS)
}
