package heartbeat

import (
	"context"
	"testing"
	"time"

	"fanctl-go/bus"
	"fanctl-go/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, sub *bus.Subscription) types.Heartbeat {
	t.Helper()
	select {
	case m := <-sub.Channel():
		hb, ok := m.Payload.(types.Heartbeat)
		require.True(t, ok, "payload %T", m.Payload)
		return hb
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat")
	}
	return types.Heartbeat{}
}

func TestHeartbeat_FollowsConfigInterval(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("test")
	conn.Publish(conn.NewMessage(bus.T("config", "heartbeat"), Config{Interval: 20 * time.Millisecond}, true))

	boot := uuid.NewString()
	s := New(b.NewConnection("heartbeat"), boot)
	sub := conn.Subscribe(Topic)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	first := next(t, sub)
	second := next(t, sub)
	assert.Equal(t, boot, first.Boot)
	assert.Equal(t, first.Seq+1, second.Seq)
	assert.GreaterOrEqual(t, second.UptimeMs, first.UptimeMs)
	assert.NotZero(t, second.HeapSys)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop")
	}
}

func TestIntervalOf(t *testing.T) {
	iv, ok := intervalOf(map[string]any{"interval": 2.0})
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, iv)

	iv, ok = intervalOf(Config{Interval: time.Minute})
	require.True(t, ok)
	assert.Equal(t, time.Minute, iv)

	_, ok = intervalOf(Config{})
	assert.False(t, ok)
	_, ok = intervalOf(map[string]any{"interval": "2"})
	assert.False(t, ok)
	_, ok = intervalOf(42)
	assert.False(t, ok)
}
