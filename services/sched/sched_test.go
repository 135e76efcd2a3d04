package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blocker(name string, stopped *atomic.Int32) Task {
	return Func{N: name, F: func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Add(1)
		return nil
	}}
}

func TestRunner_CleanShutdown(t *testing.T) {
	var stopped atomic.Int32
	var resets int
	r := NewRunner(Config{}, WithReset(func(*Fault) { resets++ }))
	r.Add(blocker("a", &stopped), blocker("b", &stopped))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, int32(2), stopped.Load())
	assert.Zero(t, resets)
}

func TestRunner_ErrorTriggersReset(t *testing.T) {
	var stopped atomic.Int32
	var got *Fault
	boom := errors.New("bus stuck")
	r := NewRunner(Config{}, WithReset(func(f *Fault) { got = f }))
	r.Add(blocker("control", &stopped), Func{N: "sensor", F: func(context.Context) error { return boom }})

	err := r.Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sensor", got.Task)
	assert.False(t, got.Panic)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), stopped.Load(), "siblings are cancelled")
}

func TestRunner_PanicTriggersReset(t *testing.T) {
	var got *Fault
	r := NewRunner(Config{}, WithReset(func(f *Fault) { got = f }))
	r.Add(Func{N: "web", F: func(context.Context) error { panic("nil map") }})

	err := r.Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Panic)
	assert.Contains(t, got.Error(), "nil map")
	assert.NotEmpty(t, got.Stack)
}

func TestRunner_GraceBoundsStuckTask(t *testing.T) {
	var got *Fault
	r := NewRunner(Config{Grace: 20 * time.Millisecond}, WithReset(func(f *Fault) { got = f }))
	hang := make(chan struct{})
	defer close(hang)
	r.Add(
		Func{N: "stuck", F: func(context.Context) error { <-hang; return nil }},
		Func{N: "bad", F: func(context.Context) error { return errors.New("x") }},
	)

	start := time.Now()
	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	require.NotNil(t, got)
	assert.Equal(t, "bad", got.Task)
}

func TestBudget(t *testing.T) {
	b := NewBudget(10 * time.Millisecond)
	assert.False(t, b.Observe(5*time.Millisecond))
	assert.False(t, b.Observe(10*time.Millisecond))
	assert.True(t, b.Observe(11*time.Millisecond))
	assert.True(t, b.Observe(30*time.Millisecond))
	assert.False(t, b.Observe(time.Millisecond))

	assert.Equal(t, uint64(2), b.Overruns())
	assert.Equal(t, 30*time.Millisecond, b.Worst())
	assert.Equal(t, 10*time.Millisecond, b.Limit())
}

func TestBudget_ZeroLimitNeverOverruns(t *testing.T) {
	b := NewBudget(0)
	assert.False(t, b.Observe(time.Hour))
	assert.Zero(t, b.Overruns())
}
