package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoop_RunsOnInterval(t *testing.T) {
	var runs atomic.Int32
	l := New("interval", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	l.Start(context.Background())
	defer l.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestLoop_NeverOverlaps(t *testing.T) {
	var active, maxActive, runs atomic.Int32
	l := New("slow", 5*time.Millisecond, func(ctx context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		time.Sleep(30 * time.Millisecond)
		return nil
	}, WithImmediate())
	l.Start(context.Background())

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	l.Stop()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestLoop_SelfStopAndRestart(t *testing.T) {
	var runs atomic.Int32
	l := New("watch", 5*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return ErrStop
	})

	l.Start(context.Background())
	assert.Eventually(t, func() bool { return !l.Running() }, time.Second, 5*time.Millisecond)
	first := runs.Load()
	assert.Equal(t, int32(1), first)

	l.Start(context.Background())
	assert.Eventually(t, func() bool { return runs.Load() == 2 && !l.Running() }, time.Second, 5*time.Millisecond)
	l.Stop()
}

func TestLoop_StartDuringRunOverridesStop(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	l := New("watch", 5*time.Millisecond, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return ErrStop
	}, WithImmediate())

	l.Start(context.Background())
	<-entered
	l.Start(context.Background())
	close(release)

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !l.Running() }, time.Second, 5*time.Millisecond)
	l.Stop()
}

func TestLoop_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	l := New("ctx", 5*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	l.Start(ctx)
	assert.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	l.Stop()

	n := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, runs.Load())
}
