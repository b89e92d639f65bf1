package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type warned struct{ warnings []string }

func (w warned) TaskWarnings() []string { return w.warnings }

func newRunner(t *testing.T) *Runner {
	t.Helper()
	r := NewRunner(context.Background(), zerolog.Nop())
	t.Cleanup(func() { r.Shutdown(time.Second) })
	return r
}

func TestGo_Wait_ReturnsResult(t *testing.T) {
	r := newRunner(t)

	h := Go(r, "answer", func(ctx context.Context) (int, error) { return 42, nil })
	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	info, ok := r.Get(h.ID())
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, info.State)
	assert.Equal(t, 42, info.Result)
	assert.NotNil(t, info.FinishedAt)
}

func TestGo_Failure_InvokesOnError(t *testing.T) {
	r := newRunner(t)
	boom := errors.New("boom")

	got := make(chan error, 1)
	h := Go(r, "fail", func(ctx context.Context) (struct{}, error) { return struct{}{}, boom }).
		OnError(func(err error) { got <- err }).
		OnSuccess(func(struct{}) { t.Error("unexpected success callback") })

	_, err := h.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, <-got, boom)

	info := h.Info()
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, "boom", info.Error)
}

func TestHandle_OnSuccess_AfterCompletionRunsImmediately(t *testing.T) {
	r := newRunner(t)
	h := Go(r, "quick", func(ctx context.Context) (string, error) { return "ok", nil })
	<-h.Done()

	var called string
	h.OnSuccess(func(s string) { called = s })
	assert.Equal(t, "ok", called)
}

func TestGo_Panic_BecomesError(t *testing.T) {
	r := newRunner(t)
	h := Go(r, "panics", func(ctx context.Context) (int, error) { panic("bad") })
	_, err := h.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestInfo_Warnings(t *testing.T) {
	r := newRunner(t)
	h := Go(r, "warns", func(ctx context.Context) (warned, error) {
		return warned{warnings: []string{"skipped 1 already-running instances"}}, nil
	})
	<-h.Done()
	assert.Equal(t, []string{"skipped 1 already-running instances"}, h.Info().Warnings)
}

func TestRunner_List_PrunesFinished(t *testing.T) {
	r := newRunner(t)
	r.retain = 2
	for i := 0; i < 5; i++ {
		h := Go(r, "n", func(ctx context.Context) (int, error) { return i, nil })
		<-h.Done()
	}
	// The newest submission prunes before it finishes, so one extra may remain.
	assert.LessOrEqual(t, len(r.List()), 3)
}

func TestRunner_Shutdown_CancelsAndBounds(t *testing.T) {
	r := NewRunner(context.Background(), zerolog.Nop())

	var cancelled atomic.Bool
	Go(r, "cooperative", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		cancelled.Store(true)
		return 0, ctx.Err()
	})
	release := make(chan struct{})
	defer close(release)
	Go(r, "stubborn", func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	})

	start := time.Now()
	overran := r.Shutdown(100 * time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"stubborn"}, overran)
	assert.Eventually(t, cancelled.Load, time.Second, 10*time.Millisecond)

	h := Go(r, "late", func(ctx context.Context) (int, error) { return 1, nil })
	_, err := h.Wait(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestHandle_Wait_ContextExpires(t *testing.T) {
	r := newRunner(t)
	block := make(chan struct{})
	defer close(block)
	h := Go(r, "slow", func(ctx context.Context) (int, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return 0, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateRunning, h.Info().State)
}
