// Package schedule runs a function on a fixed interval without ever
// overlapping two runs.
package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmcache_schedule_runs_total",
			Help: "Loop runs by loop name and result",
		},
		[]string{"loop", "result"},
	)

	skippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmcache_schedule_skipped_total",
			Help: "Ticks skipped because the previous run was still in progress",
		},
		[]string{"loop"},
	)
)

// ErrStop, returned from a loop function, stops the loop until the next
// Start.
var ErrStop = errors.New("stop loop")

// Func is one run of a loop.
type Func func(ctx context.Context) error

type Option func(*Loop)

// WithImmediate runs the function as soon as the loop starts instead of
// after the first interval.
func WithImmediate() Option {
	return func(l *Loop) { l.immediate = true }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// Loop calls a Func every interval. A tick that fires while the previous run
// is still going is skipped. Loops can be stopped and started again.
type Loop struct {
	name      string
	interval  time.Duration
	fn        Func
	immediate bool
	logger    zerolog.Logger

	busy atomic.Bool
	wg   sync.WaitGroup

	mu      sync.Mutex
	cancel  context.CancelFunc
	gen     uint64
	starts  uint64
	running bool
}

func New(name string, interval time.Duration, fn Func, opts ...Option) *Loop {
	l := &Loop{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With().Str("loop", name).Logger()
	return l
}

// Start launches the loop under ctx. Calling Start on a running loop keeps
// it alive: an ErrStop from a run that began before the call is ignored.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.starts++
	if l.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.gen++
	l.running = true

	l.wg.Add(1)
	go l.run(ctx, l.gen)
}

// Stop halts the loop and waits for an in-progress run to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.running {
		l.cancel()
		l.running = false
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Running reports whether the loop is scheduled.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) run(ctx context.Context, gen uint64) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	if l.immediate {
		l.tick(ctx, gen)
	}
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			if l.gen == gen {
				l.running = false
			}
			l.mu.Unlock()
			return
		case <-ticker.C:
			l.tick(ctx, gen)
		}
	}
}

func (l *Loop) tick(ctx context.Context, gen uint64) {
	if !l.busy.CompareAndSwap(false, true) {
		skippedTotal.WithLabelValues(l.name).Inc()
		l.logger.Debug().Msg("previous run still in progress, skipping tick")
		return
	}

	l.mu.Lock()
	startsAtRun := l.starts
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.busy.Store(false)

		err := l.fn(ctx)
		switch {
		case errors.Is(err, ErrStop):
			runsTotal.WithLabelValues(l.name, "stop").Inc()
			l.selfStop(gen, startsAtRun)
		case err != nil && ctx.Err() == nil:
			runsTotal.WithLabelValues(l.name, "error").Inc()
			l.logger.Warn().Err(err).Msg("loop run failed")
		default:
			runsTotal.WithLabelValues(l.name, "success").Inc()
		}
	}()
}

func (l *Loop) selfStop(gen, startsAtRun uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running || l.gen != gen || l.starts != startsAtRun {
		return
	}
	l.cancel()
	l.running = false
	l.logger.Debug().Msg("loop stopped itself")
}
