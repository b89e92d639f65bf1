// Package task runs background work on behalf of front-end commands and
// keeps a registry of what is in flight.
package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmcache_tasks_total",
			Help: "Background tasks by name and outcome",
		},
		[]string{"name", "result"},
	)

	tasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vmcache_tasks_in_flight",
		Help: "Background tasks currently running",
	})
)

// ErrShutdown is returned by tasks submitted after Shutdown.
var ErrShutdown = errors.New("task runner is shut down")

// State is the lifecycle of one task.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Warner is implemented by task results that carry non-fatal warnings.
type Warner interface {
	TaskWarnings() []string
}

// Info is a point-in-time view of a task.
type Info struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	State      State      `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
	Result     any        `json:"result,omitempty"`
}

type tracked interface {
	info() Info
	doneCh() <-chan struct{}
}

// Runner owns the shared context of all tasks. Finished tasks are kept for
// inspection until more than retain of them have accumulated.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
	retain int

	mu     sync.Mutex
	tasks  map[string]tracked
	order  []string
	closed bool
}

func NewRunner(parent context.Context, logger zerolog.Logger) *Runner {
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("component", "task").Logger(),
		retain: 100,
		tasks:  make(map[string]tracked),
	}
}

// Handle is the caller's side of a running task.
type Handle[T any] struct {
	id      string
	name    string
	started time.Time
	done    chan struct{}

	mu        sync.Mutex
	finished  time.Time
	result    T
	err       error
	onSuccess []func(T)
	onError   []func(error)
}

// Go starts fn in its own goroutine with the runner's context.
func Go[T any](r *Runner, name string, fn func(ctx context.Context) (T, error)) *Handle[T] {
	h := &Handle[T]{
		id:      uuid.NewString(),
		name:    name,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		var zero T
		h.complete(zero, ErrShutdown)
		return h
	}
	r.tasks[h.id] = h
	r.order = append(r.order, h.id)
	r.pruneLocked()
	r.mu.Unlock()

	tasksInFlight.Inc()
	go func() {
		defer tasksInFlight.Dec()

		var (
			res T
			err error
		)
		func() {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("task %s panicked: %v", name, p)
				}
			}()
			res, err = fn(r.ctx)
		}()

		result := "success"
		if err != nil {
			result = "error"
			r.logger.Warn().Err(err).Str("task", name).Str("task_id", h.id).Msg("task failed")
		}
		tasksTotal.WithLabelValues(name, result).Inc()
		h.complete(res, err)
	}()
	return h
}

func (h *Handle[T]) complete(res T, err error) {
	h.mu.Lock()
	h.result, h.err = res, err
	h.finished = time.Now()
	success, failure := h.onSuccess, h.onError
	h.onSuccess, h.onError = nil, nil
	close(h.done)
	h.mu.Unlock()

	if err != nil {
		for _, fn := range failure {
			fn(err)
		}
		return
	}
	for _, fn := range success {
		fn(res)
	}
}

func (h *Handle[T]) ID() string { return h.id }

func (h *Handle[T]) Name() string { return h.name }

// Done is closed once the task has finished.
func (h *Handle[T]) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx ends.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnSuccess registers fn to run with the result once the task succeeds. If
// it already has, fn runs immediately.
func (h *Handle[T]) OnSuccess(fn func(T)) *Handle[T] {
	h.mu.Lock()
	select {
	case <-h.done:
		res, err := h.result, h.err
		h.mu.Unlock()
		if err == nil {
			fn(res)
		}
		return h
	default:
	}
	h.onSuccess = append(h.onSuccess, fn)
	h.mu.Unlock()
	return h
}

// OnError registers fn to run with the error once the task fails. If it
// already has, fn runs immediately.
func (h *Handle[T]) OnError(fn func(error)) *Handle[T] {
	h.mu.Lock()
	select {
	case <-h.done:
		err := h.err
		h.mu.Unlock()
		if err != nil {
			fn(err)
		}
		return h
	default:
	}
	h.onError = append(h.onError, fn)
	h.mu.Unlock()
	return h
}

// Info returns the current view of the task.
func (h *Handle[T]) Info() Info {
	return h.info()
}

func (h *Handle[T]) info() Info {
	out := Info{ID: h.id, Name: h.name, State: StateRunning, StartedAt: h.started}
	select {
	case <-h.done:
	default:
		return out
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	finished := h.finished
	out.FinishedAt = &finished
	if h.err != nil {
		out.State = StateFailed
		out.Error = h.err.Error()
	} else {
		out.State = StateSucceeded
		out.Result = h.result
	}
	if w, ok := any(h.result).(Warner); ok {
		out.Warnings = w.TaskWarnings()
	}
	return out
}

func (h *Handle[T]) doneCh() <-chan struct{} { return h.done }

// pruneLocked drops the oldest finished tasks beyond the retention limit.
func (r *Runner) pruneLocked() {
	finished := 0
	for _, id := range r.order {
		select {
		case <-r.tasks[id].doneCh():
			finished++
		default:
		}
	}
	if finished <= r.retain {
		return
	}

	drop := finished - r.retain
	kept := r.order[:0]
	for _, id := range r.order {
		if drop > 0 {
			select {
			case <-r.tasks[id].doneCh():
				delete(r.tasks, id)
				drop--
				continue
			default:
			}
		}
		kept = append(kept, id)
	}
	r.order = kept
}

// List returns every known task, newest first.
func (r *Runner) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (r *Runner) Get(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Info{}, false
	}
	return t.info(), true
}

// Shutdown cancels the shared context and waits up to grace for running
// tasks. It returns the names of tasks that were still running; their
// goroutines are abandoned with a cancelled context.
func (r *Runner) Shutdown(grace time.Duration) []string {
	r.mu.Lock()
	r.closed = true
	var running []tracked
	for _, t := range r.tasks {
		select {
		case <-t.doneCh():
		default:
			running = append(running, t)
		}
	}
	r.mu.Unlock()

	r.cancel()

	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	var overran []string
	for _, t := range running {
		select {
		case <-t.doneCh():
		case <-deadline.C:
			// Everything not done by now has overrun.
			for _, rest := range running {
				select {
				case <-rest.doneCh():
				default:
					info := rest.info()
					overran = append(overran, info.Name)
					r.logger.Warn().Str("task", info.Name).Str("task_id", info.ID).Msg("task did not finish before shutdown deadline")
				}
			}
			return overran
		}
	}
	return overran
}
