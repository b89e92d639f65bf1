// Package tracker drives mutating instance commands. It asserts transient
// statuses locally before each remote call, rolls them back when the call
// fails, and polls the instances it is waiting on until they settle.
package tracker

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/events"
	"github.com/edvin/vmcache/internal/model"
	"github.com/edvin/vmcache/internal/reconcile"
	"github.com/edvin/vmcache/internal/schedule"
	"github.com/edvin/vmcache/internal/store"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmcache_tracker_operations_total",
			Help: "Instance commands by operation and result",
		},
		[]string{"op", "result"},
	)

	watched = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmcache_tracker_watched",
			Help: "Instances awaiting a settled status, by watch set",
		},
		[]string{"set"},
	)
)

const (
	DefaultPollInterval          = 2 * time.Second
	DefaultRollbackLookupTimeout = 5 * time.Second
	DefaultRestartDelay          = 2 * time.Second
	DefaultWatchTimeout          = 10 * time.Minute
	DefaultRestartWaitTimeout    = 2 * time.Minute
)

// Result is the outcome of a successful command.
type Result struct {
	IDs      []string `json:"ids"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r Result) TaskWarnings() []string { return r.Warnings }

// WatchSnapshot lists the ids each watch set is waiting on.
type WatchSnapshot struct {
	Pending  []string `json:"pending"`
	Starting []string `json:"starting"`
	Stopping []string `json:"stopping"`
}

type watchEntry struct {
	region string
	since  time.Time
}

type watchSet struct {
	name  string
	ids   map[string]watchEntry
	until func(model.Instance) bool
}

type Config struct {
	PollInterval          time.Duration
	RollbackLookupTimeout time.Duration
	RestartDelay          time.Duration
	WatchTimeout          time.Duration

	// RestartWaitTimeout bounds how long a password reset waits for running
	// instances to stop before starting them again.
	RestartWaitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RollbackLookupTimeout <= 0 {
		c.RollbackLookupTimeout = DefaultRollbackLookupTimeout
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.WatchTimeout <= 0 {
		c.WatchTimeout = DefaultWatchTimeout
	}
	if c.RestartWaitTimeout <= 0 {
		c.RestartWaitTimeout = DefaultRestartWaitTimeout
	}
	return c
}

type Tracker struct {
	store  *store.Store
	syncer *reconcile.Syncer
	events events.Publisher
	logger zerolog.Logger
	cfg    Config

	mu       sync.Mutex
	pending  *watchSet
	starting *watchSet
	stopping *watchSet
	loop     *schedule.Loop
	loopCtx  context.Context
}

func New(st *store.Store, syncer *reconcile.Syncer, pub events.Publisher, logger zerolog.Logger, cfg Config) *Tracker {
	if pub == nil {
		pub = events.Nop{}
	}
	t := &Tracker{
		store:   st,
		syncer:  syncer,
		events:  pub,
		logger:  logger.With().Str("component", "tracker").Logger(),
		cfg:     cfg.withDefaults(),
		loopCtx: context.Background(),
		pending: &watchSet{name: "pending", ids: map[string]watchEntry{}, until: func(i model.Instance) bool {
			return i.Status == model.StatusRunning || i.Address() != ""
		}},
		starting: &watchSet{name: "starting", ids: map[string]watchEntry{}, until: func(i model.Instance) bool {
			return i.Status == model.StatusRunning
		}},
		stopping: &watchSet{name: "stopping", ids: map[string]watchEntry{}, until: func(i model.Instance) bool {
			return i.Status == model.StatusStopped
		}},
	}
	t.loop = schedule.New("transient_poll", t.cfg.PollInterval, t.poll, schedule.WithLogger(t.logger))
	return t
}

// Bind sets the context the watch loop runs under. Cancelling it stops
// polling until the next command adds ids.
func (t *Tracker) Bind(ctx context.Context) {
	t.mu.Lock()
	t.loopCtx = ctx
	t.mu.Unlock()
}

// Close stops the watch loop.
func (t *Tracker) Close() {
	t.loop.Stop()
}

// Watching returns the ids currently being polled.
func (t *Tracker) Watching() WatchSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return WatchSnapshot{
		Pending:  sortedKeys(t.pending.ids),
		Starting: sortedKeys(t.starting.ids),
		Stopping: sortedKeys(t.stopping.ids),
	}
}

func sortedKeys(m map[string]watchEntry) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (t *Tracker) watch(set *watchSet, region string, ids []string) {
	if len(ids) == 0 {
		return
	}
	t.mu.Lock()
	now := time.Now()
	for _, id := range ids {
		set.ids[id] = watchEntry{region: region, since: now}
	}
	watched.WithLabelValues(set.name).Set(float64(len(set.ids)))
	ctx := t.loopCtx
	t.mu.Unlock()

	t.loop.Start(ctx)
}

func (t *Tracker) sets() []*watchSet {
	return []*watchSet{t.pending, t.starting, t.stopping}
}

// poll refreshes every watched id, one batched refresh per region, and
// drops the ids that reached the status their set waits for.
func (t *Tracker) poll(ctx context.Context) error {
	byRegion := map[string][]string{}
	t.mu.Lock()
	for _, set := range t.sets() {
		for id, e := range set.ids {
			if !slices.Contains(byRegion[e.region], id) {
				byRegion[e.region] = append(byRegion[e.region], id)
			}
		}
	}
	t.mu.Unlock()
	if len(byRegion) == 0 {
		return schedule.ErrStop
	}

	var firstErr error
	rows := map[string]model.Instance{}
	for region, ids := range byRegion {
		refreshed, err := t.syncer.RefreshIDs(ctx, region, ids)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, r := range refreshed {
			rows[r.ID] = r
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for _, set := range t.sets() {
		var settled []string
		for id, e := range set.ids {
			inst, ok := rows[id]
			switch {
			case ok && set.until(inst):
				settled = append(settled, id)
			case ok && inst.Status.IsTerminal():
				t.logger.Info().Str("instance", id).Str("status", inst.Status.String()).Str("set", set.name).Msg("watched instance reached a terminal status")
				settled = append(settled, id)
			case now.Sub(e.since) > t.cfg.WatchTimeout:
				t.logger.Warn().Str("instance", id).Str("set", set.name).Msg("giving up waiting for instance to settle")
				settled = append(settled, id)
			}
		}
		for _, id := range settled {
			delete(set.ids, id)
			if inst, ok := rows[id]; ok {
				t.emit(ctx, events.KindSettled, []string{id}, inst.Status, inst.Region, nil)
			}
		}
		watched.WithLabelValues(set.name).Set(float64(len(set.ids)))
	}

	for _, set := range t.sets() {
		if len(set.ids) > 0 {
			return firstErr
		}
	}
	return schedule.ErrStop
}

func (t *Tracker) emit(ctx context.Context, kind string, ids []string, status model.InstanceStatus, region string, err error) {
	ev := events.Event{Kind: kind, IDs: ids, Status: status, Region: region}
	if err != nil {
		ev.Error = err.Error()
	}
	if perr := t.events.Publish(ctx, ev); perr != nil {
		t.logger.Debug().Err(perr).Str("kind", kind).Msg("publish event")
	}
}

func record(op string, err error) {
	result := "success"
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		result = "invalid"
	case err != nil:
		result = "error"
	}
	operationsTotal.WithLabelValues(op, result).Inc()
}

// rollback undoes a transient status written by SwapStatus after the remote
// call failed. Rows with a captured status get it back. For ids without one,
// the remote is asked once, bounded by RollbackLookupTimeout; whatever it
// reports is cached, and a row it cannot account for is set to UNKNOWN.
func (t *Tracker) rollback(ctx context.Context, svc cloud.Service, region string, ids []string, captured map[string]model.InstanceStatus) {
	restore := map[string]model.InstanceStatus{}
	var missing []string
	for _, id := range ids {
		if st, ok := captured[id]; ok {
			restore[id] = st
		} else {
			missing = append(missing, id)
		}
	}

	// The caller's context may already be cancelled; the rollback must still
	// reach the store.
	ctx = context.WithoutCancel(ctx)
	if err := t.store.RestoreStatuses(ctx, restore); err != nil {
		t.logger.Error().Err(err).Strs("instances", ids).Msg("restore captured statuses")
	}
	if len(missing) == 0 {
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, t.cfg.RollbackLookupTimeout)
	defer cancel()
	found := map[string]bool{}
	page, err := svc.ListInstances(lookupCtx, cloud.InstanceQuery{Region: region, IDs: missing})
	if err == nil {
		var records []model.InstanceRecord
		for _, inst := range page.Instances {
			found[inst.ID] = true
			records = append(records, reconcile.Merge(inst))
		}
		if err := t.store.UpsertInstances(ctx, records); err != nil {
			t.logger.Error().Err(err).Msg("cache rollback lookup")
		}
	} else {
		t.logger.Warn().Err(err).Strs("instances", missing).Msg("rollback lookup failed")
	}

	for _, id := range missing {
		if found[id] {
			continue
		}
		err := t.store.UpdateInstanceStatus(ctx, id, model.StatusUnknown, nil)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			t.logger.Error().Err(err).Str("instance", id).Msg("mark instance unknown")
		default:
			t.logger.Warn().Str("instance", id).Msg("instance status unknown after failed command")
		}
	}
}
