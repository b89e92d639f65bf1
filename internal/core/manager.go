// Package core wires the store, reconciliation, the transition tracker and
// preload into the single surface front ends talk to. Reads are local and
// never block on a write; commands run as tasks and return handles.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/model"
	"github.com/edvin/vmcache/internal/preload"
	"github.com/edvin/vmcache/internal/reconcile"
	"github.com/edvin/vmcache/internal/schedule"
	"github.com/edvin/vmcache/internal/store"
	"github.com/edvin/vmcache/internal/task"
	"github.com/edvin/vmcache/internal/tracker"
)

var instancesByStatus = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "vmcache_instances",
		Help: "Live cached instances by status, as of the last local refresh",
	},
	[]string{"status"},
)

// ErrCredentialsRejected wraps the remote error when new credentials fail
// validation. Nothing is saved in that case.
var ErrCredentialsRejected = errors.New("credentials rejected")

const validateTimeout = 10 * time.Second

// Config holds the timer intervals. Zero values fall back to the defaults.
type Config struct {
	ResyncInterval       time.Duration
	LocalRefreshInterval time.Duration
	PreloadOnStart       bool
}

func (c Config) withDefaults() Config {
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = time.Minute
	}
	if c.LocalRefreshInterval <= 0 {
		c.LocalRefreshInterval = 4 * time.Second
	}
	return c
}

// Snapshot is the instance list as of the last successful local refresh.
type Snapshot struct {
	Instances []model.Instance `json:"instances"`
	Counts    map[string]int   `json:"counts"`
	At        time.Time        `json:"at"`
}

type Manager struct {
	store   *store.Store
	syncer  *reconcile.Syncer
	tracker *tracker.Tracker
	preload *preload.Orchestrator
	tasks   *task.Runner
	logger  zerolog.Logger
	cfg     Config

	resync  *schedule.Loop
	refresh *schedule.Loop

	mu       sync.RWMutex
	snapshot Snapshot
}

func New(
	st *store.Store,
	syncer *reconcile.Syncer,
	tr *tracker.Tracker,
	pre *preload.Orchestrator,
	tasks *task.Runner,
	logger zerolog.Logger,
	cfg Config,
) *Manager {
	m := &Manager{
		store:    st,
		syncer:   syncer,
		tracker:  tr,
		preload:  pre,
		tasks:    tasks,
		logger:   logger.With().Str("component", "manager").Logger(),
		cfg:      cfg.withDefaults(),
		snapshot: Snapshot{Instances: []model.Instance{}, Counts: map[string]int{}},
	}
	m.resync = schedule.New("remote_resync", m.cfg.ResyncInterval, m.resyncOnce, schedule.WithLogger(m.logger))
	m.refresh = schedule.New("local_refresh", m.cfg.LocalRefreshInterval, m.refreshOnce,
		schedule.WithImmediate(), schedule.WithLogger(m.logger))
	return m
}

// Run binds the tracker to ctx and starts the resync and refresh timers.
// With PreloadOnStart a preload task is launched as well.
func (m *Manager) Run(ctx context.Context) {
	m.tracker.Bind(ctx)
	m.refresh.Start(ctx)
	m.resync.Start(ctx)

	if m.cfg.PreloadOnStart {
		m.Preload().OnError(func(err error) {
			m.logger.Warn().Err(err).Msg("startup preload failed")
		})
	}
}

// Close halts the timers and the tracker's watch loop. Tasks are owned by the
// runner and shut down separately.
func (m *Manager) Close() {
	m.resync.Stop()
	m.refresh.Stop()
	m.tracker.Close()
}

func (m *Manager) resyncOnce(ctx context.Context) error {
	_, err := m.syncer.FullSync(ctx)
	if cloud.IsKind(err, cloud.KindAuth) {
		// Nothing to sync until credentials are configured.
		return nil
	}
	if err == nil {
		m.refreshOnce(ctx)
	}
	return err
}

func (m *Manager) refreshOnce(ctx context.Context) error {
	instances, ok := m.store.TryListInstances(ctx)
	if !ok {
		return nil
	}

	counts := make(map[string]int)
	for _, inst := range instances {
		counts[inst.Status.String()]++
	}
	instancesByStatus.Reset()
	for status, n := range counts {
		instancesByStatus.WithLabelValues(status).Set(float64(n))
	}

	m.mu.Lock()
	m.snapshot = Snapshot{Instances: instances, Counts: counts, At: time.Now()}
	m.mu.Unlock()
	return nil
}

// Snapshot returns the last refreshed instance list. It never touches the
// store.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

func (m *Manager) ListInstances(ctx context.Context) []model.Instance {
	return m.store.ListInstances(ctx)
}

func (m *Manager) GetInstances(ctx context.Context, ids []string) []model.Instance {
	return m.store.GetInstances(ctx, ids)
}

func (m *Manager) ListRegions(ctx context.Context) []model.Region {
	return m.store.ListRegions(ctx)
}

func (m *Manager) ListZones(ctx context.Context, region string) []model.Zone {
	return m.store.ListZones(ctx, region)
}

func (m *Manager) ListImages(ctx context.Context, region, imageType string) []model.Image {
	return m.store.ListImages(ctx, region, imageType)
}

func (m *Manager) Settings(ctx context.Context) (model.Settings, error) {
	return m.store.GetSettings(ctx)
}

// UpdateSettings stores patch. New complete credentials are checked against
// the remote first and rejected credentials are not saved. A change to the
// credentials or the default region schedules a resync so the cache follows
// the new account.
func (m *Manager) UpdateSettings(ctx context.Context, patch model.SettingsPatch) (model.Settings, error) {
	before, err := m.store.GetSettings(ctx)
	if err != nil {
		return model.Settings{}, err
	}
	if creds := patch.Apply(before).Credentials(); creds != before.Credentials() && creds.Complete() {
		if err := m.ValidateCredentials(ctx, creds); err != nil {
			return model.Settings{}, err
		}
	}
	after, err := m.store.UpdateSettings(ctx, patch)
	if err != nil {
		return model.Settings{}, err
	}
	if before.Credentials() != after.Credentials() && after.Credentials().Complete() {
		m.logger.Info().Str("region", after.DefaultRegion).Msg("credentials changed, scheduling resync")
		m.Resync()
	}
	return after, nil
}

// ValidateCredentials makes one authenticated remote call with creds, or
// with the stored credentials when creds is incomplete.
func (m *Manager) ValidateCredentials(ctx context.Context, creds model.Credentials) error {
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	syncer := m.syncer
	if creds.Complete() {
		syncer = syncer.WithCredentials(creds)
	}
	svc, _, err := syncer.Client(ctx)
	if err == nil {
		err = svc.ValidateCredentials(ctx)
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("region", creds.Region).Msg("credential validation failed")
		return fmt.Errorf("%w: %w", ErrCredentialsRejected, err)
	}
	return nil
}

// Ping reports whether the cache file is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// Watching returns the ids the tracker is polling.
func (m *Manager) Watching() tracker.WatchSnapshot {
	return m.tracker.Watching()
}

func (m *Manager) Tasks() []task.Info {
	return m.tasks.List()
}

func (m *Manager) Task(id string) (task.Info, bool) {
	return m.tasks.Get(id)
}

// refreshAfter updates the snapshot once a command has written to the store.
func refreshAfter[T any](m *Manager, h *task.Handle[T]) *task.Handle[T] {
	return h.OnSuccess(func(T) { m.refreshOnce(context.Background()) })
}

func (m *Manager) Start(ids []string) *task.Handle[tracker.Result] {
	return refreshAfter(m, task.Go(m.tasks, "start", func(ctx context.Context) (tracker.Result, error) {
		return m.tracker.Start(ctx, ids)
	}))
}

func (m *Manager) Stop(ids []string, force bool) *task.Handle[tracker.Result] {
	return refreshAfter(m, task.Go(m.tasks, "stop", func(ctx context.Context) (tracker.Result, error) {
		return m.tracker.Stop(ctx, ids, force)
	}))
}

func (m *Manager) Terminate(ids []string) *task.Handle[tracker.Result] {
	return refreshAfter(m, task.Go(m.tasks, "terminate", func(ctx context.Context) (tracker.Result, error) {
		return m.tracker.Terminate(ctx, ids)
	}))
}

func (m *Manager) ResetPassword(ids []string, password string) *task.Handle[tracker.Result] {
	return refreshAfter(m, task.Go(m.tasks, "reset_password", func(ctx context.Context) (tracker.Result, error) {
		return m.tracker.ResetPassword(ctx, ids, password)
	}))
}

func (m *Manager) Create(req tracker.CreateRequest) *task.Handle[tracker.CreateResult] {
	return refreshAfter(m, task.Go(m.tasks, "create", func(ctx context.Context) (tracker.CreateResult, error) {
		return m.tracker.Create(ctx, req)
	}))
}

func (m *Manager) QueryPrice(req tracker.PriceRequest) *task.Handle[cloud.Price] {
	return task.Go(m.tasks, "query_price", func(ctx context.Context) (cloud.Price, error) {
		return m.tracker.QueryPrice(ctx, req)
	})
}

// CreateImage snapshots an instance; the region's private image list is
// reloaded when the task succeeds.
func (m *Manager) CreateImage(req tracker.ImageRequest) *task.Handle[tracker.ImageResult] {
	return task.Go(m.tasks, "create_image", func(ctx context.Context) (tracker.ImageResult, error) {
		return m.tracker.CreateImage(ctx, req)
	})
}

func (m *Manager) RunCommand(req tracker.CommandRequest) *task.Handle[tracker.CommandResult] {
	return task.Go(m.tasks, "run_command", func(ctx context.Context) (tracker.CommandResult, error) {
		return m.tracker.RunCommand(ctx, req)
	})
}

func (m *Manager) ListInvocations(q tracker.InvocationQuery) *task.Handle[[]cloud.Invocation] {
	return task.Go(m.tasks, "list_invocations", func(ctx context.Context) ([]cloud.Invocation, error) {
		return m.tracker.ListInvocations(ctx, q)
	})
}

// Resync runs one full remote sync outside the timer.
func (m *Manager) Resync() *task.Handle[reconcile.SyncResult] {
	return refreshAfter(m, task.Go(m.tasks, "resync", func(ctx context.Context) (reconcile.SyncResult, error) {
		return m.syncer.FullSync(ctx)
	}))
}

func (m *Manager) Preload() *task.Handle[preload.Report] {
	return refreshAfter(m, task.Go(m.tasks, "preload", m.preload.Run))
}
