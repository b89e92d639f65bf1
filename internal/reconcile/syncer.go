// Package reconcile keeps the local instance cache aligned with the remote
// service.
package reconcile

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/model"
	"github.com/edvin/vmcache/internal/store"
)

var (
	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmcache_reconcile_duration_seconds",
			Help:    "Duration of reconciliation passes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	syncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmcache_reconcile_total",
			Help: "Reconciliation passes by kind and result",
		},
		[]string{"kind", "result"},
	)
)

const (
	kindFull    = "full"
	kindPartial = "partial"
)

// SyncResult summarises one full reconciliation pass.
type SyncResult struct {
	Regions  []string      `json:"regions"`
	Seen     int           `json:"seen"`
	Deleted  int64         `json:"deleted"`
	Duration time.Duration `json:"duration"`
}

type Syncer struct {
	store   *store.Store
	factory cloud.Factory
	logger  zerolog.Logger
	creds   *model.Credentials
}

func NewSyncer(st *store.Store, factory cloud.Factory, logger zerolog.Logger) *Syncer {
	return &Syncer{
		store:   st,
		factory: factory,
		logger:  logger.With().Str("component", "reconcile").Logger(),
	}
}

// WithCredentials returns a Syncer that uses creds instead of the stored
// settings. creds.Region is the default region.
func (s *Syncer) WithCredentials(creds model.Credentials) *Syncer {
	cp := *s
	cp.creds = &creds
	return &cp
}

// Client builds a remote client from the stored credentials. It returns the
// client together with the configured default region.
func (s *Syncer) Client(ctx context.Context) (cloud.Service, string, error) {
	if s.creds != nil {
		svc, err := s.factory(ctx, *s.creds)
		if err != nil {
			return nil, "", err
		}
		return svc, s.creds.Region, nil
	}
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("load settings: %w", err)
	}
	svc, err := s.factory(ctx, settings.Credentials())
	if err != nil {
		return nil, "", err
	}
	return svc, settings.DefaultRegion, nil
}

// FullSync lists every instance in the given regions, or in the default
// region plus every region that holds live rows when none are given. All
// pages are fetched before the store is touched: a failed fetch leaves the
// cache as it was. The write marks every row deleted, upserts the listing
// and soft-deletes anything left over, all in one transaction.
func (s *Syncer) FullSync(ctx context.Context, regions ...string) (SyncResult, error) {
	start := time.Now()
	res, err := s.fullSync(ctx, regions)
	res.Duration = time.Since(start)
	observe(kindFull, start, err)
	if err != nil {
		s.logger.Warn().Err(err).Strs("regions", res.Regions).Msg("full sync failed, keeping cached instances")
		return res, err
	}
	s.logger.Debug().
		Strs("regions", res.Regions).
		Int("seen", res.Seen).
		Int64("deleted", res.Deleted).
		Dur("duration", res.Duration).
		Msg("full sync complete")
	return res, nil
}

func (s *Syncer) fullSync(ctx context.Context, regions []string) (SyncResult, error) {
	svc, defaultRegion, err := s.Client(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	if len(regions) == 0 {
		regions, err = s.syncRegions(ctx, defaultRegion)
		if err != nil {
			return SyncResult{}, err
		}
	}
	res := SyncResult{Regions: regions}

	var remote []cloud.Instance
	for _, region := range regions {
		instances, err := ListAll(ctx, svc, region)
		if err != nil {
			return res, fmt.Errorf("list instances in %s: %w", region, err)
		}
		remote = append(remote, instances...)
	}

	records := mergeAll(remote)
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	res.Seen = len(records)

	err = s.store.Tx(ctx, "full_sync", func(w *store.Writer) error {
		missing, err := w.CountLiveMissing(ctx, ids)
		if err != nil {
			return err
		}
		if _, err := w.MarkAllDeleted(ctx); err != nil {
			return err
		}
		if err := w.UpsertInstances(ctx, records); err != nil {
			return err
		}
		if _, err := w.SoftDeleteMissing(ctx, ids); err != nil {
			return err
		}
		res.Deleted = missing
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("apply full sync: %w", err)
	}
	return res, nil
}

// syncRegions returns the default region followed by every other region
// that currently holds live instances.
func (s *Syncer) syncRegions(ctx context.Context, defaultRegion string) ([]string, error) {
	live, err := s.store.LiveRegions(ctx)
	if err != nil {
		return nil, err
	}
	regions := []string{defaultRegion}
	for _, r := range live {
		if r != "" && !slices.Contains(regions, r) {
			regions = append(regions, r)
		}
	}
	return regions, nil
}

// ListAll follows the listing cursor until the last page.
func ListAll(ctx context.Context, svc cloud.Service, region string) ([]cloud.Instance, error) {
	var (
		out    []cloud.Instance
		cursor string
	)
	for {
		page, err := svc.ListInstances(ctx, cloud.InstanceQuery{Region: region, Cursor: cursor, Limit: cloud.MaxPageSize})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Instances...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// RefreshIDs fetches the given instances in batches of at most
// cloud.MaxPageSize ids and upserts what came back. Instances the remote does
// not return are left untouched. It returns the cached rows after the merge.
func (s *Syncer) RefreshIDs(ctx context.Context, region string, ids []string) ([]model.Instance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	start := time.Now()
	rows, err := s.refreshIDs(ctx, region, ids)
	observe(kindPartial, start, err)
	if err != nil {
		s.logger.Warn().Err(err).Str("region", region).Int("ids", len(ids)).Msg("partial refresh failed")
	}
	return rows, err
}

func (s *Syncer) refreshIDs(ctx context.Context, region string, ids []string) ([]model.Instance, error) {
	svc, defaultRegion, err := s.Client(ctx)
	if err != nil {
		return nil, err
	}
	if region == "" {
		region = defaultRegion
	}

	var remote []cloud.Instance
	for chunk := range slices.Chunk(ids, cloud.MaxPageSize) {
		page, err := svc.ListInstances(ctx, cloud.InstanceQuery{Region: region, IDs: chunk})
		if err != nil {
			return nil, fmt.Errorf("describe %d instances in %s: %w", len(chunk), region, err)
		}
		remote = append(remote, page.Instances...)
	}

	if err := s.store.UpsertInstances(ctx, mergeAll(remote)); err != nil {
		return nil, err
	}
	return s.store.LookupInstances(ctx, ids)
}

func observe(kind string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	syncDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	syncTotal.WithLabelValues(kind, result).Inc()
}
