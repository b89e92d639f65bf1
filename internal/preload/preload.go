// Package preload fills the cache with reference data for every region and
// a full instance listing, either in-process or through the helper process.
package preload

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/model"
	"github.com/edvin/vmcache/internal/reconcile"
	"github.com/edvin/vmcache/internal/store"
)

const (
	DefaultWorkers = 10
	imageLimit     = 100
)

// Delegate runs a whole preload somewhere else.
type Delegate interface {
	Preload(ctx context.Context, creds model.Credentials) error
}

type RegionReport struct {
	Region string `json:"region"`
	Zones  int    `json:"zones"`
	Images int    `json:"images"`
	Error  string `json:"error,omitempty"`
}

type Report struct {
	Mode      string         `json:"mode"`
	Regions   int            `json:"regions"`
	PerRegion []RegionReport `json:"per_region,omitempty"`
	Instances int            `json:"instances"`
	Duration  time.Duration  `json:"duration"`
	Message   string         `json:"message"`
}

// TaskWarnings reports the regions whose reference data could not be
// fetched.
func (r Report) TaskWarnings() []string {
	var out []string
	for _, rr := range r.PerRegion {
		if rr.Error != "" {
			out = append(out, fmt.Sprintf("region %s: %s", rr.Region, rr.Error))
		}
	}
	return out
}

func (r Report) failed() int {
	n := 0
	for _, rr := range r.PerRegion {
		if rr.Error != "" {
			n++
		}
	}
	return n
}

type Orchestrator struct {
	store    *store.Store
	factory  cloud.Factory
	syncer   *reconcile.Syncer
	workers  int
	delegate Delegate
	logger   zerolog.Logger
}

type Option func(*Orchestrator)

func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithDelegate hands every Run to d instead of preloading in-process.
func WithDelegate(d Delegate) Option {
	return func(o *Orchestrator) { o.delegate = d }
}

func New(st *store.Store, factory cloud.Factory, syncer *reconcile.Syncer, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   st,
		factory: factory,
		syncer:  syncer,
		workers: DefaultWorkers,
		logger:  logger.With().Str("component", "preload").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run preloads with the stored credentials.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	settings, err := o.store.GetSettings(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("preload: load settings: %w", err)
	}
	creds := settings.Credentials()

	if o.delegate != nil {
		start := time.Now()
		if err := o.delegate.Preload(ctx, creds); err != nil {
			return Report{Mode: "sidecar"}, fmt.Errorf("preload via helper: %w", err)
		}
		rep := Report{Mode: "sidecar", Duration: time.Since(start)}
		rep.Message = fmt.Sprintf("helper preload finished in %s", rep.Duration.Round(time.Millisecond))
		o.logger.Info().Dur("duration", rep.Duration).Msg("preload via helper complete")
		return rep, nil
	}
	return o.RunLocal(ctx, creds)
}

// RunLocal preloads in-process with creds. Reference data for all regions is
// fetched concurrently and written in one transaction; a region that fails
// is reported but does not stop the others. The instance listing runs last.
func (o *Orchestrator) RunLocal(ctx context.Context, creds model.Credentials) (Report, error) {
	start := time.Now()
	rep := Report{Mode: "local"}

	svc, err := o.factory(ctx, creds)
	if err != nil {
		return rep, fmt.Errorf("preload: %w", err)
	}
	regions, err := svc.ListRegions(ctx)
	if err != nil {
		return rep, fmt.Errorf("preload: list regions: %w", err)
	}
	rep.Regions = len(regions)

	var (
		mu   sync.Mutex
		data []store.RegionData
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, r := range regions {
		if r.Code == "" {
			continue
		}
		g.Go(func() error {
			d, err := o.fetchRegion(gctx, creds, r.Code)
			rr := RegionReport{Region: r.Code, Zones: len(d.Zones), Images: len(d.Images)}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				o.logger.Warn().Err(err).Str("region", r.Code).Msg("region preload failed")
				rr.Error = cloud.Summary(err)
			} else {
				data = append(data, d)
			}
			rep.PerRegion = append(rep.PerRegion, rr)
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(rep.PerRegion, func(i, j int) bool { return rep.PerRegion[i].Region < rep.PerRegion[j].Region })
	sort.Slice(data, func(i, j int) bool { return data[i].Region < data[j].Region })

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if err := o.store.BatchSync(ctx, regions, data); err != nil {
		return rep, fmt.Errorf("preload: write reference data: %w", err)
	}

	res, err := o.syncer.WithCredentials(creds).FullSync(ctx)
	if err != nil {
		return rep, fmt.Errorf("preload: sync instances: %w", err)
	}
	rep.Instances = res.Seen
	rep.Duration = time.Since(start)
	rep.Message = o.summary(rep, data)

	o.logger.Info().
		Int("regions", rep.Regions).
		Int("failed_regions", rep.failed()).
		Int("instances", rep.Instances).
		Dur("duration", rep.Duration).
		Msg("preload complete")
	return rep, nil
}

// fetchRegion loads zones and public images of one region with its own
// client.
func (o *Orchestrator) fetchRegion(ctx context.Context, creds model.Credentials, region string) (store.RegionData, error) {
	creds.Region = region
	svc, err := o.factory(ctx, creds)
	if err != nil {
		return store.RegionData{Region: region}, err
	}
	zones, err := svc.ListZones(ctx, region)
	if err != nil {
		return store.RegionData{Region: region}, fmt.Errorf("list zones: %w", err)
	}
	images, err := svc.ListImages(ctx, cloud.ImageQuery{Region: region, Type: model.ImagePublic, Limit: imageLimit})
	if err != nil {
		return store.RegionData{Region: region}, fmt.Errorf("list images: %w", err)
	}
	for i := range zones {
		zones[i].Region = region
	}
	for i := range images {
		images[i].Region = region
		images[i].Type = model.ImagePublic
	}
	return store.RegionData{Region: region, Zones: zones, Images: images}, nil
}

func (o *Orchestrator) summary(rep Report, data []store.RegionData) string {
	zones, images := 0, 0
	for _, d := range data {
		zones += len(d.Zones)
		images += len(d.Images)
	}
	msg := fmt.Sprintf("cached %s regions, %s zones, %s images and %s instances in %s",
		humanize.Comma(int64(rep.Regions)),
		humanize.Comma(int64(zones)),
		humanize.Comma(int64(images)),
		humanize.Comma(int64(rep.Instances)),
		rep.Duration.Round(time.Millisecond))
	if n := rep.failed(); n > 0 {
		msg += fmt.Sprintf(" (%d %s failed)", n, english.PluralWord(n, "region", ""))
	}
	return msg
}
