package tracker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/events"
	"github.com/edvin/vmcache/internal/model"
)

// Disk types tried, in order, when the requested one is not offered.
var diskFallbackOrder = []string{"CLOUD_PREMIUM", "CLOUD_SSD", "CLOUD_BSSD", "CLOUD_HSSD"}

// CreateRequest describes new instances. Zero fields are filled from the
// stored instance template.
type CreateRequest struct {
	Name            string `json:"name"`
	Region          string `json:"region"`
	Zone            string `json:"zone"`
	ImageID         string `json:"image_id"`
	InstanceType    string `json:"instance_type"`
	CPU             int    `json:"cpu"`
	Memory          int    `json:"memory"`
	Password        string `json:"password"`
	DiskType        string `json:"disk_type"`
	DiskSize        int    `json:"disk_size"`
	Bandwidth       int    `json:"bandwidth"`
	BandwidthCharge string `json:"bandwidth_charge"`
	Count           int    `json:"count"`
}

type CreateResult struct {
	IDs          []string `json:"ids"`
	Region       string   `json:"region"`
	Zone         string   `json:"zone"`
	ImageID      string   `json:"image_id"`
	InstanceType string   `json:"instance_type"`
	DiskType     string   `json:"disk_type"`
	Warnings     []string `json:"warnings,omitempty"`
}

func (r CreateResult) TaskWarnings() []string { return r.Warnings }

// applyTemplate fills unset request fields from the stored settings.
func applyTemplate(req CreateRequest, s model.Settings) CreateRequest {
	tpl := s.Template
	if req.Region == "" {
		req.Region = s.DefaultRegion
	}
	if req.Zone == "" {
		req.Zone = tpl.Zone
	}
	if req.ImageID == "" {
		req.ImageID = tpl.ImageID
	}
	if req.CPU == 0 {
		req.CPU = tpl.CPU
	}
	if req.Memory == 0 {
		req.Memory = tpl.Memory
	}
	if req.Password == "" {
		req.Password = tpl.Password
	}
	if req.DiskType == "" {
		req.DiskType = tpl.DiskType
	}
	if req.DiskSize == 0 {
		req.DiskSize = tpl.DiskSize
	}
	if req.Bandwidth == 0 {
		req.Bandwidth = tpl.Bandwidth
	}
	if req.BandwidthCharge == "" {
		req.BandwidthCharge = tpl.BandwidthCharge
	}
	if req.Count == 0 {
		req.Count = 1
	}
	return req
}

func validateCreate(req CreateRequest) error {
	if req.Region == "" {
		return invalid("region is required")
	}
	if req.CPU <= 0 || req.Memory <= 0 {
		return invalid("cpu and memory must be positive")
	}
	if req.Count < 1 || req.Count > 100 {
		return invalid("count must be between 1 and 100")
	}
	if req.Password == "" {
		return invalid("password is required")
	}
	return ValidatePassword(req.Password)
}

// Create launches new instances. An unsupported disk type is retried with
// the other known disk types, and a region without capacity is retried in
// every other region. The new ids are cached as PENDING and polled until
// they run.
func (t *Tracker) Create(ctx context.Context, req CreateRequest) (res CreateResult, err error) {
	defer func() { record("create", err) }()

	settings, err := t.store.GetSettings(ctx)
	if err != nil {
		return res, fmt.Errorf("create: load settings: %w", err)
	}
	req = applyTemplate(req, settings)
	if err := validateCreate(req); err != nil {
		return res, err
	}

	svc, _, err := t.syncer.Client(ctx)
	if err != nil {
		return res, &OperationError{Op: "create", Err: err}
	}

	spec, err := t.resolve(ctx, svc, req, false, &res.Warnings)
	if err != nil {
		return res, err
	}
	ids, err := t.createWithDiskFallback(ctx, svc, &spec, &res.Warnings)
	if err != nil && cloud.IsKind(err, cloud.KindCapacity) {
		t.logger.Warn().Err(err).Str("region", spec.Region).Msg("region has no capacity, trying other regions")
		spec, ids, err = t.createElsewhere(ctx, svc, req, err, &res.Warnings)
	}
	if err != nil {
		return res, &OperationError{Op: "create", Err: err}
	}
	if len(ids) == 0 {
		return res, &OperationError{Op: "create", Err: errors.New("remote returned no instance ids")}
	}

	records := make([]model.InstanceRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, model.InstanceRecord{
			ID:           id,
			Name:         spec.Name,
			Status:       model.StatusPending,
			Region:       spec.Region,
			Zone:         spec.Zone,
			InstanceType: spec.InstanceType,
			ImageID:      spec.ImageID,
			CPU:          spec.CPU,
			Memory:       spec.Memory,
		})
	}
	if err := t.store.UpsertInstances(ctx, records); err != nil {
		return res, fmt.Errorf("create: cache new instances: %w", err)
	}
	t.watch(t.pending, spec.Region, ids)
	t.emit(ctx, events.KindCreated, ids, model.StatusPending, spec.Region, nil)
	t.logger.Info().Strs("instances", ids).Str("region", spec.Region).Str("type", spec.InstanceType).Msg("instances created")

	res.IDs = ids
	res.Region = spec.Region
	res.Zone = spec.Zone
	res.ImageID = spec.ImageID
	res.InstanceType = spec.InstanceType
	res.DiskType = spec.DiskType
	return res, nil
}

// resolve turns a request into a concrete launch spec for req.Region. A
// fallback resolution only keeps the image when the region offers it.
func (t *Tracker) resolve(ctx context.Context, svc cloud.Service, req CreateRequest, fallback bool, warnings *[]string) (cloud.CreateSpec, error) {
	zone, err := t.resolveZone(ctx, svc, req.Region, req.Zone, warnings)
	if err != nil {
		return cloud.CreateSpec{}, err
	}
	image, err := t.resolveImage(ctx, svc, req.Region, req.ImageID, fallback, warnings)
	if err != nil {
		return cloud.CreateSpec{}, err
	}
	instanceType, cpu, memory := req.InstanceType, req.CPU, req.Memory
	if instanceType == "" {
		types, err := svc.ListInstanceTypes(ctx, req.Region, zone)
		if err != nil {
			return cloud.CreateSpec{}, &OperationError{Op: "create", Err: err}
		}
		it, ok := PickInstanceType(types, req.CPU, req.Memory)
		if !ok {
			return cloud.CreateSpec{}, invalid("no instance type with at least %d CPU and %d GB memory in %s", req.CPU, req.Memory, zone)
		}
		instanceType, cpu, memory = it.Name, it.CPU, it.Memory
	}

	return cloud.CreateSpec{
		Region:          req.Region,
		Zone:            zone,
		Name:            req.Name,
		InstanceType:    instanceType,
		ImageID:         image,
		CPU:             cpu,
		Memory:          memory,
		Password:        req.Password,
		DiskType:        req.DiskType,
		DiskSize:        req.DiskSize,
		Bandwidth:       req.Bandwidth,
		BandwidthCharge: req.BandwidthCharge,
		Count:           req.Count,
	}, nil
}

func (t *Tracker) resolveZone(ctx context.Context, svc cloud.Service, region, zone string, warnings *[]string) (string, error) {
	zones := t.store.ListZones(ctx, region)
	if len(zones) == 0 {
		var err error
		zones, err = svc.ListZones(ctx, region)
		if err != nil {
			return "", &OperationError{Op: "create", Err: err}
		}
	}
	if len(zones) == 0 {
		return "", invalid("region %s has no zones", region)
	}

	if zone != "" {
		for _, z := range zones {
			if z.Code == zone {
				return zone, nil
			}
		}
	}

	pick := zones[0].Code
	for _, z := range zones {
		if z.State == model.RegionAvailable {
			pick = z.Code
			break
		}
	}
	if zone != "" {
		msg := fmt.Sprintf("zone %s is not in region %s, using %s", zone, region, pick)
		t.logger.Warn().Str("zone", zone).Str("region", region).Str("using", pick).Msg("configured zone not in region")
		*warnings = append(*warnings, msg)
	}
	return pick, nil
}

// resolveImage returns imageID, or the first public image of region when it
// is empty. With mustExist set, an imageID the region does not list is also
// replaced by the first public image.
func (t *Tracker) resolveImage(ctx context.Context, svc cloud.Service, region, imageID string, mustExist bool, warnings *[]string) (string, error) {
	images := t.store.ListImages(ctx, region, model.ImagePublic)
	if len(images) == 0 {
		var err error
		images, err = svc.ListImages(ctx, cloud.ImageQuery{Region: region, Type: model.ImagePublic, Limit: cloud.MaxPageSize})
		if err != nil {
			if imageID != "" && !mustExist {
				return imageID, nil
			}
			return "", &OperationError{Op: "create", Err: err}
		}
	}
	if imageID != "" {
		if !mustExist || slices.ContainsFunc(images, func(img model.Image) bool { return img.ID == imageID }) {
			return imageID, nil
		}
	}
	if len(images) == 0 {
		return "", invalid("no public image available in %s", region)
	}
	if imageID != "" {
		*warnings = append(*warnings, fmt.Sprintf("image %s is not available in %s, using %s", imageID, region, images[0].ID))
	}
	return images[0].ID, nil
}

// PickInstanceType returns the offered type closest to the requested size
// with at least the requested CPU and memory. An exact match always wins.
func PickInstanceType(types []cloud.InstanceType, cpu, memory int) (cloud.InstanceType, bool) {
	var candidates []cloud.InstanceType
	for _, it := range types {
		if it.CPU >= cpu && it.Memory >= memory {
			candidates = append(candidates, it)
		}
	}
	if len(candidates) == 0 {
		return cloud.InstanceType{}, false
	}
	distance := func(it cloud.InstanceType) int {
		dc, dm := it.CPU-cpu, it.Memory-memory
		return dc*dc + dm*dm
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := distance(candidates[i]), distance(candidates[j])
		if di != dj {
			return di < dj
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates[0], true
}

// createWithDiskFallback calls the remote create and, when the disk type is
// rejected, retries with every known disk type not tried yet. If all of them
// are rejected the first error is returned. spec.DiskType is updated to the
// type that succeeded.
func (t *Tracker) createWithDiskFallback(ctx context.Context, svc cloud.Service, spec *cloud.CreateSpec, warnings *[]string) ([]string, error) {
	ids, err := svc.CreateInstances(ctx, *spec)
	if err == nil || !cloud.IsKind(err, cloud.KindUnsupportedDiskType) {
		return ids, err
	}

	original := err
	tried := []string{spec.DiskType}
	for _, dt := range diskFallbackOrder {
		if slices.Contains(tried, dt) {
			continue
		}
		tried = append(tried, dt)

		*warnings = append(*warnings, fmt.Sprintf("disk type %s is not available in %s, trying %s", spec.DiskType, spec.Zone, dt))
		t.logger.Warn().Str("from", spec.DiskType).Str("to", dt).Str("zone", spec.Zone).Msg("falling back to another disk type")

		attempt := *spec
		attempt.DiskType = dt
		ids, err = svc.CreateInstances(ctx, attempt)
		if err == nil {
			spec.DiskType = dt
			return ids, nil
		}
		if !cloud.IsKind(err, cloud.KindUnsupportedDiskType) {
			return nil, err
		}
	}
	t.logger.Warn().Strs("tried", tried).Msg("no disk type accepted")
	return nil, original
}

// createElsewhere retries a creation that ran out of capacity in every other
// available region. Zone and image are resolved again per region; the
// original region's zone cannot apply there. Regions tried here do not fan
// out further.
func (t *Tracker) createElsewhere(ctx context.Context, svc cloud.Service, req CreateRequest, cause error, warnings *[]string) (cloud.CreateSpec, []string, error) {
	regions, err := svc.ListRegions(ctx)
	if err != nil {
		return cloud.CreateSpec{}, nil, fmt.Errorf("%w: list regions: %w", ErrNoCapacity, err)
	}

	lastErr := cause
	for _, r := range regions {
		if r.Code == req.Region || r.State == model.RegionUnavailable {
			continue
		}
		alt := req
		alt.Region = r.Code
		alt.Zone = ""
		alt.InstanceType = ""

		var local []string
		spec, err := t.resolve(ctx, svc, alt, true, &local)
		if err == nil {
			var ids []string
			ids, err = t.createWithDiskFallback(ctx, svc, &spec, &local)
			if err == nil {
				*warnings = append(*warnings, local...)
				*warnings = append(*warnings, fmt.Sprintf("region %s has no capacity, created in %s instead", req.Region, r.Code))
				return spec, ids, nil
			}
		}
		t.logger.Warn().Err(err).Str("region", r.Code).Msg("fallback region failed")
		lastErr = err
	}
	return cloud.CreateSpec{}, nil, fmt.Errorf("%w: %w", ErrNoCapacity, lastErr)
}

// PriceRequest asks for the cost of a prospective instance.
type PriceRequest = CreateRequest

// QueryPrice asks the remote for the price of the instances req would create.
func (t *Tracker) QueryPrice(ctx context.Context, req PriceRequest) (price cloud.Price, err error) {
	defer func() { record("price", err) }()

	settings, err := t.store.GetSettings(ctx)
	if err != nil {
		return price, fmt.Errorf("price: load settings: %w", err)
	}
	req = applyTemplate(req, settings)
	if req.Region == "" || req.CPU <= 0 || req.Memory <= 0 {
		return price, invalid("region, cpu and memory are required")
	}

	svc, _, err := t.syncer.Client(ctx)
	if err != nil {
		return price, &OperationError{Op: "price", Err: err}
	}
	var ignored []string
	spec, err := t.resolve(ctx, svc, req, false, &ignored)
	if err != nil {
		return price, err
	}
	price, err = svc.QueryPrice(ctx, spec)
	if err != nil {
		return price, &OperationError{Op: "price", Err: err}
	}
	return price, nil
}
