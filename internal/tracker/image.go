package tracker

import (
	"context"
	"fmt"
	"slices"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/events"
	"github.com/edvin/vmcache/internal/model"
)

// ImageRequest snapshots a cached instance into a private image.
type ImageRequest struct {
	InstanceID  string `json:"instance_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ImageResult struct {
	ImageID  string   `json:"image_id"`
	Region   string   `json:"region"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r ImageResult) TaskWarnings() []string { return r.Warnings }

// CreateImage asks the remote for a custom image of one instance and then
// reloads the private image list of its region, so the new image can be
// picked for creates straight away.
func (t *Tracker) CreateImage(ctx context.Context, req ImageRequest) (res ImageResult, err error) {
	defer func() { record("create_image", err) }()

	if req.InstanceID == "" || req.Name == "" {
		return res, invalid("instance id and image name are required")
	}
	rows, err := t.store.LookupInstances(ctx, []string{req.InstanceID})
	if err != nil {
		return res, fmt.Errorf("create image: load instance: %w", err)
	}
	if len(rows) == 0 {
		return res, invalid("instance %s is not cached", req.InstanceID)
	}

	svc, defaultRegion, err := t.syncer.Client(ctx)
	if err != nil {
		return res, &OperationError{Op: "create_image", IDs: []string{req.InstanceID}, Err: err}
	}
	region := rows[0].Region
	if region == "" {
		region = defaultRegion
	}

	imageID, err := svc.CreateImage(ctx, cloud.ImageSpec{
		Region:      region,
		InstanceID:  req.InstanceID,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		return res, &OperationError{Op: "create_image", IDs: []string{req.InstanceID}, Err: err}
	}
	res.ImageID, res.Region = imageID, region
	t.emit(ctx, events.KindImageCreated, []string{req.InstanceID}, "", region, nil)
	t.logger.Info().Str("instance", req.InstanceID).Str("image", imageID).Str("region", region).Msg("image created")

	images, err := svc.ListImages(ctx, cloud.ImageQuery{Region: region, Type: model.ImagePrivate, Limit: cloud.MaxPageSize})
	if err != nil {
		t.logger.Warn().Err(err).Str("region", region).Msg("listing private images failed")
		res.Warnings = append(res.Warnings, "image was created but the private image list could not be refreshed: "+cloud.Summary(err))
		return res, nil
	}
	// A freshly registered image may not be listed yet.
	if !slices.ContainsFunc(images, func(img model.Image) bool { return img.ID == imageID }) {
		images = append(images, model.Image{ID: imageID, Region: region, Name: req.Name, Type: model.ImagePrivate})
	}
	if err := t.store.ReplaceImages(ctx, region, model.ImagePrivate, images); err != nil {
		return res, fmt.Errorf("create image: cache private images: %w", err)
	}
	return res, nil
}
