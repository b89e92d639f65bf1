package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edvin/vmcache/internal/model"
)

// ReplaceRegions replaces the whole region table.
func (s *Store) ReplaceRegions(ctx context.Context, regions []model.Region) error {
	return s.Tx(ctx, "replace_regions", func(w *Writer) error {
		return w.ReplaceRegions(ctx, regions)
	})
}

func (w *Writer) ReplaceRegions(ctx context.Context, regions []model.Region) error {
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM regions`); err != nil {
		return fmt.Errorf("replace regions: %w", err)
	}
	for _, r := range regions {
		_, err := w.tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO regions (region, region_name, region_state, updated_at) VALUES (?, ?, ?, ?)`,
			r.Code, r.Name, r.State, w.stamp)
		if err != nil {
			return fmt.Errorf("replace regions: insert %s: %w", r.Code, err)
		}
	}
	return nil
}

// ReplaceZones replaces the zones of one region. Other regions' zones are
// left untouched.
func (s *Store) ReplaceZones(ctx context.Context, region string, zones []model.Zone) error {
	return s.Tx(ctx, "replace_zones", func(w *Writer) error {
		return w.ReplaceZones(ctx, region, zones)
	})
}

func (w *Writer) ReplaceZones(ctx context.Context, region string, zones []model.Zone) error {
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM zones WHERE region = ?`, region); err != nil {
		return fmt.Errorf("replace zones %s: %w", region, err)
	}
	for _, z := range zones {
		_, err := w.tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO zones (zone, region, zone_name, zone_state, updated_at) VALUES (?, ?, ?, ?, ?)`,
			z.Code, region, z.Name, z.State, w.stamp)
		if err != nil {
			return fmt.Errorf("replace zones %s: insert %s: %w", region, z.Code, err)
		}
	}
	return nil
}

// ReplaceImages replaces the images of one (region, type) pair.
func (s *Store) ReplaceImages(ctx context.Context, region, imageType string, images []model.Image) error {
	return s.Tx(ctx, "replace_images", func(w *Writer) error {
		return w.ReplaceImages(ctx, region, imageType, images)
	})
}

func (w *Writer) ReplaceImages(ctx context.Context, region, imageType string, images []model.Image) error {
	_, err := w.tx.ExecContext(ctx, `DELETE FROM images WHERE region = ? AND image_type = ?`, region, imageType)
	if err != nil {
		return fmt.Errorf("replace images %s/%s: %w", region, imageType, err)
	}
	for _, img := range images {
		_, err := w.tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO images (image_id, region, image_name, image_type, platform, created_time, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			img.ID, region, img.Name, imageType, img.Platform, nullTime(img.CreatedTime), w.stamp)
		if err != nil {
			return fmt.Errorf("replace images %s/%s: insert %s: %w", region, imageType, img.ID, err)
		}
	}
	return nil
}

// RegionData is the reference data fetched for one region during a preload.
type RegionData struct {
	Region string
	Zones  []model.Zone
	Images []model.Image
}

// BatchSync writes the region table and the zones and public images of every
// given region in one transaction.
func (s *Store) BatchSync(ctx context.Context, regions []model.Region, data []RegionData) error {
	return s.Tx(ctx, "batch_sync", func(w *Writer) error {
		if err := w.ReplaceRegions(ctx, regions); err != nil {
			return err
		}
		for _, d := range data {
			if err := w.ReplaceZones(ctx, d.Region, d.Zones); err != nil {
				return err
			}
			if err := w.ReplaceImages(ctx, d.Region, model.ImagePublic, d.Images); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRegions returns the cached regions, or an empty slice while a write
// holds the lock.
func (s *Store) ListRegions(ctx context.Context) []model.Region {
	out := []model.Region{}
	s.tryRead("regions", func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT region, region_name, region_state FROM regions ORDER BY region`)
		if err != nil {
			return fmt.Errorf("list regions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r model.Region
			if err := rows.Scan(&r.Code, &r.Name, &r.State); err != nil {
				return fmt.Errorf("list regions: %w", err)
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out
}

// ListZones returns the cached zones of region.
func (s *Store) ListZones(ctx context.Context, region string) []model.Zone {
	out := []model.Zone{}
	s.tryRead("zones", func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT zone, region, zone_name, zone_state FROM zones WHERE region = ? ORDER BY zone`, region)
		if err != nil {
			return fmt.Errorf("list zones: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var z model.Zone
			if err := rows.Scan(&z.Code, &z.Region, &z.Name, &z.State); err != nil {
				return fmt.Errorf("list zones: %w", err)
			}
			out = append(out, z)
		}
		return rows.Err()
	})
	return out
}

// ListImages returns the cached images of one (region, type) pair. An empty
// imageType returns every type.
func (s *Store) ListImages(ctx context.Context, region, imageType string) []model.Image {
	out := []model.Image{}
	s.tryRead("images", func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT image_id, region, image_name, image_type, platform, created_time FROM images
			 WHERE region = ? AND (? = '' OR image_type = ?) ORDER BY image_name, image_id`,
			region, imageType, imageType)
		if err != nil {
			return fmt.Errorf("list images: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				img     model.Image
				created sql.NullString
			)
			if err := rows.Scan(&img.ID, &img.Region, &img.Name, &img.Type, &img.Platform, &created); err != nil {
				return fmt.Errorf("list images: %w", err)
			}
			img.CreatedTime = parseTime(created)
			out = append(out, img)
		}
		return rows.Err()
	})
	return out
}
