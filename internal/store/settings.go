package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/edvin/vmcache/internal/crypto"
	"github.com/edvin/vmcache/internal/model"
)

// ErrNotFound is returned when a write targets a row that does not exist.
var ErrNotFound = errors.New("not found")

const sealedPrefix = "sealed:"

// GetSettings returns the stored settings merged over the defaults. It does
// not take the write lock; in WAL mode readers see the last committed row.
func (s *Store) GetSettings(ctx context.Context) (model.Settings, error) {
	settings := model.DefaultSettings()
	if s.region != "" {
		settings.DefaultRegion = s.region
	}

	var (
		secretID, secretKey, region, zone, imageID sql.NullString
		password, diskType, charge                 sql.NullString
		cpu, memory, diskSize, bandwidth           sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT secret_id, secret_key, default_region, cpu, memory, zone, image_id,
		        password, disk_type, disk_size, bandwidth, bandwidth_charge
		 FROM settings WHERE id = 1`).Scan(
		&secretID, &secretKey, &region, &cpu, &memory, &zone, &imageID,
		&password, &diskType, &diskSize, &bandwidth, &charge,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("get settings: %w", err)
	}

	key, err := s.openSecret(secretKey.String)
	if err != nil {
		return settings, fmt.Errorf("get settings: %w", err)
	}

	mergeString(&settings.SecretID, secretID)
	if secretKey.Valid {
		settings.SecretKey = key
	}
	mergeString(&settings.DefaultRegion, region)
	mergeInt(&settings.Template.CPU, cpu)
	mergeInt(&settings.Template.Memory, memory)
	mergeString(&settings.Template.Zone, zone)
	mergeString(&settings.Template.ImageID, imageID)
	mergeString(&settings.Template.Password, password)
	mergeString(&settings.Template.DiskType, diskType)
	mergeInt(&settings.Template.DiskSize, diskSize)
	mergeInt(&settings.Template.Bandwidth, bandwidth)
	mergeString(&settings.Template.BandwidthCharge, charge)

	return settings, nil
}

// UpdateSettings applies patch to the current settings and stores the
// result.
func (s *Store) UpdateSettings(ctx context.Context, patch model.SettingsPatch) (model.Settings, error) {
	var updated model.Settings
	err := s.Tx(ctx, "update_settings", func(w *Writer) error {
		current, err := s.GetSettings(ctx)
		if err != nil {
			return err
		}
		updated = patch.Apply(current)

		sealed, err := s.sealSecret(updated.SecretKey)
		if err != nil {
			return fmt.Errorf("update settings: %w", err)
		}

		t := updated.Template
		_, err = w.tx.ExecContext(ctx,
			`INSERT INTO settings (id, secret_id, secret_key, default_region, cpu, memory, zone, image_id,
			                       password, disk_type, disk_size, bandwidth, bandwidth_charge, updated_at)
			 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
				secret_id = excluded.secret_id,
				secret_key = excluded.secret_key,
				default_region = excluded.default_region,
				cpu = excluded.cpu,
				memory = excluded.memory,
				zone = excluded.zone,
				image_id = excluded.image_id,
				password = excluded.password,
				disk_type = excluded.disk_type,
				disk_size = excluded.disk_size,
				bandwidth = excluded.bandwidth,
				bandwidth_charge = excluded.bandwidth_charge,
				updated_at = excluded.updated_at`,
			updated.SecretID, sealed, updated.DefaultRegion, t.CPU, t.Memory, t.Zone, t.ImageID,
			t.Password, t.DiskType, t.DiskSize, t.Bandwidth, t.BandwidthCharge, w.stamp,
		)
		if err != nil {
			return fmt.Errorf("update settings: %w", err)
		}
		return nil
	})
	return updated, err
}

func (s *Store) defaultPassword(ctx context.Context) string {
	var password sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT password FROM settings WHERE id = 1`).Scan(&password)
	if err != nil {
		return ""
	}
	return password.String
}

func (s *Store) sealSecret(secret string) (string, error) {
	if s.sealKey == nil || secret == "" {
		return secret, nil
	}
	sealed, err := crypto.Encrypt([]byte(secret), s.sealKey)
	if err != nil {
		return "", err
	}
	return sealedPrefix + sealed, nil
}

func (s *Store) openSecret(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if s.sealKey == nil {
		return "", errors.New("secret key is sealed but no sealing key is configured")
	}
	plain, err := crypto.Decrypt(strings.TrimPrefix(stored, sealedPrefix), s.sealKey)
	if err != nil {
		return "", fmt.Errorf("open secret key: %w", err)
	}
	return string(plain), nil
}

func mergeString(dst *string, v sql.NullString) {
	if v.Valid {
		*dst = v.String
	}
}

func mergeInt(dst *int, v sql.NullInt64) {
	if v.Valid {
		*dst = int(v.Int64)
	}
}
