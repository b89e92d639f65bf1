package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edvin/vmcache/internal/model"
)

const instanceColumns = `instance_id, instance_name, status, region, zone, instance_type,
	image_id, image_name, platform, cpu, memory, private_ip, public_ip,
	created_time, expired_time, updated_at`

// IP and timestamp columns keep their stored value when the observation
// leaves them NULL.
const upsertInstanceSQL = `INSERT INTO instances (` + instanceColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (instance_id) DO UPDATE SET
	instance_name = excluded.instance_name,
	status        = excluded.status,
	region        = excluded.region,
	zone          = excluded.zone,
	instance_type = excluded.instance_type,
	image_id      = excluded.image_id,
	image_name    = excluded.image_name,
	platform      = excluded.platform,
	cpu           = excluded.cpu,
	memory        = excluded.memory,
	private_ip    = COALESCE(excluded.private_ip, instances.private_ip),
	public_ip     = COALESCE(excluded.public_ip, instances.public_ip),
	created_time  = COALESCE(excluded.created_time, instances.created_time),
	expired_time  = COALESCE(excluded.expired_time, instances.expired_time),
	updated_at    = excluded.updated_at`

// UpsertInstances inserts or updates every record in one transaction.
func (s *Store) UpsertInstances(ctx context.Context, records []model.InstanceRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.Tx(ctx, "upsert_instances", func(w *Writer) error {
		return w.UpsertInstances(ctx, records)
	})
}

func (w *Writer) UpsertInstances(ctx context.Context, records []model.InstanceRecord) error {
	stmt, err := w.tx.PrepareContext(ctx, upsertInstanceSQL)
	if err != nil {
		return fmt.Errorf("upsert instances: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if r.ID == "" {
			return fmt.Errorf("upsert instances: record without id")
		}
		_, err := stmt.ExecContext(ctx,
			r.ID, r.Name, string(r.Status), r.Region, r.Zone, r.InstanceType,
			r.ImageID, r.ImageName, r.Platform, r.CPU, r.Memory,
			nullString(r.PrivateIP), nullString(r.PublicIP),
			nullTime(r.CreatedTime), nullTime(r.ExpiredTime), w.stamp,
		)
		if err != nil {
			return fmt.Errorf("upsert instance %s: %w", r.ID, err)
		}
	}
	return nil
}

// SoftDeleteMissing marks every live instance whose id is not in validIDs as
// deleted. An empty or nil set is a no-op.
func (s *Store) SoftDeleteMissing(ctx context.Context, validIDs []string) (int64, error) {
	if len(validIDs) == 0 {
		return 0, nil
	}
	var n int64
	err := s.Tx(ctx, "soft_delete_missing", func(w *Writer) error {
		var err error
		n, err = w.SoftDeleteMissing(ctx, validIDs)
		return err
	})
	return n, err
}

func (w *Writer) SoftDeleteMissing(ctx context.Context, validIDs []string) (int64, error) {
	if len(validIDs) == 0 {
		return 0, nil
	}
	res, err := w.tx.ExecContext(ctx,
		`UPDATE instances SET status = ?, updated_at = ?
		 WHERE status != ? AND instance_id NOT IN (SELECT value FROM json_each(?))`,
		string(model.StatusDeleted), w.stamp, string(model.StatusDeleted), idList(validIDs))
	if err != nil {
		return 0, fmt.Errorf("soft delete missing: %w", err)
	}
	return res.RowsAffected()
}

// CountLiveMissing counts live instances whose id is not in ids.
func (w *Writer) CountLiveMissing(ctx context.Context, ids []string) (int64, error) {
	var n int64
	err := w.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM instances
		 WHERE status != ? AND instance_id NOT IN (SELECT value FROM json_each(?))`,
		string(model.StatusDeleted), idList(ids)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count missing instances: %w", err)
	}
	return n, nil
}

// MarkAllDeleted marks every live instance as deleted.
func (s *Store) MarkAllDeleted(ctx context.Context) (int64, error) {
	var n int64
	err := s.Tx(ctx, "mark_all_deleted", func(w *Writer) error {
		var err error
		n, err = w.MarkAllDeleted(ctx)
		return err
	})
	return n, err
}

func (w *Writer) MarkAllDeleted(ctx context.Context) (int64, error) {
	res, err := w.tx.ExecContext(ctx,
		`UPDATE instances SET status = ?, updated_at = ? WHERE status != ?`,
		string(model.StatusDeleted), w.stamp, string(model.StatusDeleted))
	if err != nil {
		return 0, fmt.Errorf("mark all deleted: %w", err)
	}
	return res.RowsAffected()
}

// UpdateInstanceStatus sets the status of one instance and, when publicIP is
// non-nil, its public address. Updating an unknown id returns ErrNotFound.
func (s *Store) UpdateInstanceStatus(ctx context.Context, id string, status model.InstanceStatus, publicIP *string) error {
	return s.Tx(ctx, "update_instance_status", func(w *Writer) error {
		res, err := w.tx.ExecContext(ctx,
			`UPDATE instances SET status = ?, public_ip = COALESCE(?, public_ip), updated_at = ?
			 WHERE instance_id = ?`,
			string(status), nullString(publicIP), w.stamp, id)
		if err != nil {
			return fmt.Errorf("update instance status %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update instance status %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// SwapStatus sets status on every existing row in ids and returns the status
// each row had before. Ids without a row are absent from the result.
func (s *Store) SwapStatus(ctx context.Context, ids []string, status model.InstanceStatus) (map[string]model.InstanceStatus, error) {
	prev := make(map[string]model.InstanceStatus, len(ids))
	if len(ids) == 0 {
		return prev, nil
	}
	err := s.Tx(ctx, "swap_status", func(w *Writer) error {
		clear(prev)
		rows, err := w.tx.QueryContext(ctx,
			`SELECT instance_id, status FROM instances
			 WHERE instance_id IN (SELECT value FROM json_each(?))`, idList(ids))
		if err != nil {
			return fmt.Errorf("capture statuses: %w", err)
		}
		for rows.Next() {
			var id, st string
			if err := rows.Scan(&id, &st); err != nil {
				rows.Close()
				return fmt.Errorf("capture statuses: %w", err)
			}
			prev[id] = model.InstanceStatus(st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("capture statuses: %w", err)
		}

		_, err = w.tx.ExecContext(ctx,
			`UPDATE instances SET status = ?, updated_at = ?
			 WHERE instance_id IN (SELECT value FROM json_each(?))`,
			string(status), w.stamp, idList(ids))
		if err != nil {
			return fmt.Errorf("set status %s: %w", status, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// RestoreStatuses writes back statuses captured by SwapStatus.
func (s *Store) RestoreStatuses(ctx context.Context, statuses map[string]model.InstanceStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	return s.Tx(ctx, "restore_statuses", func(w *Writer) error {
		for id, st := range statuses {
			_, err := w.tx.ExecContext(ctx,
				`UPDATE instances SET status = ?, updated_at = ? WHERE instance_id = ?`,
				string(st), w.stamp, id)
			if err != nil {
				return fmt.Errorf("restore status %s: %w", id, err)
			}
		}
		return nil
	})
}

// ListInstances returns every live instance, or an empty slice when a write
// currently holds the lock.
func (s *Store) ListInstances(ctx context.Context) []model.Instance {
	instances, _ := s.TryListInstances(ctx)
	return instances
}

// TryListInstances is ListInstances that also reports whether the read ran.
// ok is false on lock contention or a query failure.
func (s *Store) TryListInstances(ctx context.Context) ([]model.Instance, bool) {
	var out []model.Instance
	ok := s.tryRead("instances", func() error {
		var err error
		out, err = s.queryInstances(ctx,
			`SELECT `+instanceColumns+` FROM instances WHERE status != ? ORDER BY instance_name, instance_id`,
			string(model.StatusDeleted))
		return err
	})
	if !ok {
		return []model.Instance{}, false
	}
	return out, true
}

// GetInstances returns the live instances among ids. Like ListInstances it
// returns an empty slice on lock contention.
func (s *Store) GetInstances(ctx context.Context, ids []string) []model.Instance {
	out := []model.Instance{}
	if len(ids) == 0 {
		return out
	}
	s.tryRead("instances", func() error {
		var err error
		out, err = s.queryInstances(ctx,
			`SELECT `+instanceColumns+` FROM instances
			 WHERE status != ? AND instance_id IN (SELECT value FROM json_each(?))
			 ORDER BY instance_name, instance_id`,
			string(model.StatusDeleted), idList(ids))
		return err
	})
	if out == nil {
		out = []model.Instance{}
	}
	return out
}

// LookupInstances returns the rows for ids in any status, waiting for the
// write lock. It is meant for background work, not for polling readers.
func (s *Store) LookupInstances(ctx context.Context, ids []string) ([]model.Instance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE instance_id IN (SELECT value FROM json_each(?))`,
		idList(ids))
}

// LiveRegions returns the distinct regions that hold live instances.
func (s *Store) LiveRegions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT region FROM instances WHERE status != ? AND region != '' ORDER BY region`,
		string(model.StatusDeleted))
	if err != nil {
		return nil, fmt.Errorf("live regions: %w", err)
	}
	defer rows.Close()

	var regions []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("live regions: %w", err)
		}
		regions = append(regions, r)
	}
	return regions, rows.Err()
}

func (s *Store) queryInstances(ctx context.Context, query string, args ...any) ([]model.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	instances := []model.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}

	if len(instances) > 0 {
		password := s.defaultPassword(ctx)
		for i := range instances {
			instances[i].Password = password
		}
	}
	return instances, nil
}

func scanInstance(rows *sql.Rows) (model.Instance, error) {
	var (
		inst                     model.Instance
		status                   string
		privateIP, publicIP      sql.NullString
		createdTime, expiredTime sql.NullString
		updatedAt                sql.NullString
	)
	err := rows.Scan(
		&inst.ID, &inst.Name, &status, &inst.Region, &inst.Zone, &inst.InstanceType,
		&inst.ImageID, &inst.ImageName, &inst.Platform, &inst.CPU, &inst.Memory,
		&privateIP, &publicIP, &createdTime, &expiredTime, &updatedAt,
	)
	if err != nil {
		return inst, fmt.Errorf("scan instance: %w", err)
	}
	inst.Status = model.InstanceStatus(status)
	inst.PrivateIP = privateIP.String
	inst.PublicIP = publicIP.String
	inst.CreatedTime = parseTime(createdTime)
	inst.ExpiredTime = parseTime(expiredTime)
	if t := parseTime(updatedAt); t != nil {
		inst.UpdatedAt = *t
	}
	return inst, nil
}
