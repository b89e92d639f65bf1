package tracker

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/events"
	"github.com/edvin/vmcache/internal/model"
)

// regionGroup is a set of ids that live in one region.
type regionGroup struct {
	region string
	ids    []string
}

// groupByRegion splits ids by the region of their cached row. Ids without a
// row are assumed to be in defaultRegion.
func groupByRegion(ids []string, rows []model.Instance, defaultRegion string) []regionGroup {
	regionOf := map[string]string{}
	for _, r := range rows {
		if r.Region != "" {
			regionOf[r.ID] = r.Region
		}
	}
	var groups []regionGroup
	index := map[string]int{}
	for _, id := range ids {
		region, ok := regionOf[id]
		if !ok {
			region = defaultRegion
		}
		i, ok := index[region]
		if !ok {
			i = len(groups)
			index[region] = i
			groups = append(groups, regionGroup{region: region})
		}
		groups[i].ids = append(groups[i].ids, id)
	}
	return groups
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// transition is the shared shape of start, stop and terminate.
type transition struct {
	op      string
	skip    model.InstanceStatus
	assert  model.InstanceStatus
	event   string
	watch   *watchSet
	call    func(ctx context.Context, svc cloud.Service, region string, ids []string) error
	refresh bool
}

func (t *Tracker) run(ctx context.Context, tr transition, ids []string) (res Result, err error) {
	defer func() { record(tr.op, err) }()

	ids = dedupe(ids)
	if len(ids) == 0 {
		return Result{}, invalid("no instances selected")
	}

	rows, err := t.store.LookupInstances(ctx, ids)
	if err != nil {
		return Result{}, fmt.Errorf("%s: load instances: %w", tr.op, err)
	}

	targets := ids
	if tr.skip != "" {
		already := map[string]bool{}
		for _, r := range rows {
			if r.Status == tr.skip {
				already[r.ID] = true
			}
		}
		targets = slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return already[id] })
		if n := len(ids) - len(targets); n > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("skipped %d already-%s instances", n, humanStatus(tr.skip)))
		}
		if len(targets) == 0 {
			return res, invalid("all %d selected instances are already %s", len(ids), humanStatus(tr.skip))
		}
	}

	svc, defaultRegion, err := t.syncer.Client(ctx)
	if err != nil {
		return res, &OperationError{Op: tr.op, IDs: targets, Err: err}
	}

	captured, err := t.store.SwapStatus(ctx, targets, tr.assert)
	if err != nil {
		return res, fmt.Errorf("%s: %w", tr.op, err)
	}
	t.emit(ctx, tr.event, targets, tr.assert, "", nil)

	var (
		failed  []string
		lastErr error
	)
	for _, g := range groupByRegion(targets, rows, defaultRegion) {
		if err := tr.call(ctx, svc, g.region, g.ids); err != nil {
			t.logger.Warn().Err(err).Str("op", tr.op).Str("region", g.region).Strs("instances", g.ids).Msg("remote command failed, rolling back")
			t.rollback(ctx, svc, g.region, g.ids, captured)
			t.emit(ctx, events.KindRolledBack, g.ids, "", g.region, err)
			failed = append(failed, g.ids...)
			lastErr = err
			continue
		}

		res.IDs = append(res.IDs, g.ids...)
		if tr.watch != nil {
			t.watch(tr.watch, g.region, g.ids)
		}
		if tr.refresh {
			if _, err := t.syncer.RefreshIDs(ctx, g.region, g.ids); err != nil {
				t.logger.Warn().Err(err).Str("op", tr.op).Msg("refresh after command failed")
			}
		}
	}

	if lastErr != nil {
		return res, &OperationError{Op: tr.op, IDs: failed, Err: lastErr}
	}
	t.logger.Info().Str("op", tr.op).Strs("instances", res.IDs).Msg("command accepted")
	return res, nil
}

func humanStatus(s model.InstanceStatus) string {
	switch s {
	case model.StatusRunning:
		return "running"
	case model.StatusStopped:
		return "stopped"
	}
	return s.String()
}

// Start boots the given instances. Instances that are already running are
// skipped with a warning.
func (t *Tracker) Start(ctx context.Context, ids []string) (Result, error) {
	return t.run(ctx, t.startTransition(model.StatusRunning), ids)
}

func (t *Tracker) startTransition(skip model.InstanceStatus) transition {
	return transition{
		op:     "start",
		skip:   skip,
		assert: model.StatusStarting,
		event:  events.KindStarting,
		watch:  t.starting,
		call: func(ctx context.Context, svc cloud.Service, region string, ids []string) error {
			return svc.StartInstances(ctx, region, ids)
		},
		refresh: true,
	}
}

// Stop shuts the given instances down. Instances that are already stopped
// are skipped with a warning.
func (t *Tracker) Stop(ctx context.Context, ids []string, force bool) (Result, error) {
	return t.run(ctx, transition{
		op:     "stop",
		skip:   model.StatusStopped,
		assert: model.StatusStopping,
		event:  events.KindStopping,
		watch:  t.stopping,
		call: func(ctx context.Context, svc cloud.Service, region string, ids []string) error {
			return svc.StopInstances(ctx, region, ids, force)
		},
		refresh: true,
	}, ids)
}

// Terminate destroys the given instances. Their rows are soft-deleted before
// the remote call and stay that way once it succeeds.
func (t *Tracker) Terminate(ctx context.Context, ids []string) (Result, error) {
	return t.run(ctx, transition{
		op:     "terminate",
		assert: model.StatusDeleted,
		event:  events.KindTerminated,
		call: func(ctx context.Context, svc cloud.Service, region string, ids []string) error {
			return svc.TerminateInstances(ctx, region, ids)
		},
	}, ids)
}

// ResetPassword sets a new login password. Running instances are stopped by
// the remote side for the reset and started again afterwards.
func (t *Tracker) ResetPassword(ctx context.Context, ids []string, password string) (res Result, err error) {
	defer func() { record("reset_password", err) }()

	ids = dedupe(ids)
	if len(ids) == 0 {
		return Result{}, invalid("no instances selected")
	}
	if err := ValidatePassword(password); err != nil {
		return Result{}, err
	}

	svc, defaultRegion, err := t.syncer.Client(ctx)
	if err != nil {
		return Result{}, &OperationError{Op: "reset password", IDs: ids, Err: err}
	}
	cached, err := t.store.LookupInstances(ctx, ids)
	if err != nil {
		return Result{}, fmt.Errorf("reset password: load instances: %w", err)
	}

	var running []string
	for _, g := range groupByRegion(ids, cached, defaultRegion) {
		rows, err := t.syncer.RefreshIDs(ctx, g.region, g.ids)
		if err != nil {
			return Result{}, &OperationError{Op: "reset password", IDs: g.ids, Err: err}
		}
		var groupRunning []string
		for _, r := range rows {
			if r.Status == model.StatusRunning {
				groupRunning = append(groupRunning, r.ID)
			}
		}

		if err := svc.ResetPassword(ctx, g.region, g.ids, password, len(groupRunning) > 0); err != nil {
			return res, &OperationError{Op: "reset password", IDs: g.ids, Err: err}
		}
		res.IDs = append(res.IDs, g.ids...)
		running = append(running, groupRunning...)

		// The reset stops running instances; pick that up before restarting.
		if len(groupRunning) > 0 {
			if _, err := t.syncer.RefreshIDs(ctx, g.region, groupRunning); err != nil {
				t.logger.Warn().Err(err).Msg("refresh after password reset failed")
			}
		}
	}
	t.emit(ctx, events.KindPassword, res.IDs, "", "", nil)

	if len(running) == 0 {
		return res, nil
	}

	select {
	case <-ctx.Done():
		res.Warnings = append(res.Warnings, "password was reset but instances were not restarted: "+ctx.Err().Error())
		return res, nil
	case <-time.After(t.cfg.RestartDelay):
	}

	if still := t.awaitStopped(ctx, running, cached, defaultRegion); len(still) > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d instance(s) had not stopped after the reset; starting anyway", len(still)))
	}

	// The cache may lag behind the remote stop, so the restart must not skip
	// rows that still read RUNNING.
	started, err := t.run(ctx, t.startTransition(""), running)
	res.Warnings = append(res.Warnings, started.Warnings...)
	if err != nil {
		res.Warnings = append(res.Warnings, "password was reset but restarting instances failed: "+err.Error())
	}
	return res, nil
}

// awaitStopped polls ids until none of them is running or stopping any more,
// bounded by RestartWaitTimeout. It returns the ids that had not stopped.
func (t *Tracker) awaitStopped(ctx context.Context, ids []string, cached []model.Instance, defaultRegion string) []string {
	deadline := time.Now().Add(t.cfg.RestartWaitTimeout)
	for {
		var pending []string
		for _, g := range groupByRegion(ids, cached, defaultRegion) {
			rows, err := t.syncer.RefreshIDs(ctx, g.region, g.ids)
			if err != nil {
				t.logger.Warn().Err(err).Str("region", g.region).Msg("refresh while waiting for reset stop")
				pending = append(pending, g.ids...)
				continue
			}
			for _, r := range rows {
				if r.Status == model.StatusRunning || r.Status == model.StatusStopping {
					pending = append(pending, r.ID)
				}
			}
		}
		if len(pending) == 0 || time.Now().After(deadline) {
			return pending
		}

		select {
		case <-ctx.Done():
			return pending
		case <-time.After(t.cfg.PollInterval):
		}
	}
}
