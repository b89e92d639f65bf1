package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/events"
	"github.com/edvin/vmcache/internal/model"
)

const (
	maxCommandBytes       = 64 << 10
	defaultCommandTimeout = time.Minute
	maxCommandTimeout     = 24 * time.Hour

	defaultInvocationLimit = 20
	maxInvocationLimit     = 100
)

// CommandRequest is a script to run on running instances.
type CommandRequest struct {
	IDs              []string      `json:"ids"`
	Content          string        `json:"command"`
	Type             string        `json:"command_type"`
	WorkingDirectory string        `json:"working_directory"`
	Timeout          time.Duration `json:"timeout"`
	Username         string        `json:"username"`
	Name             string        `json:"name"`
	Description      string        `json:"description"`
}

// InvocationRef names the invocation a region's instances were sent.
type InvocationRef struct {
	InvocationID string   `json:"invocation_id"`
	Region       string   `json:"region"`
	IDs          []string `json:"ids"`
}

type CommandResult struct {
	Invocations []InvocationRef `json:"invocations"`
	Warnings    []string        `json:"warnings,omitempty"`
}

func (r CommandResult) TaskWarnings() []string { return r.Warnings }

func validateCommand(req CommandRequest) (CommandRequest, error) {
	req.IDs = dedupe(req.IDs)
	if len(req.IDs) == 0 {
		return req, invalid("no instances selected")
	}
	if req.Content == "" {
		return req, invalid("command is empty")
	}
	if len(req.Content) > maxCommandBytes {
		return req, invalid("command is %d bytes, the limit is %d", len(req.Content), maxCommandBytes)
	}
	switch req.Type {
	case "":
		req.Type = cloud.CommandShell
	case cloud.CommandShell, cloud.CommandPowerShell:
	default:
		return req, invalid("unknown command type %q", req.Type)
	}
	if req.Timeout == 0 {
		req.Timeout = defaultCommandTimeout
	}
	if req.Timeout < time.Second || req.Timeout > maxCommandTimeout {
		return req, invalid("timeout must be between 1s and %s", maxCommandTimeout)
	}
	if req.WorkingDirectory == "" && req.Type == cloud.CommandShell {
		req.WorkingDirectory = "/root"
	}
	return req, nil
}

// RunCommand sends a script to every selected instance, one remote
// invocation per region. Every instance must be cached as RUNNING; nothing is
// sent otherwise.
func (t *Tracker) RunCommand(ctx context.Context, req CommandRequest) (res CommandResult, err error) {
	defer func() { record("run_command", err) }()

	req, err = validateCommand(req)
	if err != nil {
		return res, err
	}
	rows, err := t.store.LookupInstances(ctx, req.IDs)
	if err != nil {
		return res, fmt.Errorf("run command: load instances: %w", err)
	}
	status := make(map[string]model.InstanceStatus, len(rows))
	for _, r := range rows {
		status[r.ID] = r.Status
	}
	for _, id := range req.IDs {
		s, ok := status[id]
		if !ok {
			return res, invalid("instance %s is not cached", id)
		}
		if s != model.StatusRunning {
			return res, invalid("instance %s is %s; commands need a running instance", id, humanStatus(s))
		}
	}

	svc, defaultRegion, err := t.syncer.Client(ctx)
	if err != nil {
		return res, &OperationError{Op: "run_command", IDs: req.IDs, Err: err}
	}

	var (
		failed  []string
		lastErr error
	)
	for _, g := range groupByRegion(req.IDs, rows, defaultRegion) {
		invocationID, err := svc.RunCommand(ctx, cloud.CommandSpec{
			Region:           g.region,
			InstanceIDs:      g.ids,
			Content:          req.Content,
			Type:             req.Type,
			WorkingDirectory: req.WorkingDirectory,
			Timeout:          req.Timeout,
			Username:         req.Username,
			Name:             req.Name,
			Description:      req.Description,
		})
		if err != nil {
			t.logger.Warn().Err(err).Str("region", g.region).Strs("instances", g.ids).Msg("sending command failed")
			failed = append(failed, g.ids...)
			lastErr = err
			continue
		}
		res.Invocations = append(res.Invocations, InvocationRef{InvocationID: invocationID, Region: g.region, IDs: g.ids})
		t.emit(ctx, events.KindCommandSent, g.ids, "", g.region, nil)
		t.logger.Info().Str("invocation", invocationID).Str("region", g.region).Strs("instances", g.ids).Msg("command sent")
	}

	if lastErr != nil {
		if len(res.Invocations) > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("command was not delivered to %d instance(s)", len(failed)))
		}
		return res, &OperationError{Op: "run_command", IDs: failed, Err: lastErr}
	}
	return res, nil
}

// InvocationQuery narrows ListInvocations. An empty region is the region of
// the cached InstanceID, or the default region.
type InvocationQuery struct {
	Region       string `json:"region"`
	InvocationID string `json:"invocation_id"`
	InstanceID   string `json:"instance_id"`
	Limit        int    `json:"limit"`
}

// ListInvocations reads per-instance command results straight from the
// remote. They are not cached.
func (t *Tracker) ListInvocations(ctx context.Context, q InvocationQuery) (out []cloud.Invocation, err error) {
	defer func() { record("list_invocations", err) }()

	if q.Limit <= 0 {
		q.Limit = defaultInvocationLimit
	}
	if q.Limit > maxInvocationLimit {
		return nil, invalid("limit must be at most %d", maxInvocationLimit)
	}

	svc, defaultRegion, err := t.syncer.Client(ctx)
	if err != nil {
		return nil, &OperationError{Op: "list_invocations", Err: err}
	}
	if q.Region == "" && q.InstanceID != "" {
		if rows := t.store.GetInstances(ctx, []string{q.InstanceID}); len(rows) == 1 {
			q.Region = rows[0].Region
		}
	}
	if q.Region == "" {
		q.Region = defaultRegion
	}

	out, err = svc.ListInvocations(ctx, cloud.InvocationQuery{
		Region:       q.Region,
		InvocationID: q.InvocationID,
		InstanceID:   q.InstanceID,
		Limit:        q.Limit,
	})
	if err != nil {
		return nil, &OperationError{Op: "list_invocations", Err: err}
	}
	if out == nil {
		out = []cloud.Invocation{}
	}
	return out, nil
}
