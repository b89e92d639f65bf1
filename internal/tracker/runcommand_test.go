package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/cloud/fake"
	"github.com/edvin/vmcache/internal/events"
	"github.com/edvin/vmcache/internal/model"
	"github.com/edvin/vmcache/internal/reconcile"
)

func TestTracker_RunCommand_GroupsByRegion(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a", model.StatusRunning)
	h.seed(t, "b", model.StatusRunning)
	far := cloud.Instance{ID: "c", Status: model.StatusRunning, Region: "ap-shanghai"}
	h.cloud.AddInstance(far)
	require.NoError(t, h.store.UpsertInstances(context.Background(), []model.InstanceRecord{reconcile.Merge(far)}))

	res, err := h.tracker.RunCommand(context.Background(), CommandRequest{IDs: []string{"a", "c", "b", "a"}, Content: "uptime"})
	require.NoError(t, err)
	require.Len(t, res.Invocations, 2)
	assert.Equal(t, region, res.Invocations[0].Region)
	assert.Equal(t, []string{"a", "b"}, res.Invocations[0].IDs)
	assert.Equal(t, "ap-shanghai", res.Invocations[1].Region)
	assert.Equal(t, []string{"c"}, res.Invocations[1].IDs)

	calls := h.cloud.Calls(fake.OpRunCommand)
	require.Len(t, calls, 2)
	assert.Equal(t, cloud.CommandShell, calls[0].Command.Type)
	assert.Equal(t, "/root", calls[0].Command.WorkingDirectory)
	assert.Equal(t, time.Minute, calls[0].Command.Timeout)
	assert.True(t, h.published(events.KindCommandSent))
}

func TestTracker_RunCommand_NeedsRunningInstances(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a", model.StatusRunning)
	h.seed(t, "b", model.StatusStopped)

	_, err := h.tracker.RunCommand(context.Background(), CommandRequest{IDs: []string{"a", "b"}, Content: "uptime"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "instance b is stopped")
	assert.Empty(t, h.cloud.Calls(fake.OpRunCommand))
}

func TestTracker_RunCommand_Validation(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a", model.StatusRunning)
	big := make([]byte, maxCommandBytes+1)
	for i := range big {
		big[i] = 'x'
	}

	for name, req := range map[string]CommandRequest{
		"no ids":       {Content: "ls"},
		"empty":        {IDs: []string{"a"}},
		"too large":    {IDs: []string{"a"}, Content: string(big)},
		"bad type":     {IDs: []string{"a"}, Content: "dir", Type: "BAT"},
		"long timeout": {IDs: []string{"a"}, Content: "ls", Timeout: 48 * time.Hour},
		"not cached":   {IDs: []string{"zzz"}, Content: "ls"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.tracker.RunCommand(context.Background(), req)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
	assert.Empty(t, h.cloud.Calls(fake.OpRunCommand))
}

func TestTracker_ListInvocations(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a", model.StatusRunning)
	h.cloud.SetCommandFunc(func(id, content string) (string, int) { return "ok " + id, 0 })
	ctx := context.Background()

	res, err := h.tracker.RunCommand(ctx, CommandRequest{IDs: []string{"a"}, Content: "true"})
	require.NoError(t, err)
	invocationID := res.Invocations[0].InvocationID
	h.cloud.Advance()

	invs, err := h.tracker.ListInvocations(ctx, InvocationQuery{InstanceID: "a"})
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, invocationID, invs[0].InvocationID)
	assert.Equal(t, cloud.InvocationSuccess, invs[0].Status)
	assert.Equal(t, "ok a", invs[0].Output)

	calls := h.cloud.Calls(fake.OpListInvocations)
	require.Len(t, calls, 1)
	assert.Equal(t, region, calls[0].Region)

	none, err := h.tracker.ListInvocations(ctx, InvocationQuery{InvocationID: "inv-unknown"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = h.tracker.ListInvocations(ctx, InvocationQuery{Limit: 500})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}
