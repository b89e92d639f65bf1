package fake

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/model"
)

func TestCloud_CreateThenAdvance(t *testing.T) {
	c := NewSeeded()
	ctx := context.Background()

	ids, err := c.CreateInstances(ctx, cloud.CreateSpec{Region: "ap-beijing", Zone: "ap-beijing-1", Name: "web", Count: 2})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	inst, ok := c.Instance(ids[0])
	require.True(t, ok)
	assert.Equal(t, model.StatusPending, inst.Status)
	assert.Equal(t, "web-1", inst.Name)

	c.Advance()
	inst, _ = c.Instance(ids[0])
	assert.Equal(t, model.StatusRunning, inst.Status)
	assert.NotEmpty(t, inst.PrivateIPs)
}

func TestCloud_CreateRejectsForeignZone(t *testing.T) {
	c := NewSeeded()
	_, err := c.CreateInstances(context.Background(), cloud.CreateSpec{Region: "ap-beijing", Zone: "ap-shanghai-1"})
	assert.True(t, cloud.IsKind(err, cloud.KindInvalid))
}

func TestCloud_ListInstances_Paginates(t *testing.T) {
	c := New()
	for i := 0; i < 250; i++ {
		c.AddInstance(cloud.Instance{ID: fmt.Sprintf("ins-%03d", i), Region: "r", Status: model.StatusRunning})
	}
	ctx := context.Background()

	var seen []string
	cursor := ""
	pages := 0
	for {
		page, err := c.ListInstances(ctx, cloud.InstanceQuery{Region: "r", Cursor: cursor, Limit: 100})
		require.NoError(t, err)
		pages++
		for _, inst := range page.Instances {
			seen = append(seen, inst.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 250)
}

func TestCloud_ListInstances_TooManyIDs(t *testing.T) {
	c := New()
	ids := make([]string, 101)
	for i := range ids {
		ids[i] = fmt.Sprintf("ins-%d", i)
	}
	_, err := c.ListInstances(context.Background(), cloud.InstanceQuery{IDs: ids})
	assert.True(t, cloud.IsKind(err, cloud.KindInvalid))
}

func TestCloud_FailNextAndHooks(t *testing.T) {
	c := NewSeeded()
	ctx := context.Background()
	boom := errors.New("boom")

	c.FailNext(OpListRegions, boom)
	_, err := c.ListRegions(ctx)
	assert.ErrorIs(t, err, boom)

	_, err = c.ListRegions(ctx)
	assert.NoError(t, err)

	c.SetHook(OpListZones, func(call Call) error {
		if call.Region == "ap-tokyo" {
			return boom
		}
		return nil
	})
	_, err = c.ListZones(ctx, "ap-tokyo")
	assert.ErrorIs(t, err, boom)
	_, err = c.ListZones(ctx, "ap-beijing")
	assert.NoError(t, err)

	assert.Len(t, c.Calls(OpListRegions), 2)
	assert.Len(t, c.Calls(OpListZones), 2)
}

func TestCloud_ResetPasswordRequiresForceStop(t *testing.T) {
	c := New()
	c.AddInstance(cloud.Instance{ID: "a", Status: model.StatusRunning})
	ctx := context.Background()

	err := c.ResetPassword(ctx, "r", []string{"a"}, "Passw0rd!", false)
	assert.True(t, cloud.IsKind(err, cloud.KindInvalid))

	require.NoError(t, c.ResetPassword(ctx, "r", []string{"a"}, "Passw0rd!", true))
	inst, _ := c.Instance("a")
	assert.Equal(t, model.StatusStopped, inst.Status)
	assert.Equal(t, "Passw0rd!", c.Password("a"))
}

func TestCloud_TransitionUnknownInstance(t *testing.T) {
	c := New()
	err := c.StartInstances(context.Background(), "r", []string{"ghost"})
	assert.True(t, cloud.IsKind(err, cloud.KindNotFound))
}

func TestFactory_RequiresCredentials(t *testing.T) {
	c := New()
	_, err := Factory(c, true)(context.Background(), model.Credentials{})
	assert.True(t, cloud.IsKind(err, cloud.KindAuth))

	svc, err := Factory(c, true)(context.Background(), model.Credentials{SecretID: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Same(t, c, svc)
}

func TestCloud_CreateImage(t *testing.T) {
	c := NewSeeded()
	ctx := context.Background()
	c.AddInstance(cloud.Instance{ID: "ins-1", Status: model.StatusRunning, Region: "ap-beijing", Platform: "Ubuntu"})

	id, err := c.CreateImage(ctx, cloud.ImageSpec{Region: "ap-beijing", InstanceID: "ins-1", Name: "golden"})
	require.NoError(t, err)

	images, err := c.ListImages(ctx, cloud.ImageQuery{Region: "ap-beijing", Type: model.ImagePrivate})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, id, images[0].ID)
	assert.Equal(t, "golden", images[0].Name)
	assert.Equal(t, "Ubuntu", images[0].Platform)

	_, err = c.CreateImage(ctx, cloud.ImageSpec{Region: "ap-beijing", InstanceID: "ins-1", Name: "golden"})
	assert.True(t, cloud.IsKind(err, cloud.KindInvalid))
	_, err = c.CreateImage(ctx, cloud.ImageSpec{Region: "ap-beijing", InstanceID: "ins-404", Name: "other"})
	assert.True(t, cloud.IsKind(err, cloud.KindNotFound))
}

func TestCloud_RunCommandThenAdvance(t *testing.T) {
	c := NewSeeded()
	ctx := context.Background()
	c.AddInstance(cloud.Instance{ID: "ins-1", Status: model.StatusRunning, Region: "ap-beijing"})
	c.AddInstance(cloud.Instance{ID: "ins-2", Status: model.StatusRunning, Region: "ap-beijing"})
	c.SetCommandFunc(func(id, content string) (string, int) {
		if id == "ins-2" {
			return "boom", 2
		}
		return id + ": " + content, 0
	})

	invID, err := c.RunCommand(ctx, cloud.CommandSpec{Region: "ap-beijing", InstanceIDs: []string{"ins-1", "ins-2"}, Content: "hostname"})
	require.NoError(t, err)

	invs, err := c.ListInvocations(ctx, cloud.InvocationQuery{InvocationID: invID})
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.Equal(t, cloud.InvocationRunning, invs[0].Status)
	assert.False(t, invs[0].Settled())

	c.Advance()
	invs, err = c.ListInvocations(ctx, cloud.InvocationQuery{InvocationID: invID, InstanceID: "ins-2"})
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, cloud.InvocationFailed, invs[0].Status)
	assert.Equal(t, 2, invs[0].ExitCode)

	invs, _ = c.ListInvocations(ctx, cloud.InvocationQuery{InstanceID: "ins-1"})
	require.Len(t, invs, 1)
	assert.Equal(t, cloud.InvocationSuccess, invs[0].Status)
	assert.Equal(t, "ins-1: hostname", invs[0].Output)
}

func TestCloud_RunCommandNeedsRunningInstances(t *testing.T) {
	c := NewSeeded()
	c.AddInstance(cloud.Instance{ID: "ins-1", Status: model.StatusStopped, Region: "ap-beijing"})

	_, err := c.RunCommand(context.Background(), cloud.CommandSpec{InstanceIDs: []string{"ins-1"}, Content: "ls"})
	assert.True(t, cloud.IsKind(err, cloud.KindInvalid))
	invs, err := c.ListInvocations(context.Background(), cloud.InvocationQuery{})
	require.NoError(t, err)
	assert.Empty(t, invs)
}
