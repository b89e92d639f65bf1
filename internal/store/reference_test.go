package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/vmcache/internal/model"
)

func TestStore_ReplaceRegions_ReplacesWholeTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceRegions(ctx, []model.Region{
		{Code: "ap-beijing", Name: "Beijing", State: model.RegionAvailable},
		{Code: "ap-tokyo", Name: "Tokyo", State: model.RegionAvailable},
	}))
	require.NoError(t, s.ReplaceRegions(ctx, []model.Region{
		{Code: "ap-shanghai", Name: "Shanghai", State: model.RegionAvailable},
	}))

	got := s.ListRegions(ctx)
	require.Len(t, got, 1)
	assert.Equal(t, "ap-shanghai", got[0].Code)
	assert.Equal(t, "Shanghai", got[0].Name)
}

func TestStore_ReplaceZones_IsolatedPerRegion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceZones(ctx, "X", []model.Zone{
		{Code: "x-1", Name: "X One", State: model.RegionAvailable},
		{Code: "x-2", Name: "X Two", State: model.RegionAvailable},
	}))
	require.NoError(t, s.ReplaceZones(ctx, "Y", []model.Zone{{Code: "y-1", Name: "Y One"}}))
	require.NoError(t, s.ReplaceZones(ctx, "Y", []model.Zone{{Code: "y-2", Name: "Y Two"}}))

	x := s.ListZones(ctx, "X")
	require.Len(t, x, 2)
	assert.Equal(t, "x-1", x[0].Code)
	assert.Equal(t, "X", x[0].Region)
	assert.Equal(t, "x-2", x[1].Code)

	y := s.ListZones(ctx, "Y")
	require.Len(t, y, 1)
	assert.Equal(t, "y-2", y[0].Code)
}

func TestStore_ReplaceImages_ScopedToRegionAndType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceImages(ctx, "X", model.ImagePublic, []model.Image{{ID: "img-pub", Name: "Ubuntu"}}))
	require.NoError(t, s.ReplaceImages(ctx, "X", model.ImagePrivate, []model.Image{{ID: "img-priv", Name: "Mine"}}))
	require.NoError(t, s.ReplaceImages(ctx, "Y", model.ImagePublic, []model.Image{{ID: "img-pub", Name: "Ubuntu Y"}}))

	require.NoError(t, s.ReplaceImages(ctx, "X", model.ImagePublic, []model.Image{{ID: "img-pub2", Name: "Debian"}}))

	pub := s.ListImages(ctx, "X", model.ImagePublic)
	require.Len(t, pub, 1)
	assert.Equal(t, "img-pub2", pub[0].ID)
	assert.Equal(t, model.ImagePublic, pub[0].Type)

	all := s.ListImages(ctx, "X", "")
	assert.Len(t, all, 2)

	y := s.ListImages(ctx, "Y", model.ImagePublic)
	require.Len(t, y, 1)
	assert.Equal(t, "Ubuntu Y", y[0].Name)
}

func TestStore_BatchSync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.ReplaceZones(ctx, "untouched", []model.Zone{{Code: "u-1"}}))

	err := s.BatchSync(ctx,
		[]model.Region{{Code: "X"}, {Code: "Y"}},
		[]RegionData{
			{Region: "X", Zones: []model.Zone{{Code: "x-1"}}, Images: []model.Image{{ID: "img-1"}}},
			{Region: "Y", Zones: []model.Zone{{Code: "y-1"}, {Code: "y-2"}}},
		})
	require.NoError(t, err)

	assert.Len(t, s.ListRegions(ctx), 2)
	assert.Len(t, s.ListZones(ctx, "X"), 1)
	assert.Len(t, s.ListZones(ctx, "Y"), 2)
	assert.Len(t, s.ListZones(ctx, "untouched"), 1)
	assert.Len(t, s.ListImages(ctx, "X", model.ImagePublic), 1)
}
