package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/vmcache/internal/model"
)

func preloaded(t *testing.T) *Region {
	t.Helper()
	mgr, _, _ := newTestManager(t)
	_, err := mgr.Preload().Wait(context.Background())
	require.NoError(t, err)
	return NewRegion(mgr)
}

func TestRegionList(t *testing.T) {
	h := preloaded(t)
	rec := httptest.NewRecorder()

	h.List(rec, newRequest(http.MethodGet, "/regions", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []model.Region `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Items, 3)
}

func TestRegionZones(t *testing.T) {
	h := preloaded(t)
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodGet, "/regions/ap-shanghai/zones", nil), "region", "ap-shanghai")

	h.Zones(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []model.Zone `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 2)
	assert.Equal(t, "ap-shanghai", body.Items[0].Region)
}

func TestRegionZones_MissingRegion(t *testing.T) {
	h := preloaded(t)
	rec := httptest.NewRecorder()

	h.Zones(rec, withChiURLParam(newRequest(http.MethodGet, "/regions//zones", nil), "region", ""))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeErrorResponse(rec)["error"], "missing required ID")
}

func TestRegionImages(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		status int
		count  int
	}{
		{"default public", "", http.StatusOK, 2},
		{"explicit public", "?type=PUBLIC_IMAGE", http.StatusOK, 2},
		{"private none cached", "?type=PRIVATE_IMAGE", http.StatusOK, 0},
		{"unknown type", "?type=OTHER", http.StatusBadRequest, 0},
	}
	h := preloaded(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r := withChiURLParam(newRequest(http.MethodGet, "/regions/ap-beijing/images"+tt.query, nil), "region", "ap-beijing")

			h.Images(rec, r)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				return
			}
			var body struct {
				Count int `json:"count"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.count, body.Count)
		})
	}
}
