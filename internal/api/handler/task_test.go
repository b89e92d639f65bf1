package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/vmcache/internal/task"
	"github.com/edvin/vmcache/internal/tracker"
)

func TestTaskSync_ThenGet(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	h := NewTask(mgr)

	rec := httptest.NewRecorder()
	h.Sync(rec, newRequest(http.MethodPost, "/sync", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decodeAccepted(t, rec)
	waitTask(t, mgr, id)

	rec = httptest.NewRecorder()
	h.Get(rec, withChiURLParam(newRequest(http.MethodGet, "/tasks/"+id, nil), "id", id))

	assert.Equal(t, http.StatusOK, rec.Code)
	var info task.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "resync", info.Name)
	assert.Equal(t, task.StateSucceeded, info.State)
	assert.NotNil(t, info.FinishedAt)
}

func TestTaskGet_NotFound(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	h := NewTask(mgr)
	rec := httptest.NewRecorder()

	h.Get(rec, withChiURLParam(newRequest(http.MethodGet, "/tasks/nope", nil), "id", "nope"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeErrorResponse(rec)["error"], "not found")
}

func TestTaskList_PreloadWarnings(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	h := NewTask(mgr)

	rec := httptest.NewRecorder()
	h.Preload(rec, newRequest(http.MethodPost, "/preload", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	waitTask(t, mgr, decodeAccepted(t, rec))

	rec = httptest.NewRecorder()
	h.List(rec, newRequest(http.MethodGet, "/tasks", nil))

	var body struct {
		Items []task.Info `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "preload", body.Items[0].Name)
	assert.Empty(t, body.Items[0].Warnings)
}

func TestTaskWatch_Empty(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	h := NewTask(mgr)
	rec := httptest.NewRecorder()

	h.Watch(rec, newRequest(http.MethodGet, "/watch", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var snap tracker.WatchSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Empty(t, snap.Pending)
	assert.Empty(t, snap.Starting)
	assert.Empty(t, snap.Stopping)
}
