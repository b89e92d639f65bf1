package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/vmcache/internal/cloud/fake"
	"github.com/edvin/vmcache/internal/core"
	"github.com/edvin/vmcache/internal/preload"
	"github.com/edvin/vmcache/internal/reconcile"
	"github.com/edvin/vmcache/internal/store"
	"github.com/edvin/vmcache/internal/store/storetest"
	"github.com/edvin/vmcache/internal/task"
	"github.com/edvin/vmcache/internal/tracker"
)

const testRegion = "ap-beijing"

// newTestManager builds a manager over a temp cache and the seeded fake
// cloud.
func newTestManager(t *testing.T) (*core.Manager, *store.Store, *fake.Cloud) {
	t.Helper()
	st := storetest.New(t, testRegion)
	fc := fake.NewSeeded()
	factory := fake.Factory(fc, true)
	syncer := reconcile.NewSyncer(st, factory, zerolog.Nop())
	tr := tracker.New(st, syncer, nil, zerolog.Nop(), tracker.Config{PollInterval: 10 * time.Millisecond})
	pre := preload.New(st, factory, syncer, zerolog.Nop())
	runner := task.NewRunner(context.Background(), zerolog.Nop())
	t.Cleanup(func() { runner.Shutdown(time.Second) })

	mgr := core.New(st, syncer, tr, pre, runner, zerolog.Nop(), core.Config{})
	t.Cleanup(mgr.Close)
	return mgr, st, fc
}

// newRequest creates a new HTTP request with an optional JSON body.
func newRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

// newRequestRaw creates a new HTTP request with a raw string body.
func newRequestRaw(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withChiURLParam adds a chi URL parameter to the request context.
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// decodeErrorResponse parses the JSON error response body into a map.
func decodeErrorResponse(rec *httptest.ResponseRecorder) map[string]string {
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	return body
}

// decodeAccepted parses a 202 body and returns the task id.
func decodeAccepted(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode accepted body: %v", err)
	}
	return body.TaskID
}

// waitTask blocks until the task with id has left the running state.
func waitTask(t *testing.T, mgr *core.Manager, id string) task.Info {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := mgr.Task(id); ok && info.State != task.StateRunning {
			return info
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
	return task.Info{}
}
