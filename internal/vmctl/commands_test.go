package vmctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mux      *http.ServeMux
	lastBody map[string]any
	polls    atomic.Int32
}

func newFakeAPI(t *testing.T) (*fakeAPI, *CLI, *bytes.Buffer) {
	t.Helper()
	f := &fakeAPI{mux: http.NewServeMux()}
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL + "/")
	client.PollInterval = 5 * time.Millisecond
	out := &bytes.Buffer{}
	return f, &CLI{Client: client, Out: out}, out
}

func (f *fakeAPI) handle(pattern string, status int, body string) {
	f.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&f.lastBody)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
}

func TestCLI_List(t *testing.T) {
	f, cli, out := newFakeAPI(t)
	f.handle("GET /api/v1/instances", http.StatusOK, `{"items":[
		{"id":"ins-1","name":"web","status":"RUNNING","region":"ap-beijing","zone":"ap-beijing-1","instance_type":"S5.MEDIUM4","private_ip":"10.0.0.2","updated_at":"2026-01-01T00:00:00Z"},
		{"id":"ins-2","name":"db","status":"STOPPED","region":"ap-beijing","zone":"ap-beijing-2","instance_type":"S5.LARGE8","updated_at":"2026-01-01T00:00:00Z"}
	],"count":2}`)

	require.NoError(t, cli.List(context.Background(), nil))
	assert.Contains(t, out.String(), "ins-1")
	assert.Contains(t, out.String(), "10.0.0.2")
	assert.Contains(t, out.String(), "STOPPED")
	assert.Contains(t, out.String(), "2 instances")
}

func TestCLI_List_Filter(t *testing.T) {
	f, cli, _ := newFakeAPI(t)
	var query string
	f.mux.HandleFunc("GET /api/v1/instances", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Write([]byte(`{"items":[],"count":0}`))
	})

	require.NoError(t, cli.List(context.Background(), url.Values{"status": {"RUNNING"}}))
	assert.Equal(t, "status=RUNNING", query)
}

func TestCLI_Get_RequiresIDs(t *testing.T) {
	_, cli, _ := newFakeAPI(t)
	assert.Error(t, cli.Get(context.Background(), nil))
}

func TestCLI_Start_NoWait(t *testing.T) {
	f, cli, out := newFakeAPI(t)
	f.handle("POST /api/v1/instances/start", http.StatusAccepted, `{"task_id":"t-1","task":"start","status":"running"}`)

	require.NoError(t, cli.Start(context.Background(), []string{"ins-1", "ins-2"}))
	assert.Equal(t, "start task t-1 started\n", out.String())
	assert.Equal(t, []any{"ins-1", "ins-2"}, f.lastBody["ids"])
}

func TestCLI_Stop_WaitSucceeded(t *testing.T) {
	f, cli, out := newFakeAPI(t)
	cli.Wait = true
	cli.Timeout = time.Second
	f.handle("POST /api/v1/instances/stop", http.StatusAccepted, `{"task_id":"t-2","task":"stop","status":"running"}`)
	f.mux.HandleFunc("GET /api/v1/tasks/t-2", func(w http.ResponseWriter, r *http.Request) {
		if f.polls.Add(1) < 3 {
			w.Write([]byte(`{"id":"t-2","name":"stop","state":"running","started_at":"2026-01-01T00:00:00Z"}`))
			return
		}
		w.Write([]byte(`{"id":"t-2","name":"stop","state":"succeeded","started_at":"2026-01-01T00:00:00Z",
			"finished_at":"2026-01-01T00:00:02Z","warnings":["ins-9: not found"],"result":{"ids":["ins-1"]}}`))
	})

	require.NoError(t, cli.Stop(context.Background(), []string{"ins-1"}, true))
	assert.Equal(t, true, f.lastBody["force"])
	assert.Contains(t, out.String(), "warning: ins-9: not found")
	assert.Contains(t, out.String(), "stop succeeded in 2s")
	assert.Contains(t, out.String(), "ins-1")
	assert.GreaterOrEqual(t, f.polls.Load(), int32(3))
}

func TestCLI_Terminate_WaitFailed(t *testing.T) {
	f, cli, _ := newFakeAPI(t)
	cli.Wait = true
	f.handle("POST /api/v1/instances/terminate", http.StatusAccepted, `{"task_id":"t-3","task":"terminate"}`)
	f.handle("GET /api/v1/tasks/t-3", http.StatusOK, `{"id":"t-3","name":"terminate","state":"failed","error":"auth: bad key"}`)

	err := cli.Terminate(context.Background(), []string{"ins-1"})
	require.ErrorIs(t, err, ErrTaskFailed)
	assert.Contains(t, err.Error(), "bad key")
}

func TestCLI_Wait_Timeout(t *testing.T) {
	f, cli, _ := newFakeAPI(t)
	cli.Wait = true
	cli.Timeout = 30 * time.Millisecond
	f.handle("POST /api/v1/sync", http.StatusAccepted, `{"task_id":"t-4","task":"resync"}`)
	f.handle("GET /api/v1/tasks/t-4", http.StatusOK, `{"id":"t-4","name":"resync","state":"running"}`)

	err := cli.Sync(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCLI_APIError(t *testing.T) {
	f, cli, _ := newFakeAPI(t)
	f.handle("POST /api/v1/instances/reset-password", http.StatusBadRequest, `{"error":"validation error: password too weak"}`)

	err := cli.ResetPassword(context.Background(), []string{"ins-1"}, "weak")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "password too weak")
}

func TestCLI_Settings_Show(t *testing.T) {
	f, cli, out := newFakeAPI(t)
	f.handle("GET /api/v1/settings", http.StatusOK,
		`{"secret_id":"AKID","secret_key":"********","default_region":"ap-beijing","template":{"cpu":2,"memory":4}}`)

	require.NoError(t, cli.Settings(context.Background(), nil))
	assert.Contains(t, out.String(), "secret_id: AKID")
	assert.Contains(t, out.String(), "default_region: ap-beijing")
	assert.Contains(t, out.String(), "cpu: 2")
}

func TestCLI_Settings_Set(t *testing.T) {
	f, cli, _ := newFakeAPI(t)
	f.handle("PATCH /api/v1/settings", http.StatusOK, `{"default_region":"ap-shanghai","template":{"cpu":8}}`)

	require.NoError(t, cli.Settings(context.Background(), []string{"cpu=8", "default_region=ap-shanghai"}))
	assert.Equal(t, float64(8), f.lastBody["cpu"])
	assert.Equal(t, "ap-shanghai", f.lastBody["default_region"])
}

func TestParseSettings(t *testing.T) {
	tests := []struct {
		name    string
		sets    []string
		want    map[string]any
		wantErr bool
	}{
		{name: "string and int", sets: []string{"zone=ap-beijing-1", "disk_size=100"}, want: map[string]any{"zone": "ap-beijing-1", "disk_size": 100}},
		{name: "empty value", sets: []string{"image_id="}, want: map[string]any{"image_id": ""}},
		{name: "missing equals", sets: []string{"cpu"}, wantErr: true},
		{name: "not a number", sets: []string{"memory=lots"}, wantErr: true},
		{name: "unknown key", sets: []string{"color=blue"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSettings(tt.sets)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCLI_Regions(t *testing.T) {
	f, cli, out := newFakeAPI(t)
	f.handle("GET /api/v1/regions", http.StatusOK,
		`{"items":[{"code":"ap-beijing","name":"Beijing","state":"AVAILABLE"}],"count":1}`)

	require.NoError(t, cli.Regions(context.Background()))
	assert.Contains(t, out.String(), "ap-beijing")
	assert.Contains(t, out.String(), "AVAILABLE")
}

func TestCLI_Images_PassesType(t *testing.T) {
	f, cli, out := newFakeAPI(t)
	var gotType string
	f.mux.HandleFunc("GET /api/v1/regions/ap-beijing/images", func(w http.ResponseWriter, r *http.Request) {
		gotType = r.URL.Query().Get("type")
		w.Write([]byte(`{"items":[{"id":"img-1","name":"Ubuntu 24.04","type":"PRIVATE_IMAGE"}],"count":1}`))
	})

	require.NoError(t, cli.Images(context.Background(), "ap-beijing", "PRIVATE_IMAGE"))
	assert.Equal(t, "PRIVATE_IMAGE", gotType)
	assert.Contains(t, out.String(), "Ubuntu 24.04")
}

func TestCLI_Price(t *testing.T) {
	f, cli, out := newFakeAPI(t)
	f.handle("POST /api/v1/price", http.StatusOK,
		`{"currency":"USD","instance_per_hour":0.06,"bandwidth_per_gb":0.12,"disk_per_month":2.5}`)

	require.NoError(t, cli.Price(context.Background(), map[string]any{"zone": "ap-beijing-1"}))
	assert.Equal(t, "ap-beijing-1", f.lastBody["zone"])
	assert.Contains(t, out.String(), "0.0600 USD/hour")
	assert.Contains(t, out.String(), "2.50 USD/month")
}

func TestCLI_RunCommand_WaitPrintsInvocations(t *testing.T) {
	f, cli, out := newFakeAPI(t)
	cli.Wait = true
	cli.Timeout = time.Second
	f.handle("POST /api/v1/instances/command", http.StatusAccepted, `{"task_id":"t-5","task":"run_command"}`)
	f.handle("GET /api/v1/tasks/t-5", http.StatusOK, `{"id":"t-5","name":"run_command","state":"succeeded",
		"result":{"invocations":[{"invocation_id":"inv-1","region":"ap-beijing","ids":["ins-1"]}]}}`)

	require.NoError(t, cli.RunCommand(context.Background(), map[string]any{"ids": []string{"ins-1"}, "command": "uptime"}))
	assert.Equal(t, "uptime", f.lastBody["command"])
	assert.Contains(t, out.String(), "invocation: inv-1 (ap-beijing)")
}

func TestCLI_Invocations(t *testing.T) {
	f, cli, out := newFakeAPI(t)
	var query string
	f.mux.HandleFunc("GET /api/v1/invocations", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Write([]byte(`{"items":[
			{"invocation_id":"inv-1","instance_id":"ins-1","status":"SUCCESS","exit_code":0,"output":"up 3 days\n"},
			{"invocation_id":"inv-1","instance_id":"ins-2","status":"RUNNING"}
		],"count":2}`))
	})

	require.NoError(t, cli.Invocations(context.Background(), url.Values{"invocation_id": {"inv-1"}}, true))
	assert.Equal(t, "invocation_id=inv-1", query)
	assert.Contains(t, out.String(), "SUCCESS")
	assert.Contains(t, out.String(), "--- inv-1 ins-1\nup 3 days\n")
	assert.NotContains(t, out.String(), "--- inv-1 ins-2")
}

func TestCLI_CreateImage(t *testing.T) {
	f, cli, out := newFakeAPI(t)
	f.handle("POST /api/v1/images", http.StatusAccepted, `{"task_id":"t-6","task":"create_image"}`)

	require.NoError(t, cli.CreateImage(context.Background(), "ins-1", "golden", ""))
	assert.Equal(t, map[string]any{"instance_id": "ins-1", "name": "golden"}, f.lastBody)
	assert.Equal(t, "create_image task t-6 started\n", out.String())
}

func TestCLI_ValidateCredentials(t *testing.T) {
	f, cli, out := newFakeAPI(t)
	f.handle("POST /api/v1/settings/validate", http.StatusOK, `{"valid":true}`)

	require.NoError(t, cli.ValidateCredentials(context.Background(), "AKID", "key", ""))
	assert.Equal(t, "AKID", f.lastBody["secret_id"])
	assert.Contains(t, out.String(), "credentials valid")
}

func TestCLI_ValidateCredentials_Rejected(t *testing.T) {
	f, cli, _ := newFakeAPI(t)
	f.handle("POST /api/v1/settings/validate", http.StatusBadRequest, `{"error":"credentials rejected: auth: bad key"}`)

	err := cli.ValidateCredentials(context.Background(), "AKID", "wrong", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials rejected")
}
