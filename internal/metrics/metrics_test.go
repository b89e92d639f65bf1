package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/vmcache/internal/db"
)

func TestNewServer_Healthz(t *testing.T) {
	srv := NewServer("127.0.0.1:0")
	rec := httptest.NewRecorder()

	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRegisterSQLPoolMetrics(t *testing.T) {
	conn, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	reg := prometheus.NewRegistry()
	RegisterSQLPoolMetrics(reg, conn)

	n, err := testutil.GatherAndCount(reg, "vmcache_sql_open_conns", "vmcache_sql_idle_conns")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
