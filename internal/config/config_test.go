package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"VMCACHE_CONFIG", "DATABASE_PATH", "HTTP_LISTEN_ADDR", "LOG_LEVEL", "PROVIDER", "DEFAULT_REGION",
		"RESYNC_INTERVAL", "LOCAL_REFRESH_INTERVAL", "TRANSIENT_POLL_INTERVAL",
		"PRELOAD_WORKERS", "PRELOAD_MODE", "PRELOAD_ON_START", "SIDECAR_ADDR",
		"SECRET_SEALING_KEY",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "vmcache.db", cfg.DatabasePath)
	assert.Equal(t, "127.0.0.1:8090", cfg.HTTPListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "aws", cfg.Provider)
	assert.Equal(t, "us-east-1", cfg.DefaultRegion)
	assert.Equal(t, time.Minute, cfg.ResyncInterval)
	assert.Equal(t, 4*time.Second, cfg.LocalRefreshInterval)
	assert.Equal(t, 2*time.Second, cfg.TransientPollInterval)
	assert.Equal(t, 5*time.Second, cfg.BusyTimeout)
	assert.Equal(t, 10, cfg.PreloadWorkers)
	assert.Equal(t, PreloadLocal, cfg.PreloadMode)
	assert.Equal(t, "127.0.0.1:8088", cfg.SidecarAddr)
	assert.True(t, cfg.PreloadOnStart)
}

func TestLoad_AllEnvVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_PATH", "/var/lib/vmcache/cache.db")
	t.Setenv("HTTP_LISTEN_ADDR", ":9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PROVIDER", "fake")
	t.Setenv("RESYNC_INTERVAL", "30s")
	t.Setenv("PRELOAD_WORKERS", "4")
	t.Setenv("PRELOAD_MODE", "sidecar")
	t.Setenv("PRELOAD_ON_START", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/vmcache/cache.db", cfg.DatabasePath)
	assert.Equal(t, ":9000", cfg.HTTPListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "fake", cfg.Provider)
	assert.Equal(t, 30*time.Second, cfg.ResyncInterval)
	assert.Equal(t, 4, cfg.PreloadWorkers)
	assert.Equal(t, PreloadSidecar, cfg.PreloadMode)
	assert.False(t, cfg.PreloadOnStart)
}

func TestLoad_BadDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("RESYNC_INTERVAL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESYNC_INTERVAL")
}

func TestLoad_YAMLOverlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "vmcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database_path: /tmp/x.db\nprovider: fake\npreload_workers: 3\n"), 0o600))
	t.Setenv("VMCACHE_CONFIG", path)
	t.Setenv("PRELOAD_WORKERS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/x.db", cfg.DatabasePath)
	assert.Equal(t, "fake", cfg.Provider)
	assert.Equal(t, 5, cfg.PreloadWorkers, "env wins over file")
	assert.Equal(t, "127.0.0.1:8090", cfg.HTTPListenAddr, "defaults survive the overlay")
}

func TestLoad_MissingYAMLFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("VMCACHE_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func TestValidate_Daemon_MissingFields(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate("vmcached")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_PATH")
	assert.Contains(t, err.Error(), "HTTP_LISTEN_ADDR")
	assert.Contains(t, err.Error(), "PROVIDER")
	assert.Contains(t, err.Error(), "PRELOAD_WORKERS")
}

func TestValidate_Helper_MissingFields(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate("preload-helper")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SIDECAR_ADDR")
}

func TestValidate_BadSealingKey(t *testing.T) {
	cfg := defaults()
	cfg.SecretSealingKey = "c2hvcnQ="
	err := cfg.Validate("vmcached")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestLoad_DefaultRegionFollowsProvider(t *testing.T) {
	for provider, want := range map[string]string{"aws": "us-east-1", "fake": "ap-beijing"} {
		t.Run(provider, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("PROVIDER", provider)

			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, want, cfg.DefaultRegion)
			assert.NoError(t, cfg.Validate("vmcached"))
		})
	}
}

func TestLoad_DefaultRegionFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEFAULT_REGION", "eu-west-1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.DefaultRegion)
}

func TestValidate_RegionMustMatchProvider(t *testing.T) {
	cfg := defaults()
	cfg.Provider = "aws"
	cfg.DefaultRegion = "ap-beijing"
	err := cfg.Validate("vmcached")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFAULT_REGION")

	cfg.DefaultRegion = "us-gov-west-1"
	assert.NoError(t, cfg.Validate("vmcached"))

	cfg.Provider = "fake"
	cfg.DefaultRegion = "ap-beijing"
	assert.NoError(t, cfg.Validate("vmcached"))
}

func TestValidate_AllPresent(t *testing.T) {
	cfg := defaults()
	assert.NoError(t, cfg.Validate("vmcached"))
	assert.NoError(t, cfg.Validate("preload-helper"))
}

func TestSealingKey_Unset(t *testing.T) {
	key, err := defaults().SealingKey()
	require.NoError(t, err)
	assert.Nil(t, key)
}
