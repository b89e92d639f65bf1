// Package storetest opens throwaway stores for tests in other packages.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edvin/vmcache/internal/db"
	"github.com/edvin/vmcache/internal/model"
	"github.com/edvin/vmcache/internal/store"
)

// New returns a migrated store backed by a file in t.TempDir. When region is
// non-empty it is saved as the default region together with test
// credentials.
func New(t *testing.T, region string, opts ...store.Option) *store.Store {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, filepath.Join(t.TempDir(), "cache.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = db.RunMigrations(ctx, conn)
	require.NoError(t, err)

	s := store.New(conn, opts...)
	require.NoError(t, s.Init(ctx))

	if region != "" {
		id, key := "AKIDTEST", "test-secret"
		_, err := s.UpdateSettings(ctx, model.SettingsPatch{
			SecretID:      &id,
			SecretKey:     &key,
			DefaultRegion: &region,
		})
		require.NoError(t, err)
	}
	return s
}

// Lookup returns the cached row for id in any status.
func Lookup(t *testing.T, s *store.Store, id string) model.Instance {
	t.Helper()
	rows, err := s.LookupInstances(context.Background(), []string{id})
	require.NoError(t, err)
	require.Len(t, rows, 1, "no cached row for %s", id)
	return rows[0]
}
