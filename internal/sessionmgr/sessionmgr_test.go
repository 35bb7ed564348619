package sessionmgr_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simutrace/simutrace/internal/backend/fsbackend"
	"github.com/simutrace/simutrace/internal/sessionmgr"
	"github.com/simutrace/simutrace/internal/store"
)

func newBackend() store.Backend { return fsbackend.New() }

func TestStoreManagerDedupsConcurrentSessionsOnSamePath(t *testing.T) {
	t.Parallel()

	stores := sessionmgr.NewStoreManager(newBackend)
	path := filepath.Join(t.TempDir(), "shared-store")

	a, err := stores.Acquire(context.Background(), path, true)
	require.NoError(t, err)

	b, err := stores.Acquire(context.Background(), path, false)
	require.NoError(t, err)

	require.Same(t, a, b)
	require.Equal(t, 1, stores.OpenStoreCount())

	require.NoError(t, stores.Release(context.Background(), path))
	require.Equal(t, 1, stores.OpenStoreCount())

	require.NoError(t, stores.Release(context.Background(), path))
	require.Equal(t, 0, stores.OpenStoreCount())
}

func TestSessionManagerCreateEnumerateAndClose(t *testing.T) {
	t.Parallel()

	stores := sessionmgr.NewStoreManager(newBackend)
	mgr := sessionmgr.NewSessionManager(stores, time.Second, nil)

	s1 := mgr.CreateSession(31, nil)
	s2 := mgr.CreateSession(31, nil)

	ids := mgr.EnumerateSessions()
	require.Len(t, ids, 2)

	found, err := mgr.Session(s1.ID())
	require.NoError(t, err)
	require.Same(t, s1, found)

	require.NoError(t, mgr.CloseSession(context.Background(), s2.ID()))
	require.Len(t, mgr.EnumerateSessions(), 1)

	require.NoError(t, mgr.Close(context.Background()))
	require.Empty(t, mgr.EnumerateSessions())
	require.False(t, s1.IsAlive())
}

func TestSessionManagerSharesStoreAcrossSessions(t *testing.T) {
	t.Parallel()

	stores := sessionmgr.NewStoreManager(newBackend)
	mgr := sessionmgr.NewSessionManager(stores, time.Second, nil)

	path := filepath.Join(t.TempDir(), "shared-store")

	s1 := mgr.CreateSession(31, nil)
	s2 := mgr.CreateSession(31, nil)

	require.NoError(t, s1.CreateStore(context.Background(), path, true))
	require.NoError(t, s2.OpenStore(context.Background(), path))
	require.Equal(t, 1, stores.OpenStoreCount())

	require.NoError(t, s1.CloseStore(context.Background()))
	require.Equal(t, 1, stores.OpenStoreCount())

	require.NoError(t, s2.CloseStore(context.Background()))
	require.Equal(t, 0, stores.OpenStoreCount())
}
