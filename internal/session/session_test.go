package session_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simutrace/simutrace/internal/backend/fsbackend"
	"github.com/simutrace/simutrace/internal/segmentpool"
	"github.com/simutrace/simutrace/internal/session"
	"github.com/simutrace/simutrace/internal/store"
)

func newTestSession(t *testing.T) *session.Session {
	t.Helper()

	return session.NewStandalone(1, 31, map[string]string{"workspace": t.TempDir()}, func() store.Backend {
		return fsbackend.New()
	})
}

func TestCreateStoreThenOpenSucceedsWithoutAlwaysCreate(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	path := filepath.Join(t.TempDir(), "store1")

	require.NoError(t, s.CreateStore(context.Background(), path, false))
	require.NoError(t, s.CloseStore(context.Background()))

	// Store now exists on disk: OpenStore (alwaysCreate=false) must
	// open it rather than recreate it.
	require.NoError(t, s.OpenStore(context.Background(), path))
	require.NoError(t, s.CloseStore(context.Background()))
}

func TestCreateStoreRejectsSecondOpenStoreWithoutClose(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	path := filepath.Join(t.TempDir(), "store1")

	require.NoError(t, s.CreateStore(context.Background(), path, false))

	err := s.CreateStore(context.Background(), path, false)
	require.Error(t, err)
}

func TestRegisterStreamBufferRequiresOpenStore(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)

	_, _, err := s.RegisterStreamBuffer(segmentpool.Config{SegmentSize: 4096, NumSegments: 1})
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "store1")
	require.NoError(t, s.CreateStore(context.Background(), path, false))

	_, _, err = s.RegisterStreamBuffer(segmentpool.Config{SegmentSize: 4096, NumSegments: 1})
	require.NoError(t, err)
}

func TestApplySettingRejectsLockedKey(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	s.SetConfigLockList([]string{"log.verbosity"})

	err := s.ApplySetting("log.verbosity = debug")
	require.Error(t, err)

	require.NoError(t, s.ApplySetting("session.label = trace-run-1"))
	v, ok := s.Setting("session.label")
	require.True(t, ok)
	require.Equal(t, "trace-run-1", v)
}

func TestCloseTearsDownOpenStoreAndMarksDead(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	path := filepath.Join(t.TempDir(), "store1")
	require.NoError(t, s.CreateStore(context.Background(), path, false))

	require.NoError(t, s.Close(context.Background()))
	require.False(t, s.IsAlive())

	// The store can now be opened again at the same path since the
	// backend's lock was released by Close.
	backend := fsbackend.New()
	require.NoError(t, backend.Open(context.Background(), path))
	require.NoError(t, backend.Close(context.Background()))
}
