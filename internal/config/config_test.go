package config_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simutrace/simutrace/internal/config"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, config.Default().Bindings, cfg.Bindings)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "simutraced.json")

	cfg := config.Default()
	cfg.Bindings = []string{"local:/tmp/custom.sock"}
	cfg.WorkerPool.Size = 8

	require.NoError(t, config.Save(path, cfg))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Bindings, loaded.Bindings)
	require.Equal(t, 8, loaded.WorkerPool.Size)
}

func TestWorkspaceLockRejectsSecondHolder(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "workspace")

	lock, err := config.LockWorkspace(dir)
	require.NoError(t, err)
	defer lock.Unlock()

	_, err = config.LockWorkspace(dir)
	require.Error(t, err)
}
