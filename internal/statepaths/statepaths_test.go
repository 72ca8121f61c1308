package statepaths

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPluginStateDir(t *testing.T) {
	assert.Equal(t, "/presets/effect-3", PluginStateDir("/presets", 3))
}

func TestMakePluginStatePathCreatesParents(t *testing.T) {
	root := t.TempDir()

	full, err := MakePluginStatePath(root, 7, "bank/warm.preset")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "effect-7", "bank", "warm.preset"), full)

	info, err := os.Stat(filepath.Join(root, "effect-7", "bank"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestMakePluginStatePathBareDir(t *testing.T) {
	root := t.TempDir()
	full, err := MakePluginStatePath(root, 7, ".")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "effect-7"), full)

	info, err := os.Stat(full)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRemovePluginState(t *testing.T) {
	root := t.TempDir()
	_, err := MakePluginStatePath(root, 2, "a/b")
	require.NoError(t, err)

	require.NoError(t, RemovePluginState(root, 2))
	_, err = os.Stat(PluginStateDir(root, 2))
	assert.True(t, os.IsNotExist(err))
}

func TestTimestampedBackupDir(t *testing.T) {
	when := time.Date(2024, 3, 9, 15, 4, 5, 0, time.UTC)
	dir, err := TimestampedBackupDir("/backups", when)
	require.NoError(t, err)
	assert.Equal(t, "/backups/backup-20240309", dir)
}
