package sys

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireOSFileLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "LOCK")

	release, err := AcquireOSFileLock(lockPath, 0)
	require.NoError(t, err)

	_, err = AcquireOSFileLock(lockPath, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release())

	release2, err := AcquireOSFileLock(lockPath, 0)
	require.NoError(t, err)
	require.NoError(t, release2())
}

func TestRenameDurable(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.tmp")
	dst := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	require.NoError(t, RenameDurable(src, dst))
	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}

func TestRemoveMissingIsNotAnError(t *testing.T) {
	assert.NoError(t, Remove(filepath.Join(t.TempDir(), "missing")))
}

func TestEnsureFreeSpace(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, EnsureFreeSpace(dir, 0))
	assert.NoError(t, EnsureFreeSpace(dir, 1))
	assert.Error(t, EnsureFreeSpace(dir, ^uint64(0)))
}
