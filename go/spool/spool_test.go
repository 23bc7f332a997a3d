package spool_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/micsi-dev/mercure/go/spool"
	"github.com/stretchr/testify/require"
)

func TestAcquireIsExclusive(t *testing.T) {
	var dir = t.TempDir()

	lock, err := spool.AcquireFolder(dir)
	require.NoError(t, err)

	_, err = spool.AcquireFolder(dir)
	require.ErrorIs(t, err, spool.ErrLocked)

	require.NoError(t, lock.Free())

	// The lock may be re-acquired once freed.
	lock, err = spool.AcquireFolder(dir)
	require.NoError(t, err)
	require.NoError(t, lock.Free())
}

func TestMoveFolderExcludesSourceLock(t *testing.T) {
	var root = t.TempDir()
	var src = filepath.Join(root, "unit")
	var destDir = filepath.Join(root, "outgoing")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.MkdirAll(destDir, 0755))

	require.NoError(t, os.WriteFile(filepath.Join(src, "a.dcm"), []byte("dicom"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "task.json"), []byte("{}"), 0644))

	lock, err := spool.AcquireFolder(src)
	require.NoError(t, err)

	dest, err := spool.MoveFolder("task-1", src, destDir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(destDir, "task-1"), dest)

	// Files moved; source retains only its lock; destination is unlocked.
	require.FileExists(t, filepath.Join(dest, "a.dcm"))
	require.FileExists(t, filepath.Join(dest, "task.json"))
	require.False(t, spool.HasMarker(dest, spool.LockFile))
	require.True(t, spool.HasMarker(src, spool.LockFile))

	require.NoError(t, spool.RemoveFolder(src, lock))
	require.NoDirExists(t, src)
}

func TestMoveFolderNameCollision(t *testing.T) {
	var root = t.TempDir()
	var src = filepath.Join(root, "unit")
	var destDir = filepath.Join(root, "error")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(destDir, "task-1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "task.json"), []byte("{}"), 0644))

	dest, err := spool.MoveFolder("task-1", src, destDir)
	require.NoError(t, err)
	require.NotEqual(t, filepath.Join(destDir, "task-1"), dest)
	require.FileExists(t, filepath.Join(dest, "task.json"))
}

func TestMoveFolderWithoutTaskIDUsesUUID(t *testing.T) {
	var root = t.TempDir()
	var src = filepath.Join(root, "unit")
	var destDir = filepath.Join(root, "discard")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.MkdirAll(destDir, 0755))

	dest, err := spool.MoveFolder("", src, destDir)
	require.NoError(t, err)
	require.NotEmpty(t, filepath.Base(dest))
	require.DirExists(t, dest)
}

func TestListUnitsSkipsMarkedFolders(t *testing.T) {
	var dir = t.TempDir()
	for _, name := range []string{"b", "a", "c"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray-file"), nil, 0644))
	require.NoError(t, spool.Touch(filepath.Join(dir, "b", spool.LockFile)))
	require.NoError(t, spool.Touch(filepath.Join(dir, "c", spool.ProcessingFile)))

	units, err := spool.ListUnits(dir, spool.LockFile, spool.ProcessingFile)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, units)
}

func TestFoldersVerify(t *testing.T) {
	var folders = spool.NewFolders(t.TempDir())
	require.Error(t, folders.Verify())
	require.NoError(t, folders.EnsureAll())
	require.NoError(t, folders.Verify())
}

func TestCopyTree(t *testing.T) {
	var root = t.TempDir()
	var src = filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.dcm"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "b.dcm"), []byte("b"), 0644))

	require.NoError(t, spool.CopyTree(src, filepath.Join(root, "dest")))
	require.FileExists(t, filepath.Join(root, "dest", "a.dcm"))
	require.FileExists(t, filepath.Join(root, "dest", "nested", "b.dcm"))

	// Originals are left in place.
	require.FileExists(t, filepath.Join(src, "a.dcm"))
}
