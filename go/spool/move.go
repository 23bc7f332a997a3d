package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// MoveFolder moves the contents of |src| (except its lock file) into a new
// folder under |destDir|. The destination is named by |taskID| so the unit
// can be found again, or by a fresh UUID when no task ID is known. The
// destination is locked for the duration of the move and unlocked before
// returning; the caller retains the source lock and is responsible for
// removing the drained source folder.
//
// The move is not transactional. A crash between creating the destination
// and freeing the source lock leaves two locked copies, which must never be
// resolved automatically.
func MoveFolder(taskID, src, destDir string) (string, error) {
	var name = taskID
	if name == "" {
		name = uuid.NewString()
	}

	var dest = filepath.Join(destDir, name)
	if err := os.Mkdir(dest, 0755); os.IsExist(err) {
		// A folder with this task ID already exists (for example after a
		// partial restart). Fall back to a suffixed name.
		dest = filepath.Join(destDir, name+"_"+time.Now().Format("2006-01-02T15-04-05"))
		if err = os.Mkdir(dest, 0755); err != nil {
			return "", fmt.Errorf("creating destination folder %s: %w", dest, err)
		}
	} else if err != nil {
		return "", fmt.Errorf("creating destination folder %s: %w", dest, err)
	}

	destLock, err := AcquireFolder(dest)
	if err != nil {
		return "", fmt.Errorf("locking destination folder: %w", err)
	}

	if err = moveContents(src, dest); err != nil {
		return "", err
	}

	if err = destLock.Free(); err != nil {
		return "", fmt.Errorf("unlocking destination folder: %w", err)
	}
	return dest, nil
}

// moveContents renames every entry of |src| except the lock file into |dest|.
func moveContents(src, dest string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("reading source folder %s: %w", src, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.Name() == LockFile {
			continue
		}
		var from = filepath.Join(src, entry.Name())
		var to = filepath.Join(dest, entry.Name())
		if err = os.Rename(from, to); err != nil {
			return fmt.Errorf("moving %s to %s: %w", from, to, err)
		}
	}
	return nil
}

// RemoveFolder frees the held lock and deletes the drained unit folder.
func RemoveFolder(folder string, lock *FileLock) error {
	if err := lock.Free(); err != nil {
		return err
	}
	if err := os.RemoveAll(folder); err != nil {
		return fmt.Errorf("removing folder %s: %w", folder, err)
	}
	return nil
}

// CopyTree recursively copies |src| into |dest|, creating |dest|.
// Used for as-received snapshots and input retention, where the original
// files must survive the unit's onward move.
func CopyTree(src, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	for _, entry := range entries {
		var from = filepath.Join(src, entry.Name())
		var to = filepath.Join(dest, entry.Name())
		if entry.IsDir() {
			if err = CopyTree(from, to); err != nil {
				return err
			}
			continue
		}
		if err = CopyFile(from, to); err != nil {
			return err
		}
	}
	return nil
}

// CopyFile copies a single file, preserving its mode.
func CopyFile(from, to string) error {
	data, err := os.ReadFile(from)
	if err != nil {
		return fmt.Errorf("reading %s: %w", from, err)
	}
	info, err := os.Stat(from)
	if err != nil {
		return fmt.Errorf("stat %s: %w", from, err)
	}
	if err = os.WriteFile(to, data, info.Mode().Perm()); err != nil {
		return fmt.Errorf("writing %s: %w", to, err)
	}
	return nil
}

// ListUnits returns the names of unit folders under |dir| in sorted order,
// skipping any which carry one of the given marker files. Scans are ordered
// by folder name for determinism within a single pass.
func ListUnits(dir string, skipMarkers ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var out []string
entries:
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var folder = filepath.Join(dir, entry.Name())
		for _, marker := range skipMarkers {
			if HasMarker(folder, marker) {
				continue entries
			}
		}
		out = append(out, entry.Name())
	}
	sort.Strings(out)
	return out, nil
}
