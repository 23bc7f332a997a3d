package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when a lock file already exists.
var ErrLocked = errors.New("folder is locked")

// FileLock is an advisory lock backed by an exclusively-created marker file.
// A unit folder is exclusively owned by whichever worker last acquired its
// lock. A worker crash leaves the lock dangling; it is never auto-reaped and
// requires operator intervention.
type FileLock struct {
	path string
}

// Acquire the lock file at |path|, failing with ErrLocked if it already exists.
func Acquire(path string) (*FileLock, error) {
	var f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	} else if err != nil {
		return nil, fmt.Errorf("creating lock file %s: %w", path, err)
	} else if err = f.Close(); err != nil {
		return nil, fmt.Errorf("closing lock file %s: %w", path, err)
	}
	return &FileLock{path: path}, nil
}

// AcquireFolder acquires the .lock of the given unit folder.
func AcquireFolder(folder string) (*FileLock, error) {
	return Acquire(filepath.Join(folder, LockFile))
}

// Free releases the lock by removing its marker file.
func (l *FileLock) Free() error {
	if err := os.Remove(l.path); err != nil {
		return fmt.Errorf("removing lock file %s: %w", l.path, err)
	}
	return nil
}

// Path of the underlying marker file.
func (l *FileLock) Path() string { return l.path }

// Touch creates an empty marker file, succeeding if it already exists.
func Touch(path string) error {
	var f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("touching %s: %w", path, err)
	}
	return f.Close()
}

// Exists reports whether the given path exists.
func Exists(path string) bool {
	var _, err = os.Stat(path)
	return err == nil
}

// HasMarker reports whether |folder| contains the named marker file.
func HasMarker(folder, marker string) bool {
	return Exists(filepath.Join(folder, marker))
}

// IsHalted reports whether scans of the stage directory are suspended.
func IsHalted(dir string) bool {
	return Exists(filepath.Join(dir, HaltFile))
}

// MarkerAge returns how long ago the marker inside |folder| was created,
// or zero if it doesn't exist.
func MarkerAge(folder, marker string) time.Duration {
	var info, err = os.Stat(filepath.Join(folder, marker))
	if err != nil {
		return 0
	}
	return time.Since(info.ModTime())
}
