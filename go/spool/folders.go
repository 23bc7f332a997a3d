package spool

import (
	"fmt"
	"os"
	"path/filepath"
)

// Folders are the nine well-known directories under the spool root.
type Folders struct {
	Root       string
	Incoming   string
	Studies    string
	Patients   string
	Processing string
	Outgoing   string
	Success    string
	Error      string
	Discard    string
	Jobs       string
}

// NewFolders maps a spool root to its well-known directories.
func NewFolders(root string) Folders {
	return Folders{
		Root:       root,
		Incoming:   filepath.Join(root, "incoming"),
		Studies:    filepath.Join(root, "studies"),
		Patients:   filepath.Join(root, "patients"),
		Processing: filepath.Join(root, "processing"),
		Outgoing:   filepath.Join(root, "outgoing"),
		Success:    filepath.Join(root, "success"),
		Error:      filepath.Join(root, "error"),
		Discard:    filepath.Join(root, "discard"),
		Jobs:       filepath.Join(root, "jobs"),
	}
}

func (f Folders) all() []string {
	return []string{
		f.Incoming, f.Studies, f.Patients, f.Processing,
		f.Outgoing, f.Success, f.Error, f.Discard, f.Jobs,
	}
}

// Verify that every well-known folder exists and is a directory.
// A missing folder is a fatal startup error of the worker process.
func (f Folders) Verify() error {
	for _, dir := range f.all() {
		if info, err := os.Stat(dir); err != nil {
			return fmt.Errorf("spool folder %s: %w", dir, err)
		} else if !info.IsDir() {
			return fmt.Errorf("spool folder %s is not a directory", dir)
		}
	}
	return nil
}

// EnsureAll creates any missing well-known folders. Used at bootstrap and in tests.
func (f Folders) EnsureAll() error {
	for _, dir := range f.all() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating spool folder %s: %w", dir, err)
		}
	}
	return nil
}
