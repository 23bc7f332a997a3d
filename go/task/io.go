package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// TaskFile is the canonical task document name inside a unit folder.
const TaskFile = "task.json"

// ErrNotFound is returned by Load when the folder carries no task document.
var ErrNotFound = errors.New("task file not found")

// Load the task document of the given unit folder.
func Load(folder string) (*Task, error) {
	return LoadFile(filepath.Join(folder, TaskFile))
}

// LoadFile loads a task document from an explicit path.
func LoadFile(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("reading task file %s: %w", path, err)
	}

	var t Task
	if err = json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing task file %s: %w", path, err)
	}
	if err = t.Validate(); err != nil {
		return nil, fmt.Errorf("task file %s: %w", path, err)
	}
	return &t, nil
}

// Save writes the task document into the given unit folder. The document is
// written to a temporary file and renamed into place so that readers never
// observe a partial write.
func Save(t *Task, folder string) error {
	return SaveFile(t, filepath.Join(folder, TaskFile))
}

// SaveFile writes a task document to an explicit path.
func SaveFile(t *Task, path string) error {
	if err := t.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.ID, err)
	}
	data = append(data, '\n')

	var tmp = path + ".tmp"
	if err = os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing task file %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming task file into place: %w", err)
	}
	return nil
}
