// Package queue is the administration surface over the spool tree: stage
// status, job inspection, restart of failed units, deletion, and force
// completion. It manipulates the same folders and markers as the worker
// loops, under the same lock protocol.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/micsi-dev/mercure/go/bookkeeper"
	"github.com/micsi-dev/mercure/go/config"
	"github.com/micsi-dev/mercure/go/ops"
	"github.com/micsi-dev/mercure/go/spool"
	"github.com/micsi-dev/mercure/go/task"
	log "github.com/sirupsen/logrus"
)

// staleProcessingAge is how old a .processing marker must be before the unit
// may be deleted with force. A younger marker likely belongs to a live
// container.
const staleProcessingAge = 5 * time.Minute

// Stages addressable by the administration operations.
const (
	StageIncoming   = "incoming"
	StageStudies    = "studies"
	StagePatients   = "patients"
	StageProcessing = "processing"
	StageOutgoing   = "outgoing"
	StageSuccess    = "success"
	StageError      = "error"
	StageDiscard    = "discard"
)

// States of a stage as reported by Status.
const (
	StateIdle       = "idle"
	StateActive     = "active"
	StateSuspending = "suspending"
	StateHalted     = "halted"
)

var (
	// ErrJobLocked is returned when an operation needs exclusive ownership
	// of a unit which another worker currently holds.
	ErrJobLocked = errors.New("job is locked by a worker")
	// ErrJobRunning is returned when a unit's module container appears to be
	// executing.
	ErrJobRunning = errors.New("job appears to be running")
	// ErrNotRestartable is returned for units whose recorded failure stage
	// permits no restart.
	ErrNotRestartable = errors.New("job cannot be restarted")
)

// Keeper is the slice of the bookkeeper used by queue administration.
type Keeper interface {
	UpdateTask(ctx context.Context, t *task.Task) error
	SendTaskEvent(ctx context.Context, ev bookkeeper.TaskEvent) error
}

// Queue exposes the administration operations.
type Queue struct {
	provider *config.Provider
	keeper   Keeper
	logger   ops.Logger
}

// New builds a Queue.
func New(provider *config.Provider, keeper Keeper, logger ops.Logger) *Queue {
	return &Queue{provider: provider, keeper: keeper, logger: logger}
}

// StageStatus describes one stage folder.
type StageStatus struct {
	State string `json:"state"`
	Units int    `json:"units"`
}

// Status is a point-in-time view of the whole spool.
type Status map[string]StageStatus

// Status inspects every stage folder.
func (q *Queue) Status() (Status, error) {
	var folders = q.provider.Snapshot().Folders()
	var out = Status{}
	for stage, dir := range stageDirs(folders) {
		status, err := stageStatus(dir)
		if err != nil {
			return nil, fmt.Errorf("inspecting %s: %w", stage, err)
		}
		out[stage] = status
	}
	return out, nil
}

func stageStatus(dir string) (StageStatus, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return StageStatus{}, err
	}
	var status = StageStatus{State: StateIdle}
	var busy bool
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		status.Units++
		var folder = filepath.Join(dir, entry.Name())
		if spool.HasMarker(folder, spool.LockFile) || spool.HasMarker(folder, spool.ProcessingFile) {
			busy = true
		}
	}
	switch {
	case spool.IsHalted(dir) && busy:
		status.State = StateSuspending
	case spool.IsHalted(dir):
		status.State = StateHalted
	case busy:
		status.State = StateActive
	}
	return status, nil
}

// Jobs lists the unit folders of a stage in sorted order.
func (q *Queue) Jobs(stage string) ([]string, error) {
	dir, err := q.stageDir(stage)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Halt suspends scans of a stage by placing its halt marker. Workers finish
// the unit they hold and then stop picking up new ones.
func (q *Queue) Halt(stage string) error {
	dir, err := q.stageDir(stage)
	if err != nil {
		return err
	}
	q.logger.Log(log.InfoLevel, log.Fields{"stage": stage}, "halting stage")
	return spool.Touch(filepath.Join(dir, spool.HaltFile))
}

// Resume lifts a stage's halt marker.
func (q *Queue) Resume(stage string) error {
	dir, err := q.stageDir(stage)
	if err != nil {
		return err
	}
	q.logger.Log(log.InfoLevel, log.Fields{"stage": stage}, "resuming stage")
	if err = os.Remove(filepath.Join(dir, spool.HaltFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing halt marker: %w", err)
	}
	return nil
}

// DeleteJob removes a unit folder. A locked unit is refused; a unit with a
// recent .processing marker is refused even with force, since its container
// may still be writing.
func (q *Queue) DeleteJob(ctx context.Context, stage, name string, force bool) error {
	dir, err := q.stageDir(stage)
	if err != nil {
		return err
	}
	var folder = filepath.Join(dir, name)
	if !spool.Exists(folder) {
		return fmt.Errorf("job %s/%s does not exist", stage, name)
	}

	if spool.HasMarker(folder, spool.ProcessingFile) {
		if !force {
			return fmt.Errorf("job %s/%s: %w", stage, name, ErrJobRunning)
		}
		if spool.MarkerAge(folder, spool.ProcessingFile) < staleProcessingAge {
			return fmt.Errorf("job %s/%s was active recently: %w", stage, name, ErrJobRunning)
		}
		// The stale marker would block the lock below.
		_ = os.Remove(filepath.Join(folder, spool.ProcessingFile))
	}

	lock, err := spool.AcquireFolder(folder)
	if errors.Is(err, spool.ErrLocked) {
		if !force {
			return fmt.Errorf("job %s/%s: %w", stage, name, ErrJobLocked)
		}
		// Force deletion of an abandoned lock.
		lock = nil
	} else if err != nil {
		return err
	}

	q.logger.Log(log.InfoLevel, log.Fields{"stage": stage, "job": name}, "deleting job")
	if lock != nil {
		return spool.RemoveFolder(folder, lock)
	}
	if err = os.RemoveAll(folder); err != nil {
		return fmt.Errorf("removing folder %s: %w", folder, err)
	}
	return nil
}

// ForceComplete marks a study or patient aggregate for completion on the
// next aggregator pass.
func (q *Queue) ForceComplete(ctx context.Context, stage, name string) error {
	if stage != StageStudies && stage != StagePatients {
		return fmt.Errorf("stage %q has no aggregates to force-complete", stage)
	}
	dir, err := q.stageDir(stage)
	if err != nil {
		return err
	}
	var folder = filepath.Join(dir, name)
	if !spool.Exists(folder) {
		return fmt.Errorf("job %s/%s does not exist", stage, name)
	}
	q.logger.Log(log.InfoLevel, log.Fields{"stage": stage, "job": name}, "forcing completion")
	return spool.Touch(filepath.Join(folder, spool.ForceCompleteFile))
}

// TaskDocument loads a unit's task document, falling back to the copies a
// partially processed unit leaves behind: the unit root, then the module
// input folder, then the as-received snapshot.
func TaskDocument(folder string) (*task.Task, error) {
	var candidates = []string{
		filepath.Join(folder, spool.TaskFile),
		filepath.Join(folder, spool.InDir, spool.TaskFile),
		filepath.Join(folder, spool.AsReceivedDir, spool.TaskFile),
	}
	for _, path := range candidates {
		t, err := task.LoadFile(path)
		if errors.Is(err, task.ErrNotFound) {
			continue
		}
		return t, err
	}
	return nil, fmt.Errorf("%s: %w", folder, task.ErrNotFound)
}

func (q *Queue) stageDir(stage string) (string, error) {
	var dir, ok = stageDirs(q.provider.Snapshot().Folders())[stage]
	if !ok {
		return "", fmt.Errorf("unknown stage %q", stage)
	}
	return dir, nil
}

func stageDirs(folders spool.Folders) map[string]string {
	return map[string]string{
		StageIncoming:   folders.Incoming,
		StageStudies:    folders.Studies,
		StagePatients:   folders.Patients,
		StageProcessing: folders.Processing,
		StageOutgoing:   folders.Outgoing,
		StageSuccess:    folders.Success,
		StageError:      folders.Error,
		StageDiscard:    folders.Discard,
	}
}
