package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/micsi-dev/mercure/go/bookkeeper"
	"github.com/micsi-dev/mercure/go/config"
	"github.com/micsi-dev/mercure/go/spool"
	"github.com/micsi-dev/mercure/go/task"
	"github.com/micsi-dev/mercure/go/taskfile"
	log "github.com/sirupsen/logrus"
)

// RestartOptions tunes how a failed processing job is rebuilt.
type RestartOptions struct {
	// RegenerateProcess rebuilds the module pipeline from the current rule
	// configuration instead of the archived one.
	RegenerateProcess bool
	// SettingsPatch is an RFC 7386 merge patch applied to the settings of
	// every pipeline step.
	SettingsPatch json.RawMessage
}

// RestartJob returns a failed unit from the error folder to the pipeline.
// The recorded failure stage selects the shape of the restart: a dispatch
// failure resumes with the remaining targets, a processing failure reruns
// the pipeline from the as-received snapshot.
func (q *Queue) RestartJob(ctx context.Context, name string, opts RestartOptions) error {
	var cfg = q.provider.Snapshot()
	var folders = cfg.Folders()
	var folder = filepath.Join(folders.Error, name)
	if !spool.Exists(folder) {
		return fmt.Errorf("job %s/%s does not exist", StageError, name)
	}

	lock, err := spool.AcquireFolder(folder)
	if errors.Is(err, spool.ErrLocked) {
		return fmt.Errorf("job %s/%s: %w", StageError, name, ErrJobLocked)
	} else if err != nil {
		return err
	}

	t, err := TaskDocument(folder)
	if err != nil {
		_ = lock.Free()
		return err
	}

	switch t.Info.FailStage {
	case task.FailStageDispatching:
		return q.restartDispatch(ctx, folders, folder, lock, t)
	case task.FailStageProcessing:
		return q.restartProcessing(ctx, cfg, folders, folder, lock, t, opts)
	default:
		_ = lock.Free()
		return fmt.Errorf("job %s failed during %q: %w", name, t.Info.FailStage, ErrNotRestartable)
	}
}

// restartDispatch clears the retry state of every unfinished target and
// returns the unit to the outgoing folder. Targets which already succeeded
// are not sent again.
func (q *Queue) restartDispatch(ctx context.Context, folders spool.Folders,
	folder string, lock *spool.FileLock, t *task.Task) error {

	if t.Dispatch != nil {
		for _, status := range t.Dispatch.Status {
			if status.State == task.TargetSuccess {
				continue
			}
			status.State = task.TargetWaiting
			status.Retries = 0
			status.NextRetryAt = nil
		}
	}
	t.Info.FailStage = ""
	if err := task.Save(t, folder); err != nil {
		return err
	}

	q.logger.Log(log.InfoLevel, log.Fields{"task": t.ID}, "restarting dispatch")
	q.updateTask(ctx, t)
	q.sendTaskEvent(ctx, bookkeeper.TaskEvent{
		TaskID: t.ID, Event: bookkeeper.EventProcessRestart, Info: "dispatch",
	})

	if _, err := spool.MoveFolder(t.ID, folder, folders.Outgoing); err != nil {
		return err
	}
	return spool.RemoveFolder(folder, lock)
}

// restartProcessing rebuilds a fresh processing unit from the as-received
// snapshot, leaving the partial outputs of the failed attempt behind.
func (q *Queue) restartProcessing(ctx context.Context, cfg config.Snapshot, folders spool.Folders,
	folder string, lock *spool.FileLock, t *task.Task, opts RestartOptions) error {

	var snapshot = filepath.Join(folder, spool.AsReceivedDir)
	if !spool.Exists(snapshot) {
		_ = lock.Free()
		return fmt.Errorf("job %s has no as-received snapshot: %w", t.ID, ErrNotRestartable)
	}

	t.Info.FailStage = ""
	if opts.RegenerateProcess {
		rule, ok := cfg.Rules[t.Info.AppliedRule]
		if !ok {
			_ = lock.Free()
			return fmt.Errorf("rule %q no longer exists: %w", t.Info.AppliedRule, ErrNotRestartable)
		}
		process, err := taskfile.BuildProcess(cfg, rule)
		if err != nil {
			_ = lock.Free()
			return err
		}
		t.Process = process
	}
	if len(opts.SettingsPatch) > 0 {
		process, err := patchSettings(t.Process, opts.SettingsPatch)
		if err != nil {
			_ = lock.Free()
			return err
		}
		t.Process = process
	}

	dest, destLock, err := makeUnitFolder(folders.Processing, t.ID)
	if err != nil {
		return err
	}
	if err = copyContents(snapshot, dest); err != nil {
		return err
	}
	if err = task.Save(t, dest); err != nil {
		return err
	}
	if err = destLock.Free(); err != nil {
		return err
	}

	q.logger.Log(log.InfoLevel, log.Fields{"task": t.ID}, "restarting processing")
	q.updateTask(ctx, t)
	q.sendTaskEvent(ctx, bookkeeper.TaskEvent{
		TaskID: t.ID, Event: bookkeeper.EventProcessRestart, Info: "processing",
	})
	return spool.RemoveFolder(folder, lock)
}

// patchSettings applies a merge patch to every step's settings, keeping the
// document shape of the pipeline.
func patchSettings(p task.Process, patch json.RawMessage) (task.Process, error) {
	var steps = p.Steps()
	var out = make([]task.Processing, len(steps))
	for i, step := range steps {
		var original = []byte("{}")
		if step.Settings != nil {
			var err error
			if original, err = json.Marshal(step.Settings); err != nil {
				return task.Process{}, fmt.Errorf("encoding settings of %q: %w", step.ModuleName, err)
			}
		}
		merged, err := jsonpatch.MergePatch(original, patch)
		if err != nil {
			return task.Process{}, fmt.Errorf("patching settings of %q: %w", step.ModuleName, err)
		}
		var settings map[string]interface{}
		if err = json.Unmarshal(merged, &settings); err != nil {
			return task.Process{}, fmt.Errorf("decoding patched settings of %q: %w", step.ModuleName, err)
		}
		step.Settings = settings
		out[i] = step
	}
	if len(out) == 1 {
		return task.SingleProcess(out[0]), nil
	}
	return task.PipelineProcess(out), nil
}

// makeUnitFolder creates and locks a fresh unit folder, following the same
// collision fallback as a folder move.
func makeUnitFolder(destDir, name string) (string, *spool.FileLock, error) {
	var dest = filepath.Join(destDir, name)
	if err := os.Mkdir(dest, 0755); os.IsExist(err) {
		dest = filepath.Join(destDir, name+"_"+time.Now().Format("2006-01-02T15-04-05"))
		if err = os.Mkdir(dest, 0755); err != nil {
			return "", nil, fmt.Errorf("creating destination folder %s: %w", dest, err)
		}
	} else if err != nil {
		return "", nil, fmt.Errorf("creating destination folder %s: %w", dest, err)
	}
	lock, err := spool.AcquireFolder(dest)
	if err != nil {
		return "", nil, err
	}
	return dest, lock, nil
}

// copyContents copies the entries of |src| into the existing folder |dest|.
func copyContents(src, dest string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	for _, entry := range entries {
		var from = filepath.Join(src, entry.Name())
		var to = filepath.Join(dest, entry.Name())
		if entry.IsDir() {
			if err = spool.CopyTree(from, to); err != nil {
				return err
			}
		} else if err = spool.CopyFile(from, to); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) updateTask(ctx context.Context, t *task.Task) {
	if err := q.keeper.UpdateTask(ctx, t); err != nil {
		q.logger.Log(log.WarnLevel, log.Fields{"task": t.ID, "error": err}, "failed to update task")
	}
}

func (q *Queue) sendTaskEvent(ctx context.Context, ev bookkeeper.TaskEvent) {
	if err := q.keeper.SendTaskEvent(ctx, ev); err != nil {
		q.logger.Log(log.WarnLevel, log.Fields{"task": ev.TaskID, "error": err}, "failed to send task event")
	}
}
