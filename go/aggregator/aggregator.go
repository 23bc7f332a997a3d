// Package aggregator collects routed series into study aggregates and
// completed studies into patient aggregates, and emits an aggregate to its
// next stage once its completion criteria hold.
package aggregator

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/micsi-dev/mercure/go/bookkeeper"
	"github.com/micsi-dev/mercure/go/config"
	"github.com/micsi-dev/mercure/go/dicom"
	"github.com/micsi-dev/mercure/go/notify"
	"github.com/micsi-dev/mercure/go/ops"
	"github.com/micsi-dev/mercure/go/rules"
	"github.com/micsi-dev/mercure/go/spool"
	"github.com/micsi-dev/mercure/go/task"
	log "github.com/sirupsen/logrus"
)

// Keeper is the slice of the bookkeeper used by the aggregators.
type Keeper interface {
	RegisterTask(ctx context.Context, t *task.Task) error
	UpdateTask(ctx context.Context, t *task.Task) error
	SendTaskEvent(ctx context.Context, ev bookkeeper.TaskEvent) error
}

// Notifier delivers rule-gated webhooks.
type Notifier interface {
	Send(ctx context.Context, event, ruleName string, rule rules.Rule, payload map[string]interface{}) error
}

// Aggregator runs the study and patient aggregation stages. Both stages
// share the same completion machinery and differ in their triggers and in
// where a completed aggregate goes.
type Aggregator struct {
	provider *config.Provider
	keeper   Keeper
	notifier Notifier
	logger   ops.Logger
}

// New builds an Aggregator.
func New(provider *config.Provider, keeper Keeper, notifier Notifier, logger ops.Logger) *Aggregator {
	return &Aggregator{provider: provider, keeper: keeper, notifier: notifier, logger: logger}
}

// emit acts on a completed aggregate which is not lifted further: move it to
// the stage folder its action demands. The caller holds the folder lock.
func (a *Aggregator) emit(ctx context.Context, folders spool.Folders, folder string,
	lock *spool.FileLock, t *task.Task, ruleName string, rule rules.Rule) error {

	var dest string
	switch rule.Action {
	case task.ActionRoute:
		dest = folders.Outgoing
	case task.ActionProcess, task.ActionBoth:
		dest = folders.Processing
	case task.ActionNotification:
		_ = a.notifier.Send(ctx, notify.EventCompleted, ruleName, rule, map[string]interface{}{
			"task_id": t.ID, "mrn": t.Info.MRN, "uid": t.Info.UID,
		})
		fileCount, _ := dicom.CountFiles(folder)
		a.sendTaskEvent(ctx, bookkeeper.TaskEvent{
			TaskID: t.ID, Event: bookkeeper.EventComplete, FileCount: fileCount,
		})
		dest = folders.Success
	case task.ActionDiscard:
		a.sendTaskEvent(ctx, bookkeeper.TaskEvent{TaskID: t.ID, Event: bookkeeper.EventDiscard})
		dest = folders.Discard
	default:
		return a.fail(ctx, folders, folder, lock, t,
			fmt.Errorf("%w: invalid action %q", rules.ErrMisconfigured, rule.Action))
	}

	a.logger.Log(log.InfoLevel, log.Fields{"task": t.ID, "rule": ruleName, "action": rule.Action},
		"aggregate complete")
	if _, err := spool.MoveFolder(t.ID, folder, dest); err != nil {
		return err
	}
	return spool.RemoveFolder(folder, lock)
}

// discard moves an aggregate to the discard folder. The caller holds the lock.
func (a *Aggregator) discard(ctx context.Context, folders spool.Folders, folder string,
	lock *spool.FileLock, t *task.Task, reason string) error {

	a.logger.Log(log.InfoLevel, log.Fields{"task": t.ID, "reason": reason}, "discarding aggregate")
	a.sendTaskEvent(ctx, bookkeeper.TaskEvent{TaskID: t.ID, Event: bookkeeper.EventDiscard, Info: reason})
	if _, err := spool.MoveFolder(t.ID, folder, folders.Discard); err != nil {
		return err
	}
	return spool.RemoveFolder(folder, lock)
}

// fail moves a broken aggregate to the error folder with fail_stage
// "routing". The caller holds the folder lock; on a failed move the folder
// stays locked for the operator.
func (a *Aggregator) fail(ctx context.Context, folders spool.Folders, folder string,
	lock *spool.FileLock, t *task.Task, cause error) error {

	a.logger.Log(log.ErrorLevel, log.Fields{"folder": folder, "error": cause},
		"aggregation failed; moving unit to the error folder")

	var id string
	if t != nil {
		t.Info.FailStage = task.FailStageRouting
		id = t.ID
		if err := task.Save(t, folder); err != nil {
			a.logger.Log(log.WarnLevel, log.Fields{"folder": folder, "error": err},
				"could not update task file of failed aggregate")
		}
		a.sendTaskEvent(ctx, bookkeeper.TaskEvent{
			TaskID: t.ID, Event: bookkeeper.EventError, Info: cause.Error(),
		})
	}
	if _, err := spool.MoveFolder(id, folder, folders.Error); err != nil {
		return fmt.Errorf("moving failed aggregate (cause: %v): %w", cause, err)
	}
	return spool.RemoveFolder(folder, lock)
}

// firstTags returns the header tags of any received file under |folder|,
// searching subfolders as well.
func firstTags(folder string) map[string]string {
	var found string
	_ = filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), spool.TagsSuffix) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if found == "" {
		return map[string]string{}
	}
	tags, err := dicom.ReadTagsFile(found)
	if err != nil {
		return map[string]string{}
	}
	return tags
}

func (a *Aggregator) registerTask(ctx context.Context, t *task.Task) {
	if err := a.keeper.RegisterTask(ctx, t); err != nil {
		a.logger.Log(log.WarnLevel, log.Fields{"task": t.ID, "error": err}, "failed to register task")
	}
}

func (a *Aggregator) updateTask(ctx context.Context, t *task.Task) {
	if err := a.keeper.UpdateTask(ctx, t); err != nil {
		a.logger.Log(log.WarnLevel, log.Fields{"task": t.ID, "error": err}, "failed to update task")
	}
}

func (a *Aggregator) sendTaskEvent(ctx context.Context, ev bookkeeper.TaskEvent) {
	if err := a.keeper.SendTaskEvent(ctx, ev); err != nil {
		a.logger.Log(log.WarnLevel, log.Fields{"task": ev.TaskID, "error": err}, "failed to send task event")
	}
}
