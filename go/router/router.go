// Package router classifies complete series arriving in the incoming folder,
// builds their first task document, and hands them to the next stage of the
// pipeline.
package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/micsi-dev/mercure/go/bookkeeper"
	"github.com/micsi-dev/mercure/go/config"
	"github.com/micsi-dev/mercure/go/dicom"
	"github.com/micsi-dev/mercure/go/notify"
	"github.com/micsi-dev/mercure/go/ops"
	"github.com/micsi-dev/mercure/go/rules"
	"github.com/micsi-dev/mercure/go/spool"
	"github.com/micsi-dev/mercure/go/task"
	"github.com/micsi-dev/mercure/go/taskfile"
	log "github.com/sirupsen/logrus"
)

// Keeper is the slice of the bookkeeper used by the router.
type Keeper interface {
	RegisterTask(ctx context.Context, t *task.Task) error
	UpdateTask(ctx context.Context, t *task.Task) error
	SendSeriesEvent(ctx context.Context, ev bookkeeper.SeriesEvent) error
	SendTaskEvent(ctx context.Context, ev bookkeeper.TaskEvent) error
}

// Notifier delivers rule-gated webhooks.
type Notifier interface {
	Send(ctx context.Context, event, ruleName string, rule rules.Rule, payload map[string]interface{}) error
}

// Router is the series routing stage.
type Router struct {
	provider *config.Provider
	keeper   Keeper
	notifier Notifier
	eval     rules.Evaluator
	logger   ops.Logger
}

// New builds a Router.
func New(provider *config.Provider, keeper Keeper, notifier Notifier, logger ops.Logger) *Router {
	return &Router{
		provider: provider,
		keeper:   keeper,
		notifier: notifier,
		eval:     rules.TagFilterEvaluator{},
		logger:   logger,
	}
}

// ScanOnce performs one pass over the incoming folder. Series are routed in
// folder-name order; a failure of one series is logged and does not abort
// the pass.
func (r *Router) ScanOnce(ctx context.Context) error {
	var cfg = r.provider.Snapshot()
	var folders = cfg.Folders()

	names, err := spool.ListUnits(folders.Incoming, spool.LockFile)
	if err != nil {
		return fmt.Errorf("scanning incoming folder: %w", err)
	}
	var quiet = time.Duration(cfg.SeriesCompleteTrigger) * time.Second

	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var folder = filepath.Join(folders.Incoming, name)
		if !seriesComplete(folder, quiet) {
			continue
		}
		if err := r.routeSeries(ctx, cfg, folders, name); err != nil {
			r.logger.Log(log.ErrorLevel, log.Fields{"series": name, "error": err},
				"failed to route series")
		}
	}
	return nil
}

// seriesComplete reports whether the receiver has finished writing the
// series: at least one sidecar exists and nothing has changed for the
// configured quiet period.
func seriesComplete(folder string, quiet time.Duration) bool {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return false
	}
	var sawTags = false
	var newest time.Time
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), spool.TagsSuffix) {
			sawTags = true
		}
		if info, err := entry.Info(); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return sawTags && time.Since(newest) >= quiet
}

func (r *Router) routeSeries(ctx context.Context, cfg config.Snapshot, folders spool.Folders, seriesUID string) error {
	var folder = filepath.Join(folders.Incoming, seriesUID)

	lock, err := spool.AcquireFolder(folder)
	if errors.Is(err, spool.ErrLocked) {
		return nil
	} else if err != nil {
		return err
	}

	tags, err := dicom.ReadFirstTags(folder)
	if err != nil {
		return r.failSeries(ctx, folders, folder, lock, nil, err)
	}
	fileCount, _ := dicom.CountFiles(folder)

	r.sendSeriesEvent(ctx, bookkeeper.SeriesEvent{
		SeriesUID:   seriesUID,
		StudyUID:    tags[dicom.TagStudyInstanceUID],
		Description: tags[dicom.TagSeriesDescription],
		Modality:    tags[dicom.TagModality],
		FileCount:   fileCount,
		Event:       bookkeeper.EventRegistered,
	})

	result, err := r.eval.Evaluate(tags, cfg.Rules)
	if err != nil {
		return r.failSeries(ctx, folders, folder, lock, nil, err)
	}
	ruleName, ok := rules.SelectAppliedRule(result, cfg.Rules)
	if !ok {
		r.logger.Log(log.InfoLevel, log.Fields{"series": seriesUID}, "no rule triggered; discarding series")
		r.sendSeriesEvent(ctx, bookkeeper.SeriesEvent{
			SeriesUID: seriesUID,
			StudyUID:  tags[dicom.TagStudyInstanceUID],
			FileCount: fileCount,
			Event:     bookkeeper.EventDiscard,
			Info:      "no rule triggered",
		})
		if _, err = spool.MoveFolder("", folder, folders.Discard); err != nil {
			return err
		}
		return spool.RemoveFolder(folder, lock)
	}
	var rule = cfg.Rules[ruleName]

	if rule.Scope() != rules.ScopeSeries {
		return r.moveSeriesToStudy(ctx, cfg, folders, folder, lock, seriesUID, ruleName, result.Triggered, tags)
	}
	return r.pushSeries(ctx, folders, folder, lock, cfg, seriesUID, ruleName, rule, result.Triggered, tags, fileCount)
}

// pushSeries acts on a series-scoped rule: build the series task and move
// the unit to its next stage.
func (r *Router) pushSeries(ctx context.Context, folders spool.Folders, folder string, lock *spool.FileLock,
	cfg config.Snapshot, seriesUID, ruleName string, rule rules.Rule, triggered map[string]bool,
	tags map[string]string, fileCount int) error {

	t, err := taskfile.NewSeriesTask(cfg, ruleName, triggered, tags, seriesUID)
	if err != nil {
		return r.failSeries(ctx, folders, folder, lock, nil, err)
	}
	if err = task.Save(t, folder); err != nil {
		return r.failSeries(ctx, folders, folder, lock, nil, err)
	}
	r.registerTask(ctx, t)
	_ = r.notifier.Send(ctx, notify.EventReceived, ruleName, rule, notificationPayload(t))

	var dest string
	switch rule.Action {
	case task.ActionRoute:
		dest = folders.Outgoing
	case task.ActionProcess, task.ActionBoth:
		dest = folders.Processing
	case task.ActionNotification:
		_ = r.notifier.Send(ctx, notify.EventCompleted, ruleName, rule, notificationPayload(t))
		r.sendTaskEvent(ctx, bookkeeper.TaskEvent{
			TaskID: t.ID, Event: bookkeeper.EventComplete, FileCount: fileCount,
		})
		dest = folders.Success
	case task.ActionDiscard:
		r.sendSeriesEvent(ctx, bookkeeper.SeriesEvent{
			SeriesUID: seriesUID,
			StudyUID:  tags[dicom.TagStudyInstanceUID],
			FileCount: fileCount,
			Event:     bookkeeper.EventDiscard,
			Info:      "rule " + ruleName,
		})
		dest = folders.Discard
	default:
		return r.failSeries(ctx, folders, folder, lock, t,
			fmt.Errorf("%w: invalid action %q", rules.ErrMisconfigured, rule.Action))
	}

	r.logger.Log(log.InfoLevel, log.Fields{"series": seriesUID, "rule": ruleName, "action": rule.Action},
		"routing series")
	if _, err = spool.MoveFolder(t.ID, folder, dest); err != nil {
		return err
	}
	return spool.RemoveFolder(folder, lock)
}

// moveSeriesToStudy captures a series into its study aggregate, creating the
// study folder and task on first arrival. A locked study folder leaves the
// series in incoming for the next pass; no task has been created yet, so the
// retry is free of side effects.
func (r *Router) moveSeriesToStudy(ctx context.Context, cfg config.Snapshot, folders spool.Folders,
	folder string, lock *spool.FileLock, seriesUID, ruleName string, triggered map[string]bool,
	tags map[string]string) error {

	var studyUID = tags[dicom.TagStudyInstanceUID]
	if studyUID == "" {
		return r.failSeries(ctx, folders, folder, lock, nil,
			fmt.Errorf("series %s carries no StudyInstanceUID", seriesUID))
	}
	var studyFolder = filepath.Join(folders.Studies, studyUID+"_"+ruleName)

	if !spool.Exists(studyFolder) {
		if err := os.Mkdir(studyFolder, 0755); err != nil {
			return fmt.Errorf("creating study folder %s: %w", studyFolder, err)
		}
		studyLock, err := spool.AcquireFolder(studyFolder)
		if err != nil {
			return fmt.Errorf("locking fresh study folder: %w", err)
		}
		t, err := taskfile.NewStudyTask(cfg, ruleName, triggered, tags, seriesUID)
		if err != nil {
			_ = studyLock.Free()
			return r.failSeries(ctx, folders, folder, lock, nil, err)
		}
		if err = task.Save(t, studyFolder); err != nil {
			_ = studyLock.Free()
			return r.failSeries(ctx, folders, folder, lock, nil, err)
		}
		r.registerTask(ctx, t)
		_ = r.notifier.Send(ctx, notify.EventReceived, ruleName, cfg.Rules[ruleName], notificationPayload(t))

		return r.finishStudyAppend(folder, lock, studyFolder, studyLock, seriesUID)
	}

	studyLock, err := spool.AcquireFolder(studyFolder)
	if errors.Is(err, spool.ErrLocked) {
		// The aggregator owns the study right now. Retry next pass.
		return lock.Free()
	} else if err != nil {
		return err
	}
	t, err := task.Load(studyFolder)
	if err != nil {
		_ = studyLock.Free()
		return r.failSeries(ctx, folders, folder, lock, nil, err)
	}
	taskfile.AddSeriesToStudy(t, seriesUID, tags[dicom.TagSeriesDescription])
	if err = task.Save(t, studyFolder); err != nil {
		_ = studyLock.Free()
		return r.failSeries(ctx, folders, folder, lock, nil, err)
	}
	r.updateTask(ctx, t)

	return r.finishStudyAppend(folder, lock, studyFolder, studyLock, seriesUID)
}

// finishStudyAppend moves the series files into a per-series subfolder of
// the study and releases both locks.
func (r *Router) finishStudyAppend(folder string, lock *spool.FileLock, studyFolder string,
	studyLock *spool.FileLock, seriesUID string) error {

	if _, err := spool.MoveFolder(seriesUID, folder, studyFolder); err != nil {
		_ = studyLock.Free()
		return err
	}
	if err := spool.RemoveFolder(folder, lock); err != nil {
		_ = studyLock.Free()
		return err
	}
	return studyLock.Free()
}

// failSeries routes a broken series to the error folder with fail_stage
// "routing". When the move itself fails the folder is left locked for the
// operator.
func (r *Router) failSeries(ctx context.Context, folders spool.Folders, folder string,
	lock *spool.FileLock, t *task.Task, cause error) error {

	r.logger.Log(log.ErrorLevel, log.Fields{"folder": folder, "error": cause},
		"routing failed; moving series to the error folder")

	var id string
	if t != nil {
		t.Info.FailStage = task.FailStageRouting
		id = t.ID
		if err := task.Save(t, folder); err != nil {
			r.logger.Log(log.WarnLevel, log.Fields{"folder": folder, "error": err},
				"could not update task file of failed series")
		}
		r.sendTaskEvent(ctx, bookkeeper.TaskEvent{
			TaskID: t.ID, Event: bookkeeper.EventError, Info: cause.Error(),
		})
	}
	if _, err := spool.MoveFolder(id, folder, folders.Error); err != nil {
		return fmt.Errorf("moving failed series (cause: %v): %w", cause, err)
	}
	return spool.RemoveFolder(folder, lock)
}

func notificationPayload(t *task.Task) map[string]interface{} {
	return map[string]interface{}{
		"task_id": t.ID,
		"mrn":     t.Info.MRN,
		"acc":     t.Info.ACC,
		"uid":     t.Info.UID,
	}
}

// Best-effort bookkeeper calls. A failed send is logged and never blocks
// routing.

func (r *Router) registerTask(ctx context.Context, t *task.Task) {
	if err := r.keeper.RegisterTask(ctx, t); err != nil {
		r.logger.Log(log.WarnLevel, log.Fields{"task": t.ID, "error": err}, "failed to register task")
	}
}

func (r *Router) updateTask(ctx context.Context, t *task.Task) {
	if err := r.keeper.UpdateTask(ctx, t); err != nil {
		r.logger.Log(log.WarnLevel, log.Fields{"task": t.ID, "error": err}, "failed to update task")
	}
}

func (r *Router) sendSeriesEvent(ctx context.Context, ev bookkeeper.SeriesEvent) {
	if err := r.keeper.SendSeriesEvent(ctx, ev); err != nil {
		r.logger.Log(log.WarnLevel, log.Fields{"series": ev.SeriesUID, "error": err}, "failed to send series event")
	}
}

func (r *Router) sendTaskEvent(ctx context.Context, ev bookkeeper.TaskEvent) {
	if err := r.keeper.SendTaskEvent(ctx, ev); err != nil {
		r.logger.Log(log.WarnLevel, log.Fields{"task": ev.TaskID, "error": err}, "failed to send task event")
	}
}
