// Package dispatcher drains the outgoing folder: each unit is sent to its
// configured targets, with per-target retry state persisted in the task
// document so an interrupted dispatch resumes where it stopped.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

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

// Retry policy defaults, applied when a target does not configure its own.
const (
	defaultMaxRetries = 5
	defaultRetryWait  = 900 * time.Second
	maxRetryWait      = time.Hour
)

// Keeper is the slice of the bookkeeper used by the dispatcher.
type Keeper interface {
	UpdateTask(ctx context.Context, t *task.Task) error
	SendTaskEvent(ctx context.Context, ev bookkeeper.TaskEvent) error
}

// Notifier delivers rule-gated webhooks.
type Notifier interface {
	Send(ctx context.Context, event, ruleName string, rule rules.Rule, payload map[string]interface{}) error
}

// Dispatcher sends completed units to their configured targets.
type Dispatcher struct {
	provider *config.Provider
	keeper   Keeper
	notifier Notifier
	senders  map[string]Sender
	logger   ops.Logger
	now      func() time.Time
}

// New builds a Dispatcher over the given sender registry. Pass nil to use
// the default senders.
func New(provider *config.Provider, keeper Keeper, notifier Notifier, senders map[string]Sender, logger ops.Logger) *Dispatcher {
	if senders == nil {
		senders = DefaultSenders()
	}
	return &Dispatcher{
		provider: provider,
		keeper:   keeper,
		notifier: notifier,
		senders:  senders,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the dispatcher's clock.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// ScanOnce performs one pass over the outgoing folder. Units whose pending
// targets are all waiting for their next retry window are left in place.
func (d *Dispatcher) ScanOnce(ctx context.Context) error {
	var cfg = d.provider.Snapshot()
	var folders = cfg.Folders()

	if spool.IsHalted(folders.Outgoing) {
		d.logger.Log(log.DebugLevel, nil, "dispatching is halted")
		return nil
	}
	names, err := spool.ListUnits(folders.Outgoing, spool.LockFile)
	if err != nil {
		return fmt.Errorf("scanning outgoing folder: %w", err)
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !spool.HasMarker(filepath.Join(folders.Outgoing, name), spool.TaskFile) {
			// Mid-move; the unit will be complete on a later pass.
			continue
		}
		if err := d.dispatchUnit(ctx, cfg, folders, name); err != nil {
			d.logger.Log(log.ErrorLevel, log.Fields{"unit": name, "error": err},
				"failed to dispatch unit")
		}
	}
	return nil
}

func (d *Dispatcher) dispatchUnit(ctx context.Context, cfg config.Snapshot, folders spool.Folders, name string) error {
	var folder = filepath.Join(folders.Outgoing, name)

	lock, err := spool.AcquireFolder(folder)
	if errors.Is(err, spool.ErrLocked) {
		return nil
	} else if err != nil {
		return err
	}

	t, err := task.Load(folder)
	if err != nil {
		return d.fail(ctx, cfg, folders, folder, lock, nil, err)
	}
	var logger = ops.NewTaskLogger(d.logger, t.ID)

	if t.Dispatch == nil || len(t.Dispatch.TargetName) == 0 {
		return d.fail(ctx, cfg, folders, folder, lock, t,
			fmt.Errorf("%w: unit has no dispatch targets", rules.ErrMisconfigured))
	}
	if t.Dispatch.Status == nil {
		t.Dispatch.Status = map[string]*task.TargetStatus{}
	}

	var pending, exhausted bool
	for _, targetName := range t.Dispatch.TargetName {
		var status = t.Dispatch.Status[targetName]
		if status == nil {
			status = &task.TargetStatus{State: task.TargetWaiting}
			t.Dispatch.Status[targetName] = status
		}
		switch status.State {
		case task.TargetSuccess:
			continue
		case task.TargetExhausted:
			exhausted = true
			continue
		}
		if status.NextRetryAt != nil && d.now().Before(status.NextRetryAt.Time) {
			pending = true
			continue
		}

		var target = cfg.Targets[targetName]
		var sendErr = d.sendTo(ctx, cfg, targetName, t, folder, name, logger)
		if sendErr == nil {
			status.State = task.TargetSuccess
			status.NextRetryAt = nil
			d.sendTaskEvent(ctx, bookkeeper.TaskEvent{
				TaskID: t.ID, Event: bookkeeper.EventDispatchComplete, Target: targetName,
			})
			continue
		}

		status.Retries++
		logger.Log(log.WarnLevel, log.Fields{
			"target":  targetName,
			"retries": status.Retries,
			"error":   sendErr,
		}, "dispatch attempt failed")

		// A misconfigured target cannot succeed on retry.
		if errors.Is(sendErr, rules.ErrMisconfigured) || status.Retries >= maxRetries(target) {
			status.State = task.TargetExhausted
			status.NextRetryAt = nil
			exhausted = true
			continue
		}
		var at = task.At(d.now().Add(retryDelay(target, status.Retries)))
		status.NextRetryAt = &at
		pending = true
	}

	// Persist the per-target state before the unit moves or waits.
	if err = task.Save(t, folder); err != nil {
		return err
	}

	if pending {
		// Retries remain; leave the unit for a later pass.
		return lock.Free()
	}
	if exhausted {
		return d.fail(ctx, cfg, folders, folder, lock, t,
			fmt.Errorf("dispatching exhausted retries"))
	}
	return d.finish(ctx, cfg, folders, folder, lock, t)
}

// sendTo resolves the target configuration and hands the unit to the sender
// of its type.
func (d *Dispatcher) sendTo(ctx context.Context, cfg config.Snapshot, targetName string,
	t *task.Task, folder, name string, logger ops.Logger) error {

	target, ok := cfg.Targets[targetName]
	if !ok {
		return fmt.Errorf("%w: unknown target %q", rules.ErrMisconfigured, targetName)
	}
	sender, ok := d.senders[target.Type]
	if !ok {
		return fmt.Errorf("%w: no sender for target type %q", rules.ErrMisconfigured, target.Type)
	}

	d.sendTaskEvent(ctx, bookkeeper.TaskEvent{
		TaskID: t.ID, Event: bookkeeper.EventDispatchBegin, Target: targetName,
	})
	if err := sender.Send(ctx, target, folder, name, logger); err != nil {
		return fmt.Errorf("sending to target %q: %w", targetName, err)
	}
	return nil
}

// finish moves a fully dispatched unit to the success folder.
func (d *Dispatcher) finish(ctx context.Context, cfg config.Snapshot, folders spool.Folders,
	folder string, lock *spool.FileLock, t *task.Task) error {

	d.updateTask(ctx, t)
	fileCount, _ := dicom.CountFiles(folder)
	d.sendTaskEvent(ctx, bookkeeper.TaskEvent{
		TaskID: t.ID, Event: bookkeeper.EventComplete, FileCount: fileCount,
	})
	if rule, ok := cfg.Rules[t.Info.AppliedRule]; ok {
		_ = d.notifier.Send(ctx, notify.EventCompleted, t.Info.AppliedRule, rule, map[string]interface{}{
			"task_id": t.ID, "mrn": t.Info.MRN, "uid": t.Info.UID,
		})
	}
	if _, err := spool.MoveFolder(t.ID, folder, folders.Success); err != nil {
		return err
	}
	return spool.RemoveFolder(folder, lock)
}

// fail moves a unit to the error folder with fail_stage "dispatching". The
// persisted per-target states let a restart resume with the remaining
// targets only.
func (d *Dispatcher) fail(ctx context.Context, cfg config.Snapshot, folders spool.Folders,
	folder string, lock *spool.FileLock, t *task.Task, cause error) error {

	d.logger.Log(log.ErrorLevel, log.Fields{"folder": folder, "error": cause},
		"dispatching failed; moving unit to the error folder")

	var id string
	if t != nil {
		t.Info.FailStage = task.FailStageDispatching
		id = t.ID
		if err := task.Save(t, folder); err != nil {
			d.logger.Log(log.WarnLevel, log.Fields{"folder": folder, "error": err},
				"could not update task file of failed unit")
		}
		d.sendTaskEvent(ctx, bookkeeper.TaskEvent{
			TaskID: t.ID, Event: bookkeeper.EventError, Info: cause.Error(),
		})
		if rule, ok := cfg.Rules[t.Info.AppliedRule]; ok {
			_ = d.notifier.Send(ctx, notify.EventError, t.Info.AppliedRule, rule, map[string]interface{}{
				"task_id": t.ID, "error": cause.Error(),
			})
		}
	}
	if _, err := spool.MoveFolder(id, folder, folders.Error); err != nil {
		return fmt.Errorf("moving failed unit (cause: %v): %w", cause, err)
	}
	return spool.RemoveFolder(folder, lock)
}

// maxRetries returns the target's retry budget.
func maxRetries(target config.Target) int {
	if target.MaxRetries > 0 {
		return target.MaxRetries
	}
	return defaultMaxRetries
}

// retryDelay doubles the target's base wait per attempt, up to a cap.
func retryDelay(target config.Target, retries int) time.Duration {
	var wait = defaultRetryWait
	if target.RetryWaitSec > 0 {
		wait = time.Duration(target.RetryWaitSec) * time.Second
	}
	for i := 1; i < retries && wait < maxRetryWait; i++ {
		wait *= 2
	}
	if wait > maxRetryWait {
		wait = maxRetryWait
	}
	return wait
}

func (d *Dispatcher) updateTask(ctx context.Context, t *task.Task) {
	if err := d.keeper.UpdateTask(ctx, t); err != nil {
		d.logger.Log(log.WarnLevel, log.Fields{"task": t.ID, "error": err}, "failed to update task")
	}
}

func (d *Dispatcher) sendTaskEvent(ctx context.Context, ev bookkeeper.TaskEvent) {
	if err := d.keeper.SendTaskEvent(ctx, ev); err != nil {
		d.logger.Log(log.WarnLevel, log.Fields{"task": ev.TaskID, "error": err}, "failed to send task event")
	}
}
