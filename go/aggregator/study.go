package aggregator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/micsi-dev/mercure/go/config"
	"github.com/micsi-dev/mercure/go/dicom"
	"github.com/micsi-dev/mercure/go/notify"
	"github.com/micsi-dev/mercure/go/rules"
	"github.com/micsi-dev/mercure/go/spool"
	"github.com/micsi-dev/mercure/go/task"
	"github.com/micsi-dev/mercure/go/taskfile"
	log "github.com/sirupsen/logrus"
)

// ScanStudiesOnce performs one pass over the studies folder, in folder-name
// order. A failure of one study is logged and does not abort the pass.
func (a *Aggregator) ScanStudiesOnce(ctx context.Context) error {
	var cfg = a.provider.Snapshot()
	var folders = cfg.Folders()

	names, err := spool.ListUnits(folders.Studies, spool.LockFile)
	if err != nil {
		return fmt.Errorf("scanning studies folder: %w", err)
	}
	// The pending census guards timeout completion: a study with series
	// still in incoming is not complete no matter how quiet it has been.
	var pending = dicom.PendingStudies(folders.Incoming)

	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.checkStudy(ctx, cfg, folders, name, pending); err != nil {
			a.logger.Log(log.ErrorLevel, log.Fields{"study": name, "error": err},
				"failed to check study aggregate")
		}
	}
	return nil
}

func (a *Aggregator) checkStudy(ctx context.Context, cfg config.Snapshot, folders spool.Folders,
	name string, pending map[string]bool) error {

	var folder = filepath.Join(folders.Studies, name)
	t, err := task.Load(folder)
	if errors.Is(err, task.ErrNotFound) {
		// The router is still assembling this aggregate.
		return nil
	} else if err != nil {
		return a.lockAndFail(ctx, folders, folder, err)
	}

	complete, err := a.studyComplete(folder, t, cfg, pending)
	if err != nil {
		return a.lockAndFail(ctx, folders, folder, err)
	}
	if !complete {
		// Not complete yet; the force timeout may still demand action.
		return a.studyForceTimeout(ctx, cfg, folders, folder, t)
	}

	lock, err := spool.AcquireFolder(folder)
	if errors.Is(err, spool.ErrLocked) {
		return nil
	} else if err != nil {
		return err
	}

	ruleName := t.Info.AppliedRule
	rule, ok := cfg.Rules[ruleName]
	if !ok {
		return a.fail(ctx, folders, folder, lock, t,
			fmt.Errorf("%w: unknown rule %q", rules.ErrMisconfigured, ruleName))
	}
	if rule.Scope() == rules.ScopePatient {
		return a.moveStudyToPatient(ctx, cfg, folders, folder, lock, t, ruleName, rule)
	}
	return a.emit(ctx, folders, folder, lock, t, ruleName, rule)
}

// studyComplete evaluates the completion predicate of a study aggregate.
func (a *Aggregator) studyComplete(folder string, t *task.Task, cfg config.Snapshot,
	pending map[string]bool) (bool, error) {

	if spool.HasMarker(folder, spool.ForceCompleteFile) || t.Study.CompleteForce {
		return true, nil
	}
	var timedOut = func() bool {
		var quiet = time.Duration(cfg.StudyCompleteTrigger) * time.Second
		if time.Since(t.Study.LastReceiveTime.Time) < quiet {
			return false
		}
		return !pending[t.Study.StudyUID]
	}
	switch t.Study.CompleteTrigger {
	case task.TriggerTimeout, "":
		return timedOut(), nil
	case task.TriggerReceivedSeries:
		if t.Study.CompleteRequiredSeries == "" {
			a.logger.Log(log.WarnLevel, log.Fields{"study": t.Study.StudyUID},
				"completion trigger received_series without a required series expression; falling back to timeout")
			return timedOut(), nil
		}
		return rules.ParseCompletionSeries(t.Study.CompleteRequiredSeries, t.Study.ReceivedSeries)
	default:
		return false, fmt.Errorf("%w: unknown study completion trigger %q",
			rules.ErrMisconfigured, t.Study.CompleteTrigger)
	}
}

// studyForceTimeout applies the configured force action once an incomplete
// study has lived past the force trigger.
func (a *Aggregator) studyForceTimeout(ctx context.Context, cfg config.Snapshot, folders spool.Folders,
	folder string, t *task.Task) error {

	var limit = time.Duration(cfg.StudyForceCompleteTrigger) * time.Second
	if time.Since(t.Study.CreationTime.Time) < limit {
		return nil
	}
	switch t.Study.CompleteForceAction {
	case task.ForceActionIgnore, "":
		// Treated as complete on this same pass.
		lock, err := spool.AcquireFolder(folder)
		if errors.Is(err, spool.ErrLocked) {
			return nil
		} else if err != nil {
			return err
		}
		ruleName := t.Info.AppliedRule
		rule, ok := cfg.Rules[ruleName]
		if !ok {
			return a.fail(ctx, folders, folder, lock, t,
				fmt.Errorf("%w: unknown rule %q", rules.ErrMisconfigured, ruleName))
		}
		if rule.Scope() == rules.ScopePatient {
			return a.moveStudyToPatient(ctx, cfg, folders, folder, lock, t, ruleName, rule)
		}
		return a.emit(ctx, folders, folder, lock, t, ruleName, rule)
	case task.ForceActionProceed:
		// Marked now, completed on the next scan.
		return spool.Touch(filepath.Join(folder, spool.ForceCompleteFile))
	case task.ForceActionDiscard:
		lock, err := spool.AcquireFolder(folder)
		if errors.Is(err, spool.ErrLocked) {
			return nil
		} else if err != nil {
			return err
		}
		return a.discard(ctx, folders, folder, lock, t, "study force timeout")
	default:
		return fmt.Errorf("%w: unknown force action %q", rules.ErrMisconfigured, t.Study.CompleteForceAction)
	}
}

// moveStudyToPatient hands a completed study to its patient aggregate,
// creating the patient folder and task on first arrival. The study becomes a
// subfolder named by its StudyInstanceUID.
func (a *Aggregator) moveStudyToPatient(ctx context.Context, cfg config.Snapshot, folders spool.Folders,
	folder string, lock *spool.FileLock, t *task.Task, ruleName string, rule rules.Rule) error {

	var patientFolder = filepath.Join(folders.Patients, t.Info.MRN+"_"+ruleName)
	var modality = firstTags(folder)[dicom.TagModality]
	var study = task.PatientStudy{
		StudyUID:    t.Study.StudyUID,
		Modality:    modality,
		SeriesCount: len(t.Study.ReceivedSeriesUID),
	}

	if !spool.Exists(patientFolder) {
		if err := os.Mkdir(patientFolder, 0755); err != nil {
			return fmt.Errorf("creating patient folder %s: %w", patientFolder, err)
		}
		patientLock, err := spool.AcquireFolder(patientFolder)
		if err != nil {
			return fmt.Errorf("locking fresh patient folder: %w", err)
		}
		pt, err := taskfile.NewPatientTask(cfg, t, t.Info.MRN)
		if err != nil {
			_ = patientLock.Free()
			return a.fail(ctx, folders, folder, lock, t, err)
		}
		taskfile.UpdatePatientTask(pt, study, modality, t.Study.ReceivedSeriesUID, t.Study.ReceivedSeries)
		if err = task.Save(pt, patientFolder); err != nil {
			_ = patientLock.Free()
			return a.fail(ctx, folders, folder, lock, t, err)
		}
		a.registerTask(ctx, pt)
		_ = a.notifier.Send(ctx, notify.EventReceived, ruleName, rule, map[string]interface{}{
			"task_id": pt.ID, "mrn": pt.Info.MRN,
		})
		return a.finishPatientAppend(folder, lock, patientFolder, patientLock, t.Study.StudyUID)
	}

	patientLock, err := spool.AcquireFolder(patientFolder)
	if errors.Is(err, spool.ErrLocked) {
		// The patient aggregate is owned elsewhere; retry next pass.
		return lock.Free()
	} else if err != nil {
		return err
	}
	pt, err := task.Load(patientFolder)
	if err != nil {
		_ = patientLock.Free()
		return a.fail(ctx, folders, folder, lock, t, err)
	}
	taskfile.UpdatePatientTask(pt, study, modality, t.Study.ReceivedSeriesUID, t.Study.ReceivedSeries)
	if err = task.Save(pt, patientFolder); err != nil {
		_ = patientLock.Free()
		return a.fail(ctx, folders, folder, lock, t, err)
	}
	a.updateTask(ctx, pt)
	return a.finishPatientAppend(folder, lock, patientFolder, patientLock, t.Study.StudyUID)
}

func (a *Aggregator) finishPatientAppend(folder string, lock *spool.FileLock,
	patientFolder string, patientLock *spool.FileLock, studyUID string) error {

	if _, err := spool.MoveFolder(studyUID, folder, patientFolder); err != nil {
		_ = patientLock.Free()
		return err
	}
	if err := spool.RemoveFolder(folder, lock); err != nil {
		_ = patientLock.Free()
		return err
	}
	return patientLock.Free()
}

// lockAndFail acquires the folder lock and routes the unit to the error
// folder. Used when the aggregate itself is unreadable.
func (a *Aggregator) lockAndFail(ctx context.Context, folders spool.Folders, folder string, cause error) error {
	lock, err := spool.AcquireFolder(folder)
	if errors.Is(err, spool.ErrLocked) {
		return nil
	} else if err != nil {
		return err
	}
	return a.fail(ctx, folders, folder, lock, nil, cause)
}
