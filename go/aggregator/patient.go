package aggregator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/micsi-dev/mercure/go/config"
	"github.com/micsi-dev/mercure/go/rules"
	"github.com/micsi-dev/mercure/go/spool"
	"github.com/micsi-dev/mercure/go/task"
	log "github.com/sirupsen/logrus"
)

// ScanPatientsOnce performs one pass over the patients folder, in
// folder-name order.
func (a *Aggregator) ScanPatientsOnce(ctx context.Context) error {
	var cfg = a.provider.Snapshot()
	var folders = cfg.Folders()

	names, err := spool.ListUnits(folders.Patients, spool.LockFile)
	if err != nil {
		return fmt.Errorf("scanning patients folder: %w", err)
	}
	// Timeout completion waits while any open study still carries the MRN.
	var openMRNs = openStudyMRNs(folders.Studies)

	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.checkPatient(ctx, cfg, folders, name, openMRNs); err != nil {
			a.logger.Log(log.ErrorLevel, log.Fields{"patient": name, "error": err},
				"failed to check patient aggregate")
		}
	}
	return nil
}

// openStudyMRNs returns the MRNs of study aggregates still open in the
// studies folder. Unreadable studies are skipped; they are the study scan's
// problem.
func openStudyMRNs(studies string) map[string]bool {
	var out = make(map[string]bool)
	entries, err := os.ReadDir(studies)
	if err != nil {
		return out
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		t, err := task.Load(filepath.Join(studies, entry.Name()))
		if err != nil {
			continue
		}
		out[t.Info.MRN] = true
	}
	return out
}

func (a *Aggregator) checkPatient(ctx context.Context, cfg config.Snapshot, folders spool.Folders,
	name string, openMRNs map[string]bool) error {

	var folder = filepath.Join(folders.Patients, name)
	t, err := task.Load(folder)
	if errors.Is(err, task.ErrNotFound) {
		return nil
	} else if err != nil {
		return a.lockAndFail(ctx, folders, folder, err)
	}

	complete, err := a.patientComplete(folder, t, cfg, openMRNs)
	if err != nil {
		return a.lockAndFail(ctx, folders, folder, err)
	}
	if !complete {
		return a.patientForceTimeout(ctx, cfg, folders, folder, t)
	}

	lock, err := spool.AcquireFolder(folder)
	if errors.Is(err, spool.ErrLocked) {
		return nil
	} else if err != nil {
		return err
	}
	return a.emitPatient(ctx, cfg, folders, folder, lock, t)
}

func (a *Aggregator) emitPatient(ctx context.Context, cfg config.Snapshot, folders spool.Folders,
	folder string, lock *spool.FileLock, t *task.Task) error {

	ruleName := t.Info.AppliedRule
	rule, ok := cfg.Rules[ruleName]
	if !ok {
		return a.fail(ctx, folders, folder, lock, t,
			fmt.Errorf("%w: unknown rule %q", rules.ErrMisconfigured, ruleName))
	}
	return a.emit(ctx, folders, folder, lock, t, ruleName, rule)
}

// patientComplete evaluates the completion predicate of a patient aggregate.
func (a *Aggregator) patientComplete(folder string, t *task.Task, cfg config.Snapshot,
	openMRNs map[string]bool) (bool, error) {

	if spool.HasMarker(folder, spool.ForceCompleteFile) || t.Patient.CompleteForce {
		return true, nil
	}
	switch t.Patient.CompleteTrigger {
	case task.TriggerTimeout, "":
		var quiet = time.Duration(cfg.PatientCompleteTrigger) * time.Second
		if time.Since(t.Patient.LastReceiveTime.Time) < quiet {
			return false, nil
		}
		return !openMRNs[t.Info.MRN], nil
	case task.TriggerReceivedModalities:
		return rules.ParseCompletionSeries(t.Patient.CompleteRequiredModalities, t.Patient.ReceivedModalities)
	case task.TriggerReceivedStudies:
		var uids = make([]string, 0, len(t.Patient.ReceivedStudies))
		for _, study := range t.Patient.ReceivedStudies {
			uids = append(uids, study.StudyUID)
		}
		return rules.ParseCompletionSeries(t.Patient.CompleteRequiredStudies, uids)
	case task.TriggerReceivedSeries:
		if t.Patient.CompleteRequiredSeries == "" {
			a.logger.Log(log.WarnLevel, log.Fields{"patient": t.Patient.PatientID},
				"completion trigger received_series without a required series expression; falling back to timeout")
			return !openMRNs[t.Info.MRN] &&
				time.Since(t.Patient.LastReceiveTime.Time) >= time.Duration(cfg.PatientCompleteTrigger)*time.Second, nil
		}
		return rules.ParseCompletionSeries(t.Patient.CompleteRequiredSeries, t.Patient.ReceivedSeries)
	default:
		return false, fmt.Errorf("%w: unknown patient completion trigger %q",
			rules.ErrMisconfigured, t.Patient.CompleteTrigger)
	}
}

// patientForceTimeout applies the configured force action once an incomplete
// patient aggregate has lived past the force trigger.
func (a *Aggregator) patientForceTimeout(ctx context.Context, cfg config.Snapshot, folders spool.Folders,
	folder string, t *task.Task) error {

	var limit = time.Duration(cfg.PatientForceCompleteTrigger) * time.Second
	if time.Since(t.Patient.CreationTime.Time) < limit {
		return nil
	}
	switch t.Patient.CompleteForceAction {
	case task.ForceActionIgnore, "":
		lock, err := spool.AcquireFolder(folder)
		if errors.Is(err, spool.ErrLocked) {
			return nil
		} else if err != nil {
			return err
		}
		return a.emitPatient(ctx, cfg, folders, folder, lock, t)
	case task.ForceActionProceed:
		return spool.Touch(filepath.Join(folder, spool.ForceCompleteFile))
	case task.ForceActionDiscard:
		lock, err := spool.AcquireFolder(folder)
		if errors.Is(err, spool.ErrLocked) {
			return nil
		} else if err != nil {
			return err
		}
		return a.discard(ctx, folders, folder, lock, t, "patient force timeout")
	default:
		return fmt.Errorf("%w: unknown force action %q", rules.ErrMisconfigured, t.Patient.CompleteForceAction)
	}
}
