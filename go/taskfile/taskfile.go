// Package taskfile builds and extends task documents as units are lifted
// from series to study to patient aggregates.
package taskfile

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/micsi-dev/mercure/go/config"
	"github.com/micsi-dev/mercure/go/dicom"
	"github.com/micsi-dev/mercure/go/rules"
	"github.com/micsi-dev/mercure/go/task"
)

// NewTaskID mints a fresh task identifier.
func NewTaskID() string { return uuid.NewString() }

// BuildProcess resolves the rule's processing modules against the module
// configuration into the task's processing decision.
func BuildProcess(cfg config.Snapshot, rule rules.Rule) (task.Process, error) {
	if len(rule.ProcessingModule) == 0 {
		return task.NoProcess, nil
	}
	var steps = make([]task.Processing, 0, len(rule.ProcessingModule))
	for _, name := range rule.ProcessingModule {
		module, ok := cfg.Modules[name]
		if !ok {
			return task.NoProcess, fmt.Errorf("%w: unknown processing module %q", rules.ErrMisconfigured, name)
		}
		steps = append(steps, buildStep(name, module, rule))
	}
	if len(steps) == 1 {
		return task.SingleProcess(steps[0]), nil
	}
	return task.PipelineProcess(steps), nil
}

func buildStep(name string, module config.Module, rule rules.Rule) task.Processing {
	// Rule-level processing settings overlay the module's own.
	var settings map[string]interface{}
	if len(module.Settings) > 0 || len(rule.ProcessingSettings) > 0 {
		settings = make(map[string]interface{}, len(module.Settings)+len(rule.ProcessingSettings))
		for k, v := range module.Settings {
			settings[k] = v
		}
		for k, v := range rule.ProcessingSettings {
			settings[k] = v
		}
	}
	return task.Processing{
		ModuleName:          name,
		DockerTag:           module.DockerTag,
		AdditionalVolumes:   module.AdditionalVolumes,
		Environment:         module.Environment,
		DockerArguments:     module.DockerArguments,
		Constraints:         module.Constraints,
		Resources:           module.Resources,
		RequiresRoot:        module.RequiresRoot,
		RequiresPersistence: module.RequiresPersistence,
		PersistenceFolder:   module.PersistenceFolder,
		NetworkMode:         module.NetworkMode,
		Settings:            settings,
		RetainInputImages:   module.RetainInputImages,
	}
}

// BuildDispatch resolves the rule's targets into the task's dispatch state.
func BuildDispatch(cfg config.Snapshot, rule rules.Rule) (*task.Dispatch, error) {
	if rule.Action != task.ActionRoute && rule.Action != task.ActionBoth {
		return nil, nil
	}
	var status = make(map[string]*task.TargetStatus, len(rule.Target))
	for _, name := range rule.Target {
		if _, ok := cfg.Targets[name]; !ok {
			return nil, fmt.Errorf("%w: unknown target %q", rules.ErrMisconfigured, name)
		}
		status[name] = &task.TargetStatus{State: task.TargetWaiting}
	}
	return &task.Dispatch{TargetName: rule.Target, Status: status}, nil
}

func infoFromTags(tags map[string]string) (mrn, acc string) {
	mrn = tags[dicom.TagPatientID]
	if mrn == "" {
		mrn = "MISSING"
	}
	acc = tags[dicom.TagAccessionNumber]
	return mrn, acc
}

// NewSeriesTask builds the first task of a freshly received series.
func NewSeriesTask(cfg config.Snapshot, ruleName string, triggered map[string]bool, tags map[string]string, seriesUID string) (*task.Task, error) {
	var rule, ok = cfg.Rules[ruleName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown rule %q", rules.ErrMisconfigured, ruleName)
	}
	process, err := BuildProcess(cfg, rule)
	if err != nil {
		return nil, err
	}
	dispatch, err := BuildDispatch(cfg, rule)
	if err != nil {
		return nil, err
	}

	var mrn, acc = infoFromTags(tags)
	var t = &task.Task{
		ID: NewTaskID(),
		Info: task.Info{
			Action:         rule.Action,
			AppliedRule:    ruleName,
			TriggeredRules: triggered,
			UID:            seriesUID,
			UIDType:        task.UIDTypeSeries,
			MRN:            mrn,
			ACC:            acc,
		},
		Process:  process,
		Dispatch: dispatch,
	}
	return t, nil
}

// NewStudyTask creates a study aggregate from the first series of the study.
// Series captured by a study- or patient-scoped rule never carry a task of
// their own; the study task is authoritative from the start.
func NewStudyTask(cfg config.Snapshot, ruleName string, triggered map[string]bool, tags map[string]string, seriesUID string) (*task.Task, error) {
	var rule, ok = cfg.Rules[ruleName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown rule %q", rules.ErrMisconfigured, ruleName)
	}
	process, err := BuildProcess(cfg, rule)
	if err != nil {
		return nil, err
	}
	dispatch, err := BuildDispatch(cfg, rule)
	if err != nil {
		return nil, err
	}

	var trigger = rule.StudyTriggerCondition
	if trigger == "" {
		trigger = task.TriggerTimeout
	}
	var forceAction = rule.CompleteForceAction
	if forceAction == "" {
		forceAction = task.ForceActionIgnore
	}

	var mrn, acc = infoFromTags(tags)
	var now = task.Now()
	var t = &task.Task{
		ID: NewTaskID(),
		Info: task.Info{
			Action:         rule.Action,
			AppliedRule:    ruleName,
			TriggeredRules: triggered,
			UID:            tags[dicom.TagStudyInstanceUID],
			UIDType:        task.UIDTypeStudy,
			MRN:            mrn,
			ACC:            acc,
		},
		Study: &task.Study{
			StudyUID:               tags[dicom.TagStudyInstanceUID],
			CreationTime:           now,
			LastReceiveTime:        now,
			CompleteTrigger:        trigger,
			CompleteRequiredSeries: rule.StudyTriggerSeries,
			CompleteForceAction:    forceAction,
			ReceivedSeries:         []string{tags[dicom.TagSeriesDescription]},
			ReceivedSeriesUID:      []string{seriesUID},
		},
		Process:  process,
		Dispatch: dispatch,
	}
	return t, nil
}

// AddSeriesToStudy extends an open study aggregate with a newly received
// series and refreshes its last-receive time.
func AddSeriesToStudy(studyTask *task.Task, seriesUID, seriesDescription string) {
	studyTask.Study.ReceivedSeries = append(studyTask.Study.ReceivedSeries, seriesDescription)
	studyTask.Study.ReceivedSeriesUID = append(studyTask.Study.ReceivedSeriesUID, seriesUID)
	studyTask.Study.LastReceiveTime = task.Now()
}

// NewPatientTask creates a patient aggregate from the first completed study
// of the patient.
func NewPatientTask(cfg config.Snapshot, studyTask *task.Task, patientID string) (*task.Task, error) {
	var ruleName = studyTask.Info.AppliedRule
	var rule, ok = cfg.Rules[ruleName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown rule %q", rules.ErrMisconfigured, ruleName)
	}

	var trigger = rule.PatientTriggerCondition
	if trigger == "" {
		trigger = task.TriggerTimeout
	}
	var forceAction = rule.CompleteForceAction
	if forceAction == "" {
		forceAction = task.ForceActionIgnore
	}

	var now = task.Now()
	var t = &task.Task{
		ID:   NewTaskID(),
		Info: studyTask.Info,
		Patient: &task.Patient{
			PatientID:                  patientID,
			CreationTime:               now,
			LastReceiveTime:            now,
			CompleteTrigger:            trigger,
			CompleteRequiredModalities: rule.PatientTriggerModalities,
			CompleteRequiredStudies:    rule.PatientTriggerStudies,
			CompleteRequiredSeries:     rule.PatientTriggerSeries,
			CompleteForceAction:        forceAction,
		},
		Process:  studyTask.Process,
		Dispatch: studyTask.Dispatch,
	}
	t.Info.UID = patientID
	t.Info.UIDType = task.UIDTypePatient
	t.Study = nil
	return t, nil
}

// UpdatePatientTask extends a patient aggregate with one completed study.
func UpdatePatientTask(patientTask *task.Task, study task.PatientStudy, modality string, seriesUIDs, seriesDescriptions []string) {
	var p = patientTask.Patient
	p.ReceivedStudies = append(p.ReceivedStudies, study)
	p.ReceivedSeriesUID = append(p.ReceivedSeriesUID, seriesUIDs...)
	p.ReceivedSeries = append(p.ReceivedSeries, seriesDescriptions...)

	var seen = false
	for _, m := range p.ReceivedModalities {
		if m == modality {
			seen = true
			break
		}
	}
	if !seen && modality != "" {
		p.ReceivedModalities = append(p.ReceivedModalities, modality)
	}
	p.LastReceiveTime = task.Now()
}
