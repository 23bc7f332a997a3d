// Package task defines the canonical on-disk task document which describes
// a unit of work and its pipeline decision.
package task

import (
	"fmt"
)

// Action is the terminal verb applied to a unit.
type Action string

const (
	ActionRoute        Action = "route"
	ActionProcess      Action = "process"
	ActionBoth         Action = "both"
	ActionNotification Action = "notification"
	ActionDiscard      Action = "discard"
)

// UIDType is the aggregation level of a task.
type UIDType string

const (
	UIDTypeSeries  UIDType = "series"
	UIDTypeStudy   UIDType = "study"
	UIDTypePatient UIDType = "patient"
)

// FailStage records the pipeline phase in which a unit failed, and selects
// the restart shape.
type FailStage string

const (
	FailStageRouting     FailStage = "routing"
	FailStageProcessing  FailStage = "processing"
	FailStageDispatching FailStage = "dispatching"
)

// Completion triggers of study and patient aggregates.
const (
	TriggerTimeout            = "timeout"
	TriggerReceivedSeries     = "received_series"
	TriggerReceivedStudies    = "received_studies"
	TriggerReceivedModalities = "received_modalities"
)

// Force-completion actions taken when an aggregate exceeds its force timeout.
const (
	ForceActionIgnore  = "ignore"
	ForceActionProceed = "proceed"
	ForceActionDiscard = "discard"
)

// Info is the routing decision of a task.
type Info struct {
	Action         Action          `json:"action"`
	AppliedRule    string          `json:"applied_rule"`
	TriggeredRules map[string]bool `json:"triggered_rules"`
	UID            string          `json:"uid"`
	UIDType        UIDType         `json:"uid_type"`
	MRN            string          `json:"mrn"`
	ACC            string          `json:"acc"`
	FailStage      FailStage       `json:"fail_stage,omitempty"`
}

// Study aggregation state, present iff the task's uid_type is "study".
type Study struct {
	StudyUID               string    `json:"study_uid"`
	CreationTime           Timestamp `json:"creation_time"`
	LastReceiveTime        Timestamp `json:"last_receive_time"`
	CompleteTrigger        string    `json:"complete_trigger"`
	CompleteRequiredSeries string    `json:"complete_required_series"`
	CompleteForce          bool      `json:"complete_force"`
	CompleteForceAction    string    `json:"complete_force_action"`
	ReceivedSeries         []string  `json:"received_series"`
	ReceivedSeriesUID      []string  `json:"received_series_uid"`
}

// PatientStudy is one study received into a patient aggregate.
type PatientStudy struct {
	StudyUID    string `json:"study_uid"`
	Modality    string `json:"modality"`
	SeriesCount int    `json:"series_count"`
}

// Patient aggregation state, present iff the task's uid_type is "patient".
type Patient struct {
	PatientID                  string         `json:"patient_id"`
	CreationTime               Timestamp      `json:"creation_time"`
	LastReceiveTime            Timestamp      `json:"last_receive_time"`
	CompleteTrigger            string         `json:"complete_trigger"`
	CompleteRequiredModalities string         `json:"complete_required_modalities"`
	CompleteRequiredStudies    string         `json:"complete_required_studies"`
	CompleteRequiredSeries     string         `json:"complete_required_series"`
	CompleteForce              bool           `json:"complete_force"`
	CompleteForceAction        string         `json:"complete_force_action"`
	ReceivedStudies            []PatientStudy `json:"received_studies"`
	ReceivedModalities         []string       `json:"received_modalities"`
	ReceivedSeries             []string       `json:"received_series"`
	ReceivedSeriesUID          []string       `json:"received_series_uid"`
}

// Processing is the per-module contract of one pipeline step.
type Processing struct {
	ModuleName          string                 `json:"module_name"`
	DockerTag           string                 `json:"docker_tag"`
	AdditionalVolumes   map[string]string      `json:"additional_volumes,omitempty"`
	Environment         map[string]string      `json:"environment,omitempty"`
	DockerArguments     []string               `json:"docker_arguments,omitempty"`
	Constraints         string                 `json:"constraints,omitempty"`
	Resources           string                 `json:"resources,omitempty"`
	RequiresRoot        bool                   `json:"requires_root"`
	RequiresPersistence bool                   `json:"requires_persistence"`
	PersistenceFolder   string                 `json:"persistence_folder_name,omitempty"`
	NetworkMode         string                 `json:"network_mode,omitempty"`
	Settings            map[string]interface{} `json:"settings,omitempty"`
	RetainInputImages   bool                   `json:"retain_input_images"`
}

// Dispatch is the outbound routing state of a task.
type Dispatch struct {
	TargetName TargetNames              `json:"target_name"`
	Status     map[string]*TargetStatus `json:"status,omitempty"`
}

// Per-target dispatch states.
const (
	TargetWaiting   = "waiting"
	TargetSuccess   = "success"
	TargetExhausted = "exhausted"
)

// TargetStatus is the retry state of a single dispatch target.
type TargetStatus struct {
	State       string     `json:"state"`
	Retries     int        `json:"retries"`
	NextRetryAt *Timestamp `json:"next_retry_at"`
}

// Task is the canonical unit of work, serialized as task.json inside a
// unit's folder.
type Task struct {
	ID       string    `json:"id"`
	ParentID string    `json:"parent_id,omitempty"`
	Info     Info      `json:"info"`
	Study    *Study    `json:"study,omitempty"`
	Patient  *Patient  `json:"patient,omitempty"`
	Process  Process   `json:"process"`
	Dispatch *Dispatch `json:"dispatch,omitempty"`
}

// Validate checks the structural invariants of the task document.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task has no id")
	}
	switch t.Info.UIDType {
	case UIDTypeSeries:
		if t.Study != nil || t.Patient != nil {
			return fmt.Errorf("task %s: series task must not carry study or patient state", t.ID)
		}
	case UIDTypeStudy:
		if t.Study == nil {
			return fmt.Errorf("task %s: study task is missing study state", t.ID)
		} else if t.Patient != nil {
			return fmt.Errorf("task %s: study task must not carry patient state", t.ID)
		}
	case UIDTypePatient:
		if t.Patient == nil {
			return fmt.Errorf("task %s: patient task is missing patient state", t.ID)
		} else if t.Study != nil {
			return fmt.Errorf("task %s: patient task must not carry study state", t.ID)
		}
	default:
		return fmt.Errorf("task %s: invalid uid_type %q", t.ID, t.Info.UIDType)
	}
	return nil
}

// NeedsDispatching reports whether the unit must still visit the dispatcher
// after processing.
func (t *Task) NeedsDispatching() bool {
	if t.Info.Action != ActionRoute && t.Info.Action != ActionBoth {
		return false
	}
	return t.Dispatch != nil && len(t.Dispatch.TargetName) > 0
}
