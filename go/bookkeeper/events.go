// Package bookkeeper records task, series, and module events out of band,
// and answers the archive queries behind the operator UI. The orchestrator
// talks to it through Client; the service itself is an HTTP front over a
// sqlite store.
package bookkeeper

import (
	"encoding/json"
	"time"
)

// Task event kinds.
const (
	EventRegistered            = "REGISTERED"
	EventProcessBegin          = "PROCESS_BEGIN"
	EventProcessModuleBegin    = "PROCESS_MODULE_BEGIN"
	EventProcessModuleComplete = "PROCESS_MODULE_COMPLETE"
	EventProcessComplete       = "PROCESS_COMPLETE"
	EventProcessRestart        = "PROCESS_RESTART"
	EventDispatchBegin         = "DISPATCH_BEGIN"
	EventDispatchComplete      = "DISPATCH_COMPLETE"
	EventComplete              = "COMPLETE"
	EventError                 = "ERROR"
	EventDiscard               = "DISCARD"
)

// TaskEvent is one recorded transition of a task.
type TaskEvent struct {
	TaskID    string    `json:"task_id"`
	Event     string    `json:"event"`
	FileCount int       `json:"file_count"`
	Target    string    `json:"target,omitempty"`
	Info      string    `json:"info,omitempty"`
	Time      time.Time `json:"time"`
}

// SeriesEvent is one recorded observation of a received series.
type SeriesEvent struct {
	SeriesUID   string    `json:"series_uid"`
	StudyUID    string    `json:"study_uid"`
	Description string    `json:"description"`
	Modality    string    `json:"modality"`
	FileCount   int       `json:"file_count"`
	Event       string    `json:"event"`
	Info        string    `json:"info,omitempty"`
	Time        time.Time `json:"time"`
}

// ProcessLogs is the captured output of one module run.
type ProcessLogs struct {
	TaskID     string    `json:"task_id"`
	ModuleName string    `json:"module_name"`
	Logs       string    `json:"logs"`
	Time       time.Time `json:"time"`
}

// ProcessorOutput is the structured result.json of one module run.
type ProcessorOutput struct {
	TaskID     string          `json:"task_id"`
	ModuleName string          `json:"module_name"`
	Index      int             `json:"index"`
	Output     json.RawMessage `json:"output"`
	Time       time.Time       `json:"time"`
}
