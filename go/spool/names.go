// Package spool implements the on-disk layout and lock protocol of the
// mercure spool tree. The filesystem is the queue: units of work are
// folders, and the only synchronization primitive between worker loops is
// the advisory marker files defined here.
package spool

// Well-known marker and file names inside a unit folder.
const (
	// LockFile marks a folder as owned by a worker; other workers must not touch it.
	LockFile = ".lock"
	// ProcessingFile marks a folder whose module container is currently executing.
	ProcessingFile = ".processing"
	// ForceCompleteFile requests that an aggregate be treated as complete on the next scan.
	ForceCompleteFile = ".complete_force"
	// ErrorFile marks a folder which encountered an error.
	ErrorFile = ".error"
	// HaltFile at the root of a stage folder suspends that stage's scans.
	HaltFile = ".halt"
	// TaskFile is the canonical task document of a unit folder.
	TaskFile = "task.json"
	// AsReceivedDir preserves a snapshot of the original inputs for restart.
	AsReceivedDir = "as_received"
	// InDir and OutDir are the processing engine's module input and output folders.
	InDir  = "in"
	OutDir = "out"
	// InputFilesDir holds a retained copy of inputs when a module requests it.
	InputFilesDir = "input_files"

	// DCMSuffix and TagsSuffix are the extensions of received DICOM files
	// and their header sidecars.
	DCMSuffix  = ".dcm"
	TagsSuffix = ".tags"
)
