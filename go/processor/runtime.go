// Package processor executes the module pipeline of units in the processing
// folder inside containers, and moves finished units onward.
package processor

import (
	"context"
	"io"

	"github.com/micsi-dev/mercure/go/ops"
)

// Bind is one host path mounted into the module container.
type Bind struct {
	Host      string
	Container string
	ReadOnly  bool
}

// RunSpec describes one module container execution.
type RunSpec struct {
	TaskID string
	Image  string

	// Entrypoint, when non-nil, replaces the image's ENTRYPOINT; the empty
	// string clears it so Command runs exactly as given. Command overrides
	// the image's CMD.
	Entrypoint *string
	Command    []string
	// Arguments are appended after the image name.
	Arguments []string

	Binds []Bind
	Env   map[string]string

	// User is the uid:gid the container runs as; empty means the image's
	// default (root execution).
	User        string
	GroupAdd    []string
	NetworkMode string
}

// AppManifest is the embedded application manifest some module images carry.
// Its presence overrides the container command and implies root execution.
type AppManifest struct {
	Command      string `json:"command"`
	SDKVersion   string `json:"sdk_version,omitempty"`
	Environment  string `json:"environment,omitempty"`
	WorkingDir   string `json:"working_dir,omitempty"`
	Timeout      int    `json:"timeout,omitempty"`
	ReadinessCmd string `json:"readiness_command,omitempty"`
}

// Runtime abstracts the container engine executing module containers.
// Implementations must be safe for concurrent use.
type Runtime interface {
	// Pull fetches the image and returns its repo digest, when known.
	Pull(ctx context.Context, tag string) (digest string, err error)
	// VerifySignature checks the image signature against the configured
	// identity. A verification failure aborts the task before any module
	// container runs.
	VerifySignature(ctx context.Context, tag, identity, issuer string) error
	// DetectManifest returns the embedded app manifest of the image, or nil
	// when the image carries none.
	DetectManifest(ctx context.Context, tag string) (*AppManifest, error)
	// Run executes the module container and blocks until it exits. Container
	// output is written to |output| as it is produced.
	Run(ctx context.Context, spec RunSpec, output io.Writer, logger ops.Logger) error
	// SupportsPipelines reports whether multi-step module pipelines can run
	// on this runtime.
	SupportsPipelines() bool
	// Chown hands the files under |path| back to uid:gid. A helper container
	// is used because the invoker may lack the privilege to do it directly.
	Chown(ctx context.Context, path string, uid, gid int) error
}
