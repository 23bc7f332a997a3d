package processor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/micsi-dev/mercure/go/ops"
	log "github.com/sirupsen/logrus"
)

// nomadJobName is the parameterized batch job which runs module containers
// when mercure itself is deployed under nomad.
const nomadJobName = "mercure-processor"

// RunningUnderNomad reports whether this process was started by a nomad
// task driver.
func RunningUnderNomad() bool {
	return os.Getenv("NOMAD_ALLOC_ID") != ""
}

// NomadRuntime delegates module execution to a parameterized nomad batch
// job. Image management (pulls, signatures, manifests) is the job's own
// concern, so those operations are no-ops here.
type NomadRuntime struct{}

var _ Runtime = NomadRuntime{}

func (NomadRuntime) Pull(context.Context, string) (string, error) { return "", nil }

func (NomadRuntime) VerifySignature(context.Context, string, string, string) error { return nil }

func (NomadRuntime) DetectManifest(context.Context, string) (*AppManifest, error) { return nil, nil }

// Run dispatches the processor job and blocks until the dispatched instance
// completes. The nomad CLI monitors the allocation and reflects its outcome
// in the exit code.
func (NomadRuntime) Run(ctx context.Context, spec RunSpec, output io.Writer, logger ops.Logger) error {
	var args = []string{
		"job", "dispatch",
		"-meta", "IMAGE=" + spec.Image,
		"-meta", "TASK_ID=" + spec.TaskID,
	}
	for _, bind := range spec.Binds {
		switch bind.Container {
		case "/tmp/data":
			args = append(args, "-meta", "IN_DIR="+bind.Host)
		case "/tmp/output":
			args = append(args, "-meta", "OUT_DIR="+bind.Host)
		}
	}
	args = append(args, nomadJobName)

	logger.Log(log.InfoLevel, log.Fields{"args": args}, "dispatching processor job")
	var cmd = exec.CommandContext(ctx, "nomad", args...)
	var forwarder = ops.NewLogForwardWriter("nomad dispatch", log.InfoLevel, logger)
	cmd.Stdout = io.MultiWriter(output, forwarder)
	cmd.Stderr = cmd.Stdout

	var err = cmd.Run()
	_ = forwarder.Close()
	if err != nil {
		return fmt.Errorf("nomad dispatch of %q failed: %w", spec.Image, err)
	}
	return nil
}

func (NomadRuntime) Chown(context.Context, string, int, int) error { return nil }

// SupportsPipelines is false: the dispatched job owns no out-to-in rotation,
// so only single modules run here.
func (NomadRuntime) SupportsPipelines() bool { return false }
