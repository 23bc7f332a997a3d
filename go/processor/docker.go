package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/micsi-dev/mercure/go/ops"
	log "github.com/sirupsen/logrus"
)

const (
	// chownHelperImage hands output files back to the invoking user after a
	// root module ran.
	chownHelperImage = "busybox:stable-musl"
	// cosignImage carries the signature verifier.
	cosignImage = "chainguard/cosign:latest"
	// manifestPath is where module images embed their app manifest.
	manifestPath = "/etc/monai/app.json"

	// signatureTimeout caps one cosign verification run.
	signatureTimeout = 60 * time.Second

	maxStderrBytes = 4096
)

// DockerRuntime drives module containers through the docker CLI.
type DockerRuntime struct{}

var _ Runtime = DockerRuntime{}

func (DockerRuntime) SupportsPipelines() bool { return true }

// Pull fetches the image unless it carries the :local tag, and returns its
// repo digest.
func (DockerRuntime) Pull(ctx context.Context, tag string) (string, error) {
	if strings.HasSuffix(tag, ":local") {
		// Don't pull images having this tag.
		return "", nil
	}
	if _, err := exec.CommandContext(ctx, "docker", "pull", "--quiet", tag).Output(); err != nil {
		return "", fmt.Errorf("docker pull of module image %q failed: %w", tag, err)
	}
	out, err := exec.CommandContext(ctx, "docker", "image", "inspect",
		"--format", "{{if .RepoDigests}}{{index .RepoDigests 0}}{{end}}", tag).Output()
	if err != nil {
		return "", fmt.Errorf("docker inspect of module image %q failed: %w", tag, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// VerifySignature runs cosign inside its own container against the image tag.
func (DockerRuntime) VerifySignature(ctx context.Context, tag, identity, issuer string) error {
	ctx, cancel := context.WithTimeout(ctx, signatureTimeout)
	defer cancel()

	var args = []string{
		"run", "--rm", "--log-driver", "none", cosignImage,
		"verify", tag,
		"--certificate-identity", identity,
		"--certificate-oidc-issuer", issuer,
	}
	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("signature verification of %q failed: %w: %s",
			tag, err, truncate(out, maxStderrBytes))
	}
	return nil
}

// DetectManifest copies the app manifest out of a throwaway container made
// from the image. Absence of the manifest is not an error.
func (DockerRuntime) DetectManifest(ctx context.Context, tag string) (*AppManifest, error) {
	idRaw, err := exec.CommandContext(ctx, "docker", "create", tag).Output()
	if err != nil {
		return nil, fmt.Errorf("creating container of %q for manifest detection: %w", tag, err)
	}
	var id = strings.TrimSpace(string(idRaw))
	defer func() {
		_ = exec.Command("docker", "rm", "-f", id).Run()
	}()

	tmp, err := os.MkdirTemp("", "manifest")
	if err != nil {
		return nil, fmt.Errorf("creating manifest scratch dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	var target = filepath.Join(tmp, "app.json")
	if err = exec.CommandContext(ctx, "docker", "cp", id+":"+manifestPath, target).Run(); err != nil {
		// The image carries no manifest.
		return nil, nil
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("reading copied manifest: %w", err)
	}
	var manifest AppManifest
	if err = json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing app manifest of %q: %w", tag, err)
	}
	return &manifest, nil
}

// Run executes the module container and blocks until it exits. The container
// runs with all capabilities dropped, no privilege escalation, a read-only
// root filesystem, and writable tmpfs mounts for the paths module SDKs
// insist on writing to.
func (DockerRuntime) Run(ctx context.Context, spec RunSpec, output io.Writer, logger ops.Logger) error {
	var args = []string{
		"docker", "run",
		"--rm",
		// Containers may write lots of output; don't let docker's logging
		// driver persist it, the forwarder below captures everything.
		"--log-driver", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--tmpfs", "/tmp:rw,size=10G,mode=1777",
		"--tmpfs", "/app/logs:rw,size=100M,mode=1777",
		"--tmpfs", "/var/cache/fontconfig:rw,size=50M,mode=1777",
	}

	var network = spec.NetworkMode
	if network == "" {
		network = "none"
	}
	args = append(args, "--network", network)

	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	for _, group := range spec.GroupAdd {
		args = append(args, "--group-add", group)
	}
	for _, bind := range spec.Binds {
		var mount = fmt.Sprintf("type=bind,source=%s,target=%s", bind.Host, bind.Container)
		if bind.ReadOnly {
			mount += ",readonly"
		}
		args = append(args, "--mount", mount)
	}
	for _, kv := range envArgs(spec.Env) {
		args = append(args, "--env", kv)
	}
	if spec.Entrypoint != nil {
		args = append(args, "--entrypoint", *spec.Entrypoint)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	args = append(args, spec.Arguments...)

	return runCommand(ctx, args, output, logger)
}

// Chown hands the path back to uid:gid through a helper container, since
// the invoker may lack the privilege to chown files a root module wrote.
func (DockerRuntime) Chown(ctx context.Context, path string, uid, gid int) error {
	var args = []string{
		"run", "--rm", "--log-driver", "none",
		"--mount", fmt.Sprintf("type=bind,source=%s,target=/payload", path),
		chownHelperImage,
		"chown", "-R", fmt.Sprintf("%d:%d", uid, gid), "/payload",
	}
	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("chown helper failed for %s: %w: %s", path, err, truncate(out, maxStderrBytes))
	}
	return nil
}

// runCommand runs args[0] with args[1:], streaming stdout to |output| and
// forwarding stderr lines through |logger|. On context cancellation the
// process receives a SIGTERM rather than a SIGKILL; docker propagates the
// signal to the container and applies its own shutdown timeout.
func runCommand(ctx context.Context, args []string, output io.Writer, logger ops.Logger) error {
	// Don't undertake expensive operations if we're already shutting down.
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cmd = exec.Command(args[0], args[1:]...)
	var fe = new(firstError)

	var stdoutForwarder = ops.NewLogForwardWriter("module stdout", log.InfoLevel, logger)
	var stderrForwarder = ops.NewLogForwardWriter("module stderr", log.InfoLevel, logger)

	cmd.Stdout = io.MultiWriter(output, stdoutForwarder)
	cmd.Stderr = &moduleStderr{delegate: io.MultiWriter(output, stderrForwarder)}

	logger.Log(log.InfoLevel, log.Fields{"args": args}, "invoking module container")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting module container: %w", err)
	}

	go func(signal func(os.Signal) error) {
		<-ctx.Done()
		logger.Log(log.DebugLevel, nil, "sending termination signal to module container")
		if sigErr := signal(syscall.SIGTERM); sigErr != nil && sigErr != os.ErrProcessDone {
			logger.Log(log.WarnLevel, log.Fields{"error": sigErr},
				"failed to send signal to module container")
		}
	}(cmd.Process.Signal)

	var err = cmd.Wait()
	_ = stdoutForwarder.Close()
	_ = stderrForwarder.Close()

	if err != nil && ctx.Err() == nil {
		logger.Log(log.ErrorLevel, log.Fields{"error": err}, "module container failed")
		fe.onError(fmt.Errorf("module container failed: %w\nwith stderr:\n\n%s",
			err, cmd.Stderr.(*moduleStderr).buffer.String()))
	} else if ctx.Err() != nil {
		fe.onError(ctx.Err())
	}

	logger.Log(log.InfoLevel, log.Fields{
		"error":     fe.unwrap(),
		"cancelled": ctx.Err() != nil,
	}, "module container exited")

	return fe.unwrap()
}

// moduleStderr retains a prefix of stderr output to use in error messages
// when a module exits abnormally. All output is forwarded to the delegate.
type moduleStderr struct {
	delegate io.Writer
	buffer   bytes.Buffer
}

func (s *moduleStderr) Write(p []byte) (int, error) {
	var rem = maxStderrBytes - s.buffer.Len()
	if rem > len(p) {
		rem = len(p)
	}
	s.buffer.Write(p[:rem])

	return s.delegate.Write(p)
}

type firstError struct {
	err error
	mu  sync.Mutex
}

func (fe *firstError) onError(err error) {
	defer fe.mu.Unlock()
	fe.mu.Lock()

	if fe.err == nil {
		fe.err = err
	}
}

func (fe *firstError) unwrap() error {
	defer fe.mu.Unlock()
	fe.mu.Lock()
	return fe.err
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return bytes.TrimSpace(b)
}

// envArgs renders an environment map as KEY=VALUE pairs in sorted key order,
// so that invocations are deterministic.
func envArgs(env map[string]string) []string {
	var keys = make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out = make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out
}
