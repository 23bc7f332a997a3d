package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
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

// mercureGroup is added to module containers so they can access the shared
// spool mounts.
const mercureGroup = "mercure"

// Keeper is the slice of the bookkeeper used by the processor.
type Keeper interface {
	UpdateTask(ctx context.Context, t *task.Task) error
	SendTaskEvent(ctx context.Context, ev bookkeeper.TaskEvent) error
	SendProcessLogs(ctx context.Context, l bookkeeper.ProcessLogs) error
	SendProcessorOutput(ctx context.Context, o bookkeeper.ProcessorOutput) error
}

// Notifier delivers rule-gated webhooks.
type Notifier interface {
	Send(ctx context.Context, event, ruleName string, rule rules.Rule, payload map[string]interface{}) error
}

// Processor consumes units of the processing folder and runs their module
// pipeline.
type Processor struct {
	provider *config.Provider
	keeper   Keeper
	notifier Notifier
	runtime  Runtime
	puller   *ThrottledPuller
	helpers  *ThrottledPuller
	logger   ops.Logger
}

// New builds a Processor over the given container runtime.
func New(provider *config.Provider, keeper Keeper, notifier Notifier, runtime Runtime, logger ops.Logger) *Processor {
	return &Processor{
		provider: provider,
		keeper:   keeper,
		notifier: notifier,
		runtime:  runtime,
		puller:   NewThrottledPuller(modulePullInterval),
		helpers:  NewThrottledPuller(helperPullInterval),
		logger:   logger,
	}
}

// SelectRuntime picks the container runtime: nomad if and only if this
// process itself runs under nomad, or the configuration names nomad as the
// processing runtime or process runner.
func SelectRuntime(cfg config.Snapshot) Runtime {
	if cfg.ProcessingRuntime == config.RuntimeNomad ||
		cfg.ProcessRunner == config.RuntimeNomad || RunningUnderNomad() {
		return NomadRuntime{}
	}
	return DockerRuntime{}
}

// ScanOnce performs one pass over the processing folder, in folder-name
// order. Folders with a running container (.processing) are skipped, as is
// the entire pass while a halt marker is present.
func (p *Processor) ScanOnce(ctx context.Context) error {
	var cfg = p.provider.Snapshot()
	var folders = cfg.Folders()

	if spool.IsHalted(folders.Processing) {
		p.logger.Log(log.DebugLevel, nil, "processing is halted")
		return nil
	}
	names, err := spool.ListUnits(folders.Processing, spool.LockFile, spool.ProcessingFile)
	if err != nil {
		return fmt.Errorf("scanning processing folder: %w", err)
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !spool.HasMarker(filepath.Join(folders.Processing, name), spool.TaskFile) {
			// Not ready: mid-move, or a crashed unit awaiting restart.
			continue
		}
		if err := p.processUnit(ctx, cfg, folders, name); err != nil {
			p.logger.Log(log.ErrorLevel, log.Fields{"unit": name, "error": err},
				"failed to process unit")
		}
	}
	return nil
}

func (p *Processor) processUnit(ctx context.Context, cfg config.Snapshot, folders spool.Folders, name string) error {
	var folder = filepath.Join(folders.Processing, name)

	lock, err := spool.AcquireFolder(folder)
	if errors.Is(err, spool.ErrLocked) {
		return nil
	} else if err != nil {
		return err
	}

	t, err := task.Load(folder)
	if err != nil {
		return p.fail(ctx, cfg, folders, folder, lock, nil, err)
	}
	var logger = ops.NewTaskLogger(p.logger, t.ID)
	var steps = t.Process.Steps()

	if len(steps) == 0 {
		// Nothing to run; pass the unit on.
		return p.finish(ctx, cfg, folders, folder, lock, t)
	}
	if len(steps) > 1 && !p.runtime.SupportsPipelines() {
		return p.fail(ctx, cfg, folders, folder, lock, t,
			fmt.Errorf("%w: module pipelines require the docker runtime", rules.ErrMisconfigured))
	}

	if err = spool.Touch(filepath.Join(folder, spool.ProcessingFile)); err != nil {
		return err
	}
	if err = snapshotAsReceived(folder); err != nil {
		return p.fail(ctx, cfg, folders, folder, lock, t, err)
	}

	fileCount, _ := dicom.CountFiles(folder)
	p.sendTaskEvent(ctx, bookkeeper.TaskEvent{
		TaskID: t.ID, Event: bookkeeper.EventProcessBegin, FileCount: fileCount,
	})

	if err = setupWorkdirs(folder); err != nil {
		return p.fail(ctx, cfg, folders, folder, lock, t, err)
	}
	var retain = steps[0].RetainInputImages
	if retain {
		if err = spool.CopyTree(filepath.Join(folder, spool.InDir), filepath.Join(folder, spool.InputFilesDir)); err != nil {
			return p.fail(ctx, cfg, folders, folder, lock, t, err)
		}
	}

	var results []moduleResult
	for i, step := range steps {
		if i > 0 {
			if err = rotateWorkdirs(folder); err != nil {
				return p.fail(ctx, cfg, folders, folder, lock, t, err)
			}
		}
		if err = p.runStep(ctx, cfg, folder, t, step, logger); err != nil {
			return p.fail(ctx, cfg, folders, folder, lock, t,
				fmt.Errorf("module %q: %w", step.ModuleName, err))
		}

		var output, ok = readModuleResult(filepath.Join(folder, spool.OutDir))
		if !ok {
			output = []byte("{}")
		}
		results = append(results, moduleResult{Name: step.ModuleName, Output: output})
		p.sendProcessorOutput(ctx, bookkeeper.ProcessorOutput{
			TaskID: t.ID, ModuleName: step.ModuleName, Index: i, Output: output,
		})
		p.sendTaskEvent(ctx, bookkeeper.TaskEvent{
			TaskID: t.ID, Event: bookkeeper.EventProcessModuleComplete, Info: step.ModuleName,
		})
	}

	// Final pipeline result and task document land in out/ and move to the
	// unit root with the rest of the outputs.
	var outDir = filepath.Join(folder, spool.OutDir)
	if err = writePipelineResult(outDir, results); err != nil {
		return p.fail(ctx, cfg, folders, folder, lock, t, err)
	}
	if err = task.Save(t, outDir); err != nil {
		return p.fail(ctx, cfg, folders, folder, lock, t, err)
	}
	outCount, _ := dicom.CountFiles(outDir)
	p.sendTaskEvent(ctx, bookkeeper.TaskEvent{
		TaskID: t.ID, Event: bookkeeper.EventProcessComplete, FileCount: outCount,
	})

	if err = promoteOutputs(folder, retain); err != nil {
		return p.fail(ctx, cfg, folders, folder, lock, t, err)
	}
	return p.finish(ctx, cfg, folders, folder, lock, t)
}

// runStep executes one module container against the unit's in/ and out/
// folders.
func (p *Processor) runStep(ctx context.Context, cfg config.Snapshot, folder string,
	t *task.Task, step task.Processing, logger ops.Logger) error {

	if step.DockerTag == "" {
		return fmt.Errorf("%w: module %q has no docker tag", rules.ErrMisconfigured, step.ModuleName)
	}
	if _, err := p.puller.Pull(ctx, p.runtime, step.DockerTag, logger); err != nil {
		return err
	}
	if requireSignature(step.Settings) {
		if cfg.CertificateIdentity == "" || cfg.CertificateOIDCIssuer == "" {
			return fmt.Errorf("%w: module %q requires a signed image but no certificate identity is configured",
				rules.ErrMisconfigured, step.ModuleName)
		}
		if err := p.runtime.VerifySignature(ctx, step.DockerTag,
			cfg.CertificateIdentity, cfg.CertificateOIDCIssuer); err != nil {
			return err
		}
	}

	manifest, err := p.runtime.DetectManifest(ctx, step.DockerTag)
	if err != nil {
		return err
	}
	var requiresRoot = step.RequiresRoot
	var command []string
	var entrypoint *string
	if manifest != nil {
		// The manifest command replaces both the image ENTRYPOINT and CMD;
		// otherwise an image with an ENTRYPOINT would receive the command as
		// arguments.
		command = strings.Fields(manifest.Command)
		entrypoint = new(string)
		requiresRoot = true
	}
	if requiresRoot && !cfg.SupportRootModules {
		return fmt.Errorf("module %q requires root but root modules are not permitted", step.ModuleName)
	}

	p.sendTaskEvent(ctx, bookkeeper.TaskEvent{
		TaskID: t.ID, Event: bookkeeper.EventProcessModuleBegin, Info: step.ModuleName,
	})

	var inDir = filepath.Join(folder, spool.InDir)
	var outDir = filepath.Join(folder, spool.OutDir)

	// The container sees a simplified task document narrowed to its own step.
	var narrowed = *t
	narrowed.Process = task.SingleProcess(step)
	if err = task.Save(&narrowed, inDir); err != nil {
		return err
	}
	if err = widenPermissions(inDir); err != nil {
		return err
	}
	if err = widenPermissions(outDir); err != nil {
		return err
	}

	var env = map[string]string{
		"MERCURE_IN_DIR":       "/tmp/data",
		"MERCURE_OUT_DIR":      "/tmp/output",
		"MONAI_INPUTPATH":      "/tmp/data",
		"MONAI_OUTPUTPATH":     "/tmp/output",
		"HOLOSCAN_INPUT_PATH":  "/tmp/data",
		"HOLOSCAN_OUTPUT_PATH": "/tmp/output",
	}
	for key, value := range step.Environment {
		env[key] = value
	}

	var binds = []Bind{
		{Host: inDir, Container: "/tmp/data"},
		{Host: outDir, Container: "/tmp/output"},
	}
	for host, container := range step.AdditionalVolumes {
		binds = append(binds, Bind{Host: host, Container: container})
	}

	if step.RequiresPersistence {
		if step.PersistenceFolder == "" {
			return fmt.Errorf("%w: module %q requires persistence but names no folder",
				rules.ErrMisconfigured, step.ModuleName)
		}
		// A per-run lock file inside the persistence folder guards against
		// concurrent module runs sharing the same state.
		var guard = filepath.Join(step.PersistenceFolder, uuid.NewString()+spool.LockFile)
		if err = spool.Touch(guard); err != nil {
			return err
		}
		defer os.Remove(guard)
		binds = append(binds, Bind{Host: step.PersistenceFolder, Container: "/tmp/persistence"})
	}

	var spec = RunSpec{
		TaskID:      t.ID,
		Image:       step.DockerTag,
		Entrypoint:  entrypoint,
		Command:     command,
		Arguments:   step.DockerArguments,
		Binds:       binds,
		Env:         env,
		NetworkMode: step.NetworkMode,
	}
	if !requiresRoot {
		spec.User = fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
		spec.GroupAdd = []string{mercureGroup}
	}

	var captured bytes.Buffer
	var runErr = p.runtime.Run(ctx, spec, &captured, logger)

	if !cfg.ProcessingLogs.DiscardLogs {
		p.forwardModuleLogs(ctx, cfg, t.ID, step.ModuleName, captured.String())
	}
	if runErr != nil {
		return runErr
	}

	if err = restorePermissions(inDir); err != nil {
		logger.Log(log.WarnLevel, log.Fields{"error": err}, "failed to restore input permissions")
	}
	// Hand output files back to the invoker; a root module may have written
	// them as root.
	if _, err = p.helpers.Pull(ctx, p.runtime, chownHelperImage, logger); err != nil {
		logger.Log(log.WarnLevel, log.Fields{"error": err}, "failed to pull chown helper image")
	}
	if err = p.runtime.Chown(ctx, outDir, os.Getuid(), os.Getgid()); err != nil {
		return err
	}
	return nil
}

// forwardModuleLogs stores captured container logs with the bookkeeper and,
// when configured, in the log file store.
func (p *Processor) forwardModuleLogs(ctx context.Context, cfg config.Snapshot, taskID, moduleName, logs string) {
	if store := cfg.ProcessingLogs.LogsFileStore; store != "" {
		var dir = filepath.Join(store, taskID)
		if err := os.MkdirAll(dir, 0755); err == nil {
			_ = os.WriteFile(filepath.Join(dir, moduleName+".log"), []byte(logs), 0644)
		}
	}
	if err := p.keeper.SendProcessLogs(ctx, bookkeeper.ProcessLogs{
		TaskID:     taskID,
		ModuleName: moduleName,
		Logs:       logs,
		Time:       time.Now().In(cfg.LocalLocation()),
	}); err != nil {
		p.logger.Log(log.WarnLevel, log.Fields{"task": taskID, "error": err}, "failed to send process logs")
	}
}

// finish moves a successfully processed unit onward.
func (p *Processor) finish(ctx context.Context, cfg config.Snapshot, folders spool.Folders,
	folder string, lock *spool.FileLock, t *task.Task) error {

	_ = os.Remove(filepath.Join(folder, spool.ProcessingFile))
	p.updateTask(ctx, t)
	if rule, ok := cfg.Rules[t.Info.AppliedRule]; ok {
		_ = p.notifier.Send(ctx, notify.EventCompleted, t.Info.AppliedRule, rule, map[string]interface{}{
			"task_id": t.ID, "mrn": t.Info.MRN, "uid": t.Info.UID,
		})
	}

	var dest = folders.Success
	if t.NeedsDispatching() {
		dest = folders.Outgoing
	}
	if _, err := spool.MoveFolder(t.ID, folder, dest); err != nil {
		return err
	}
	return spool.RemoveFolder(folder, lock)
}

// fail moves a broken unit to the error folder with fail_stage "processing".
// The as_received snapshot moves along with it and permits a later restart.
func (p *Processor) fail(ctx context.Context, cfg config.Snapshot, folders spool.Folders,
	folder string, lock *spool.FileLock, t *task.Task, cause error) error {

	p.logger.Log(log.ErrorLevel, log.Fields{"folder": folder, "error": cause},
		"processing failed; moving unit to the error folder")
	_ = os.Remove(filepath.Join(folder, spool.ProcessingFile))

	var id string
	if t != nil {
		t.Info.FailStage = task.FailStageProcessing
		id = t.ID
		if err := task.Save(t, folder); err != nil {
			p.logger.Log(log.WarnLevel, log.Fields{"folder": folder, "error": err},
				"could not update task file of failed unit")
		}
		p.sendTaskEvent(ctx, bookkeeper.TaskEvent{
			TaskID: t.ID, Event: bookkeeper.EventError, Info: cause.Error(),
		})
		if rule, ok := cfg.Rules[t.Info.AppliedRule]; ok {
			_ = p.notifier.Send(ctx, notify.EventError, t.Info.AppliedRule, rule, map[string]interface{}{
				"task_id": t.ID, "error": cause.Error(),
			})
		}
	}
	if _, err := spool.MoveFolder(id, folder, folders.Error); err != nil {
		return fmt.Errorf("moving failed unit (cause: %v): %w", cause, err)
	}
	return spool.RemoveFolder(folder, lock)
}

// snapshotAsReceived preserves the unit's original content for restart. A
// snapshot surviving from an earlier attempt is kept as-is.
func snapshotAsReceived(folder string) error {
	var dest = filepath.Join(folder, spool.AsReceivedDir)
	if spool.Exists(dest) {
		return nil
	}
	if err := os.Mkdir(dest, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	entries, err := os.ReadDir(folder)
	if err != nil {
		return fmt.Errorf("reading %s: %w", folder, err)
	}
	for _, entry := range entries {
		if skipWorkEntry(entry.Name()) {
			continue
		}
		var from = filepath.Join(folder, entry.Name())
		var to = filepath.Join(dest, entry.Name())
		if entry.IsDir() {
			if err = spool.CopyTree(from, to); err != nil {
				return err
			}
		} else if err = spool.CopyFile(from, to); err != nil {
			return err
		}
	}
	return nil
}

// setupWorkdirs creates in/ and out/ and moves the unit's input content into
// in/.
func setupWorkdirs(folder string) error {
	var inDir = filepath.Join(folder, spool.InDir)
	var outDir = filepath.Join(folder, spool.OutDir)
	if err := os.MkdirAll(inDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(folder)
	if err != nil {
		return fmt.Errorf("reading %s: %w", folder, err)
	}
	for _, entry := range entries {
		if skipWorkEntry(entry.Name()) {
			continue
		}
		if err = os.Rename(filepath.Join(folder, entry.Name()), filepath.Join(inDir, entry.Name())); err != nil {
			return fmt.Errorf("moving %s into %s: %w", entry.Name(), spool.InDir, err)
		}
	}
	return nil
}

// rotateWorkdirs feeds one module's outputs to the next: out/ becomes in/,
// and a fresh out/ is created.
func rotateWorkdirs(folder string) error {
	var inDir = filepath.Join(folder, spool.InDir)
	var outDir = filepath.Join(folder, spool.OutDir)
	if err := os.RemoveAll(inDir); err != nil {
		return err
	}
	if err := os.Rename(outDir, inDir); err != nil {
		return fmt.Errorf("rotating %s to %s: %w", spool.OutDir, spool.InDir, err)
	}
	return os.Mkdir(outDir, 0755)
}

// promoteOutputs lifts out/ to the unit root and drops the work folders.
// With retention, the retained input copy is restored as in/.
func promoteOutputs(folder string, retain bool) error {
	var inDir = filepath.Join(folder, spool.InDir)
	var outDir = filepath.Join(folder, spool.OutDir)

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", outDir, err)
	}
	for _, entry := range entries {
		if err = os.Rename(filepath.Join(outDir, entry.Name()), filepath.Join(folder, entry.Name())); err != nil {
			return fmt.Errorf("promoting %s: %w", entry.Name(), err)
		}
	}
	if err = os.Remove(outDir); err != nil {
		return err
	}
	if err = os.RemoveAll(inDir); err != nil {
		return err
	}
	if retain {
		if err = os.Rename(filepath.Join(folder, spool.InputFilesDir), inDir); err != nil {
			return fmt.Errorf("restoring retained inputs: %w", err)
		}
	}
	return nil
}

// skipWorkEntry lists the folder entries which never move into in/ and are
// never snapshotted.
func skipWorkEntry(name string) bool {
	switch name {
	case spool.LockFile, spool.ProcessingFile, spool.AsReceivedDir,
		spool.InDir, spool.OutDir, spool.InputFilesDir:
		return true
	}
	return false
}

// requireSignature interprets the module setting demanding image signature
// verification; operators write it as a bool or a string. Every string
// except "", "0", "false" and "False" counts as true.
func requireSignature(settings map[string]interface{}) bool {
	switch v := settings["require_signature"].(type) {
	case bool:
		return v
	case string:
		switch v {
		case "", "0", "false", "False":
			return false
		}
		return true
	case float64:
		return v != 0
	}
	return false
}

func (p *Processor) updateTask(ctx context.Context, t *task.Task) {
	if err := p.keeper.UpdateTask(ctx, t); err != nil {
		p.logger.Log(log.WarnLevel, log.Fields{"task": t.ID, "error": err}, "failed to update task")
	}
}

func (p *Processor) sendTaskEvent(ctx context.Context, ev bookkeeper.TaskEvent) {
	if err := p.keeper.SendTaskEvent(ctx, ev); err != nil {
		p.logger.Log(log.WarnLevel, log.Fields{"task": ev.TaskID, "error": err}, "failed to send task event")
	}
}

func (p *Processor) sendProcessorOutput(ctx context.Context, o bookkeeper.ProcessorOutput) {
	if err := p.keeper.SendProcessorOutput(ctx, o); err != nil {
		p.logger.Log(log.WarnLevel, log.Fields{"task": o.TaskID, "error": err}, "failed to send processor output")
	}
}
