package dispatcher_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/micsi-dev/mercure/go/bookkeeper"
	"github.com/micsi-dev/mercure/go/config"
	"github.com/micsi-dev/mercure/go/dispatcher"
	"github.com/micsi-dev/mercure/go/ops"
	"github.com/micsi-dev/mercure/go/rules"
	"github.com/micsi-dev/mercure/go/spool"
	"github.com/micsi-dev/mercure/go/task"
	"github.com/stretchr/testify/require"
)

type fakeKeeper struct {
	updated    []*task.Task
	taskEvents []bookkeeper.TaskEvent
}

func (k *fakeKeeper) UpdateTask(_ context.Context, t *task.Task) error {
	k.updated = append(k.updated, t)
	return nil
}
func (k *fakeKeeper) SendTaskEvent(_ context.Context, ev bookkeeper.TaskEvent) error {
	k.taskEvents = append(k.taskEvents, ev)
	return nil
}

type fakeNotifier struct{ events []string }

func (n *fakeNotifier) Send(_ context.Context, event, ruleName string, _ rules.Rule, _ map[string]interface{}) error {
	n.events = append(n.events, event+":"+ruleName)
	return nil
}

// fakeSender records send attempts and fails the targets named in failing.
type fakeSender struct {
	sent    []string
	failing map[string]error
}

func (s *fakeSender) Send(_ context.Context, target config.Target, _, _ string, _ ops.Logger) error {
	s.sent = append(s.sent, target.Host)
	if err, ok := s.failing[target.Host]; ok {
		return err
	}
	return nil
}

func dispatcherConfig(t *testing.T, targets map[string]config.Target) config.Snapshot {
	var cfg = config.Snapshot{
		SpoolRoot: t.TempDir(),
		Rules: map[string]rules.Rule{
			"route-mr": {
				Filters: map[string]string{"Modality": "MR"},
				Action:  task.ActionRoute,
				Target:  task.TargetNames{"pacs"},
			},
		},
		Targets: targets,
	}
	require.NoError(t, cfg.Folders().EnsureAll())
	return cfg
}

func outgoingTask(id string, targets ...string) *task.Task {
	var status = map[string]*task.TargetStatus{}
	for _, name := range targets {
		status[name] = &task.TargetStatus{State: task.TargetWaiting}
	}
	return &task.Task{
		ID: id,
		Info: task.Info{
			Action:      task.ActionRoute,
			AppliedRule: "route-mr",
			UID:         "1.2.3." + id,
			UIDType:     task.UIDTypeSeries,
			MRN:         "4711",
		},
		Dispatch: &task.Dispatch{TargetName: task.TargetNames(targets), Status: status},
	}
}

func writeUnit(t *testing.T, folders spool.Folders, tsk *task.Task) string {
	t.Helper()
	var folder = filepath.Join(folders.Outgoing, tsk.ID)
	require.NoError(t, os.Mkdir(folder, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "slice0.dcm"), []byte("dcm"), 0644))
	require.NoError(t, task.Save(tsk, folder))
	return folder
}

func testDispatcher(cfg config.Snapshot, sender dispatcher.Sender) (*dispatcher.Dispatcher, *fakeKeeper, *fakeNotifier) {
	var keeper = &fakeKeeper{}
	var notifier = &fakeNotifier{}
	var senders = map[string]dispatcher.Sender{config.TargetDICOM: sender}
	var d = dispatcher.New(config.NewProvider(cfg), keeper, notifier, senders, ops.StdLogger())
	return d, keeper, notifier
}

func dicomTarget(host string) config.Target {
	return config.Target{Type: config.TargetDICOM, Host: host, Port: 104}
}

func TestDispatchSuccess(t *testing.T) {
	var cfg = dispatcherConfig(t, map[string]config.Target{"pacs": dicomTarget("pacs.local")})
	var folders = cfg.Folders()
	var sender = &fakeSender{}
	d, keeper, notifier := testDispatcher(cfg, sender)

	writeUnit(t, folders, outgoingTask("u1", "pacs"))
	require.NoError(t, d.ScanOnce(context.Background()))

	require.Equal(t, []string{"pacs.local"}, sender.sent)
	require.DirExists(t, filepath.Join(folders.Success, "u1"))
	require.NoDirExists(t, filepath.Join(folders.Outgoing, "u1"))

	loaded, err := task.Load(filepath.Join(folders.Success, "u1"))
	require.NoError(t, err)
	require.Equal(t, task.TargetSuccess, loaded.Dispatch.Status["pacs"].State)

	var kinds []string
	for _, ev := range keeper.taskEvents {
		kinds = append(kinds, ev.Event)
	}
	require.Equal(t, []string{
		bookkeeper.EventDispatchBegin,
		bookkeeper.EventDispatchComplete,
		bookkeeper.EventComplete,
	}, kinds)
	require.Equal(t, []string{"COMPLETED:route-mr"}, notifier.events)
}

func TestDispatchRetryAfterFailure(t *testing.T) {
	var cfg = dispatcherConfig(t, map[string]config.Target{"pacs": dicomTarget("pacs.local")})
	var folders = cfg.Folders()
	var sender = &fakeSender{failing: map[string]error{"pacs.local": errors.New("association rejected")}}
	d, _, _ := testDispatcher(cfg, sender)

	var clock = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	d.WithClock(func() time.Time { return clock })

	writeUnit(t, folders, outgoingTask("u1", "pacs"))
	require.NoError(t, d.ScanOnce(context.Background()))

	// The unit stays in outgoing with its retry window recorded.
	var folder = filepath.Join(folders.Outgoing, "u1")
	require.DirExists(t, folder)
	require.NoFileExists(t, filepath.Join(folder, spool.LockFile))
	loaded, err := task.Load(folder)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Dispatch.Status["pacs"].Retries)
	require.True(t, loaded.Dispatch.Status["pacs"].NextRetryAt.After(clock))

	// A pass inside the retry window does not attempt again.
	require.NoError(t, d.ScanOnce(context.Background()))
	require.Len(t, sender.sent, 1)

	// Past the window the target succeeds and the unit moves on.
	sender.failing = nil
	clock = clock.Add(time.Hour)
	require.NoError(t, d.ScanOnce(context.Background()))
	require.Len(t, sender.sent, 2)
	require.DirExists(t, filepath.Join(folders.Success, "u1"))
}

func TestDispatchExhaustedMovesToError(t *testing.T) {
	var target = dicomTarget("pacs.local")
	target.MaxRetries = 2
	target.RetryWaitSec = 1
	var cfg = dispatcherConfig(t, map[string]config.Target{"pacs": target})
	var folders = cfg.Folders()
	var sender = &fakeSender{failing: map[string]error{"pacs.local": errors.New("association rejected")}}
	d, keeper, notifier := testDispatcher(cfg, sender)

	var clock = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	d.WithClock(func() time.Time { return clock })

	writeUnit(t, folders, outgoingTask("u1", "pacs"))
	require.NoError(t, d.ScanOnce(context.Background()))
	require.DirExists(t, filepath.Join(folders.Outgoing, "u1"))

	clock = clock.Add(time.Hour)
	require.NoError(t, d.ScanOnce(context.Background()))

	var failed = filepath.Join(folders.Error, "u1")
	require.DirExists(t, failed)
	loaded, err := task.Load(failed)
	require.NoError(t, err)
	require.Equal(t, task.FailStageDispatching, loaded.Info.FailStage)
	require.Equal(t, task.TargetExhausted, loaded.Dispatch.Status["pacs"].State)

	var kinds []string
	for _, ev := range keeper.taskEvents {
		kinds = append(kinds, ev.Event)
	}
	require.Contains(t, kinds, bookkeeper.EventError)
	require.Equal(t, []string{"ERROR:route-mr"}, notifier.events)
}

func TestDispatchPartialTargetsResume(t *testing.T) {
	var cfg = dispatcherConfig(t, map[string]config.Target{
		"pacs":    dicomTarget("pacs.local"),
		"archive": dicomTarget("archive.local"),
	})
	var folders = cfg.Folders()
	var sender = &fakeSender{failing: map[string]error{"archive.local": errors.New("unreachable")}}
	d, _, _ := testDispatcher(cfg, sender)

	var clock = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	d.WithClock(func() time.Time { return clock })

	writeUnit(t, folders, outgoingTask("u1", "pacs", "archive"))
	require.NoError(t, d.ScanOnce(context.Background()))

	var folder = filepath.Join(folders.Outgoing, "u1")
	loaded, err := task.Load(folder)
	require.NoError(t, err)
	require.Equal(t, task.TargetSuccess, loaded.Dispatch.Status["pacs"].State)
	require.Equal(t, 1, loaded.Dispatch.Status["archive"].Retries)

	// The completed target is not attempted again on the next pass.
	sender.failing = nil
	clock = clock.Add(time.Hour)
	require.NoError(t, d.ScanOnce(context.Background()))
	require.Equal(t, []string{"pacs.local", "archive.local", "archive.local"}, sender.sent)
	require.DirExists(t, filepath.Join(folders.Success, "u1"))
}

func TestDispatchUnknownTargetIsPermanent(t *testing.T) {
	var cfg = dispatcherConfig(t, map[string]config.Target{})
	var folders = cfg.Folders()
	var sender = &fakeSender{}
	d, _, _ := testDispatcher(cfg, sender)

	writeUnit(t, folders, outgoingTask("u1", "missing"))
	require.NoError(t, d.ScanOnce(context.Background()))

	// No retries for a target which does not exist.
	require.Empty(t, sender.sent)
	require.DirExists(t, filepath.Join(folders.Error, "u1"))
}

func TestDispatchHaltMarkerSuspendsScans(t *testing.T) {
	var cfg = dispatcherConfig(t, map[string]config.Target{"pacs": dicomTarget("pacs.local")})
	var folders = cfg.Folders()
	var sender = &fakeSender{}
	d, _, _ := testDispatcher(cfg, sender)

	writeUnit(t, folders, outgoingTask("u1", "pacs"))
	require.NoError(t, spool.Touch(filepath.Join(folders.Outgoing, spool.HaltFile)))

	require.NoError(t, d.ScanOnce(context.Background()))
	require.Empty(t, sender.sent)
	require.DirExists(t, filepath.Join(folders.Outgoing, "u1"))
}

func TestFolderSender(t *testing.T) {
	var src = t.TempDir()
	var dest = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "slice0.dcm"), []byte("dcm"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, spool.TaskFile), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, spool.LockFile), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(src, spool.AsReceivedDir), 0755))

	var sender = dispatcher.FolderSender{}
	require.NoError(t, sender.Send(context.Background(),
		config.Target{Type: config.TargetFolder, Folder: dest}, src, "u1", ops.StdLogger()))

	require.FileExists(t, filepath.Join(dest, "u1", "slice0.dcm"))
	require.FileExists(t, filepath.Join(dest, "u1", spool.TaskFile))
	require.NoFileExists(t, filepath.Join(dest, "u1", spool.LockFile))
	require.NoDirExists(t, filepath.Join(dest, "u1", spool.AsReceivedDir))
}
