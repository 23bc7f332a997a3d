package router_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/micsi-dev/mercure/go/bookkeeper"
	"github.com/micsi-dev/mercure/go/config"
	"github.com/micsi-dev/mercure/go/ops"
	"github.com/micsi-dev/mercure/go/router"
	"github.com/micsi-dev/mercure/go/rules"
	"github.com/micsi-dev/mercure/go/spool"
	"github.com/micsi-dev/mercure/go/task"
	"github.com/stretchr/testify/require"
)

type fakeKeeper struct {
	registered   []*task.Task
	updated      []*task.Task
	seriesEvents []bookkeeper.SeriesEvent
	taskEvents   []bookkeeper.TaskEvent
}

func (k *fakeKeeper) RegisterTask(_ context.Context, t *task.Task) error {
	k.registered = append(k.registered, t)
	return nil
}
func (k *fakeKeeper) UpdateTask(_ context.Context, t *task.Task) error {
	k.updated = append(k.updated, t)
	return nil
}
func (k *fakeKeeper) SendSeriesEvent(_ context.Context, ev bookkeeper.SeriesEvent) error {
	k.seriesEvents = append(k.seriesEvents, ev)
	return nil
}
func (k *fakeKeeper) SendTaskEvent(_ context.Context, ev bookkeeper.TaskEvent) error {
	k.taskEvents = append(k.taskEvents, ev)
	return nil
}

type fakeNotifier struct {
	events []string
}

func (n *fakeNotifier) Send(_ context.Context, event, ruleName string, rule rules.Rule, _ map[string]interface{}) error {
	n.events = append(n.events, event+":"+ruleName)
	return nil
}

func newSpool(t *testing.T, cfg *config.Snapshot) spool.Folders {
	t.Helper()
	cfg.SpoolRoot = t.TempDir()
	var folders = cfg.Folders()
	require.NoError(t, folders.EnsureAll())
	return folders
}

func writeSeries(t *testing.T, incoming, seriesUID string, tags map[string]string) {
	t.Helper()
	var folder = filepath.Join(incoming, seriesUID)
	require.NoError(t, os.Mkdir(folder, 0755))
	encoded, err := json.Marshal(tags)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(folder, "slice0.dcm"), []byte("dcm"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "slice0.tags"), encoded, 0644))
}

func mrTags(seriesUID, description string) map[string]string {
	return map[string]string{
		"PatientID":         "4711",
		"AccessionNumber":   "ACC-1",
		"StudyInstanceUID":  "1.2.840.99",
		"SeriesInstanceUID": seriesUID,
		"SeriesDescription": description,
		"Modality":          "MR",
	}
}

func testRouter(cfg config.Snapshot) (*router.Router, *fakeKeeper, *fakeNotifier) {
	var keeper = &fakeKeeper{}
	var notifier = &fakeNotifier{}
	return router.New(config.NewProvider(cfg), keeper, notifier, ops.StdLogger()), keeper, notifier
}

func TestRouteSeriesToOutgoing(t *testing.T) {
	var cfg = config.Snapshot{
		Rules: map[string]rules.Rule{
			"route-mr": {
				Filters: map[string]string{"Modality": "MR"},
				Action:  task.ActionRoute,
				Target:  task.TargetNames{"pacs"},
			},
		},
		Targets: map[string]config.Target{
			"pacs": {Type: config.TargetDICOM, Host: "pacs", Port: 104},
		},
	}
	var folders = newSpool(t, &cfg)
	writeSeries(t, folders.Incoming, "1.2.840.99.1", mrTags("1.2.840.99.1", "T1"))

	r, keeper, _ := testRouter(cfg)
	require.NoError(t, r.ScanOnce(context.Background()))

	require.Len(t, keeper.registered, 1)
	var tsk = keeper.registered[0]
	require.Equal(t, task.UIDTypeSeries, tsk.Info.UIDType)

	// The unit moved to outgoing under its task ID, incoming is drained.
	loaded, err := task.Load(filepath.Join(folders.Outgoing, tsk.ID))
	require.NoError(t, err)
	require.Equal(t, tsk.ID, loaded.ID)
	require.NoFileExists(t, filepath.Join(folders.Outgoing, tsk.ID, spool.LockFile))
	units, err := spool.ListUnits(folders.Incoming)
	require.NoError(t, err)
	require.Empty(t, units)

	require.Len(t, keeper.seriesEvents, 1)
	require.Equal(t, bookkeeper.EventRegistered, keeper.seriesEvents[0].Event)
	require.Equal(t, 1, keeper.seriesEvents[0].FileCount)
}

func TestRouteSeriesWithoutRuleIsDiscarded(t *testing.T) {
	var cfg = config.Snapshot{
		Rules: map[string]rules.Rule{
			"route-ct": {
				Filters: map[string]string{"Modality": "CT"},
				Action:  task.ActionRoute,
				Target:  task.TargetNames{"pacs"},
			},
		},
		Targets: map[string]config.Target{
			"pacs": {Type: config.TargetDICOM, Host: "pacs", Port: 104},
		},
	}
	var folders = newSpool(t, &cfg)
	writeSeries(t, folders.Incoming, "1.2.840.99.1", mrTags("1.2.840.99.1", "T1"))

	r, keeper, _ := testRouter(cfg)
	require.NoError(t, r.ScanOnce(context.Background()))

	units, err := spool.ListUnits(folders.Discard)
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Empty(t, keeper.registered)
	require.Equal(t, bookkeeper.EventDiscard, keeper.seriesEvents[1].Event)
}

func TestRouteSeriesNotification(t *testing.T) {
	var cfg = config.Snapshot{
		Rules: map[string]rules.Rule{
			"notify-mr": {
				Filters:          map[string]string{"Modality": "MR"},
				Action:           task.ActionNotification,
				NotifyReception:  true,
				NotifyCompletion: true,
				NotificationURL:  "http://webhook.local/",
			},
		},
	}
	var folders = newSpool(t, &cfg)
	writeSeries(t, folders.Incoming, "1.2.840.99.1", mrTags("1.2.840.99.1", "T1"))

	r, keeper, notifier := testRouter(cfg)
	require.NoError(t, r.ScanOnce(context.Background()))

	require.Equal(t, []string{"RECEIVED:notify-mr", "COMPLETED:notify-mr"}, notifier.events)
	require.Len(t, keeper.taskEvents, 1)
	require.Equal(t, bookkeeper.EventComplete, keeper.taskEvents[0].Event)

	units, err := spool.ListUnits(folders.Success)
	require.NoError(t, err)
	require.Len(t, units, 1)
}

func studyScopedConfig() config.Snapshot {
	return config.Snapshot{
		Rules: map[string]rules.Rule{
			"study-mr": {
				Filters:               map[string]string{"Modality": "MR"},
				Action:                task.ActionRoute,
				ActionTrigger:         rules.ScopeStudy,
				StudyTriggerCondition: task.TriggerReceivedSeries,
				StudyTriggerSeries:    "'T1' and 'T2'",
				Target:                task.TargetNames{"pacs"},
			},
		},
		Targets: map[string]config.Target{
			"pacs": {Type: config.TargetDICOM, Host: "pacs", Port: 104},
		},
	}
}

func TestRouteSeriesIntoStudyAggregate(t *testing.T) {
	var cfg = studyScopedConfig()
	var folders = newSpool(t, &cfg)
	r, keeper, _ := testRouter(cfg)

	writeSeries(t, folders.Incoming, "1.2.840.99.1", mrTags("1.2.840.99.1", "T1"))
	require.NoError(t, r.ScanOnce(context.Background()))

	var studyFolder = filepath.Join(folders.Studies, "1.2.840.99_study-mr")
	tsk, err := task.Load(studyFolder)
	require.NoError(t, err)
	require.Equal(t, task.UIDTypeStudy, tsk.Info.UIDType)
	require.Equal(t, []string{"T1"}, tsk.Study.ReceivedSeries)
	require.DirExists(t, filepath.Join(studyFolder, "1.2.840.99.1"))
	require.NoFileExists(t, filepath.Join(studyFolder, spool.LockFile))
	require.Len(t, keeper.registered, 1)

	// A second series of the same study is appended, not re-created.
	writeSeries(t, folders.Incoming, "1.2.840.99.2", mrTags("1.2.840.99.2", "T2"))
	require.NoError(t, r.ScanOnce(context.Background()))

	tsk, err = task.Load(studyFolder)
	require.NoError(t, err)
	require.Equal(t, []string{"T1", "T2"}, tsk.Study.ReceivedSeries)
	require.Equal(t, []string{"1.2.840.99.1", "1.2.840.99.2"}, tsk.Study.ReceivedSeriesUID)
	require.DirExists(t, filepath.Join(studyFolder, "1.2.840.99.2"))
	require.Len(t, keeper.registered, 1)
	require.Len(t, keeper.updated, 1)
}

func TestLockedStudyLeavesSeriesForNextPass(t *testing.T) {
	var cfg = studyScopedConfig()
	var folders = newSpool(t, &cfg)
	r, keeper, _ := testRouter(cfg)

	var studyFolder = filepath.Join(folders.Studies, "1.2.840.99_study-mr")
	require.NoError(t, os.Mkdir(studyFolder, 0755))
	studyLock, err := spool.AcquireFolder(studyFolder)
	require.NoError(t, err)

	writeSeries(t, folders.Incoming, "1.2.840.99.1", mrTags("1.2.840.99.1", "T1"))
	require.NoError(t, r.ScanOnce(context.Background()))

	// Still in incoming, and unlocked so the next pass can retry.
	require.DirExists(t, filepath.Join(folders.Incoming, "1.2.840.99.1"))
	require.NoFileExists(t, filepath.Join(folders.Incoming, "1.2.840.99.1", spool.LockFile))
	require.Empty(t, keeper.registered)

	require.NoError(t, studyLock.Free())
	require.NoError(t, r.ScanOnce(context.Background()))
	require.Len(t, keeper.registered, 1)
}

func TestBrokenSidecarMovesToError(t *testing.T) {
	var cfg = studyScopedConfig()
	var folders = newSpool(t, &cfg)
	r, _, _ := testRouter(cfg)

	var folder = filepath.Join(folders.Incoming, "1.2.840.99.9")
	require.NoError(t, os.Mkdir(folder, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "slice0.dcm"), []byte("dcm"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "slice0.tags"), []byte("not json"), 0644))

	require.NoError(t, r.ScanOnce(context.Background()))

	units, err := spool.ListUnits(folders.Error)
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.NoDirExists(t, filepath.Join(folders.Incoming, "1.2.840.99.9"))
}

func TestIncompleteSeriesIsSkipped(t *testing.T) {
	var cfg = studyScopedConfig()
	cfg.SeriesCompleteTrigger = 3600
	var folders = newSpool(t, &cfg)
	r, keeper, _ := testRouter(cfg)

	writeSeries(t, folders.Incoming, "1.2.840.99.1", mrTags("1.2.840.99.1", "T1"))
	require.NoError(t, r.ScanOnce(context.Background()))

	require.DirExists(t, filepath.Join(folders.Incoming, "1.2.840.99.1"))
	require.Empty(t, keeper.registered)
	require.Empty(t, keeper.seriesEvents)
}
