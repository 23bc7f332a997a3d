package aggregator_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/micsi-dev/mercure/go/aggregator"
	"github.com/micsi-dev/mercure/go/bookkeeper"
	"github.com/micsi-dev/mercure/go/config"
	"github.com/micsi-dev/mercure/go/ops"
	"github.com/micsi-dev/mercure/go/rules"
	"github.com/micsi-dev/mercure/go/spool"
	"github.com/micsi-dev/mercure/go/task"
	"github.com/stretchr/testify/require"
)

type fakeKeeper struct {
	registered []*task.Task
	updated    []*task.Task
	taskEvents []bookkeeper.TaskEvent
}

func (k *fakeKeeper) RegisterTask(_ context.Context, t *task.Task) error {
	k.registered = append(k.registered, t)
	return nil
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

func studyConfig(scope string) config.Snapshot {
	return config.Snapshot{
		StudyCompleteTrigger:        900,
		StudyForceCompleteTrigger:   5400,
		PatientCompleteTrigger:      1800,
		PatientForceCompleteTrigger: 10800,
		Rules: map[string]rules.Rule{
			"agg-mr": {
				Filters:       map[string]string{"Modality": "MR"},
				Action:        task.ActionRoute,
				ActionTrigger: scope,
				Target:        task.TargetNames{"pacs"},
			},
		},
		Targets: map[string]config.Target{
			"pacs": {Type: config.TargetDICOM, Host: "pacs", Port: 104},
		},
	}
}

func newSpool(t *testing.T, cfg *config.Snapshot) spool.Folders {
	t.Helper()
	cfg.SpoolRoot = t.TempDir()
	var folders = cfg.Folders()
	require.NoError(t, folders.EnsureAll())
	return folders
}

func testAggregator(cfg config.Snapshot) (*aggregator.Aggregator, *fakeKeeper, *fakeNotifier) {
	var keeper = &fakeKeeper{}
	var notifier = &fakeNotifier{}
	return aggregator.New(config.NewProvider(cfg), keeper, notifier, ops.StdLogger()), keeper, notifier
}

// writeStudy lays down a study aggregate with one received series subfolder.
func writeStudy(t *testing.T, folders spool.Folders, tsk *task.Task) string {
	t.Helper()
	var folder = filepath.Join(folders.Studies, tsk.Study.StudyUID+"_"+tsk.Info.AppliedRule)
	require.NoError(t, os.Mkdir(folder, 0755))
	for _, seriesUID := range tsk.Study.ReceivedSeriesUID {
		var sub = filepath.Join(folder, seriesUID)
		require.NoError(t, os.Mkdir(sub, 0755))
		tags, err := json.Marshal(map[string]string{
			"Modality":         "MR",
			"StudyInstanceUID": tsk.Study.StudyUID,
		})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(sub, "slice0.dcm"), []byte("dcm"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(sub, "slice0.tags"), tags, 0644))
	}
	require.NoError(t, task.Save(tsk, folder))
	return folder
}

func studyTask(id, ruleName string, age time.Duration) *task.Task {
	var stamp = task.At(time.Now().Add(-age))
	return &task.Task{
		ID: id,
		Info: task.Info{
			Action:      task.ActionRoute,
			AppliedRule: ruleName,
			UID:         "1.2.840.77",
			UIDType:     task.UIDTypeStudy,
			MRN:         "4711",
		},
		Study: &task.Study{
			StudyUID:            "1.2.840.77",
			CreationTime:        stamp,
			LastReceiveTime:     stamp,
			CompleteTrigger:     task.TriggerTimeout,
			CompleteForceAction: task.ForceActionIgnore,
			ReceivedSeries:      []string{"T1"},
			ReceivedSeriesUID:   []string{"1.2.840.77.1"},
		},
		Dispatch: &task.Dispatch{
			TargetName: task.TargetNames{"pacs"},
			Status:     map[string]*task.TargetStatus{"pacs": {State: task.TargetWaiting}},
		},
	}
}

func TestStudyTimeoutCompletion(t *testing.T) {
	var cfg = studyConfig(rules.ScopeStudy)
	var folders = newSpool(t, &cfg)
	a, _, _ := testAggregator(cfg)

	writeStudy(t, folders, studyTask("st1", "agg-mr", time.Hour))
	require.NoError(t, a.ScanStudiesOnce(context.Background()))

	require.DirExists(t, filepath.Join(folders.Outgoing, "st1"))
	units, err := spool.ListUnits(folders.Studies)
	require.NoError(t, err)
	require.Empty(t, units)
}

func TestStudyTimeoutWaitsForRecentSeries(t *testing.T) {
	var cfg = studyConfig(rules.ScopeStudy)
	var folders = newSpool(t, &cfg)
	a, _, _ := testAggregator(cfg)

	var folder = writeStudy(t, folders, studyTask("st1", "agg-mr", time.Minute))
	require.NoError(t, a.ScanStudiesOnce(context.Background()))
	require.DirExists(t, folder)
}

func TestStudyTimeoutWaitsForPendingIncomingSeries(t *testing.T) {
	var cfg = studyConfig(rules.ScopeStudy)
	var folders = newSpool(t, &cfg)
	a, _, _ := testAggregator(cfg)

	var folder = writeStudy(t, folders, studyTask("st1", "agg-mr", time.Hour))

	// A series of the same study is still waiting in incoming.
	var incoming = filepath.Join(folders.Incoming, "1.2.840.77.9")
	require.NoError(t, os.Mkdir(incoming, 0755))
	tags, err := json.Marshal(map[string]string{"StudyInstanceUID": "1.2.840.77"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(incoming, "slice0.tags"), tags, 0644))

	require.NoError(t, a.ScanStudiesOnce(context.Background()))
	require.DirExists(t, folder)

	// Once the pending series is gone, the timeout fires.
	require.NoError(t, os.RemoveAll(incoming))
	require.NoError(t, a.ScanStudiesOnce(context.Background()))
	require.DirExists(t, filepath.Join(folders.Outgoing, "st1"))
}

func TestStudyReceivedSeriesCompletion(t *testing.T) {
	var cfg = studyConfig(rules.ScopeStudy)
	var folders = newSpool(t, &cfg)
	a, _, _ := testAggregator(cfg)

	var tsk = studyTask("st1", "agg-mr", 0)
	tsk.Study.CompleteTrigger = task.TriggerReceivedSeries
	tsk.Study.CompleteRequiredSeries = "'T1' and 'T2'"
	var folder = writeStudy(t, folders, tsk)

	require.NoError(t, a.ScanStudiesOnce(context.Background()))
	require.DirExists(t, folder)

	tsk.Study.ReceivedSeries = append(tsk.Study.ReceivedSeries, "T2")
	require.NoError(t, task.Save(tsk, folder))
	require.NoError(t, a.ScanStudiesOnce(context.Background()))
	require.DirExists(t, filepath.Join(folders.Outgoing, "st1"))
}

func TestStudyForceTimeoutProceed(t *testing.T) {
	var cfg = studyConfig(rules.ScopeStudy)
	var folders = newSpool(t, &cfg)
	a, _, _ := testAggregator(cfg)

	var tsk = studyTask("st1", "agg-mr", 2*time.Hour)
	tsk.Study.CompleteTrigger = task.TriggerReceivedSeries
	tsk.Study.CompleteRequiredSeries = "'NEVER'"
	tsk.Study.CompleteForceAction = task.ForceActionProceed
	var folder = writeStudy(t, folders, tsk)

	// First pass writes the marker, second pass completes.
	require.NoError(t, a.ScanStudiesOnce(context.Background()))
	require.FileExists(t, filepath.Join(folder, spool.ForceCompleteFile))
	require.NoError(t, a.ScanStudiesOnce(context.Background()))
	require.DirExists(t, filepath.Join(folders.Outgoing, "st1"))
}

func TestStudyForceTimeoutDiscard(t *testing.T) {
	var cfg = studyConfig(rules.ScopeStudy)
	var folders = newSpool(t, &cfg)
	a, keeper, _ := testAggregator(cfg)

	var tsk = studyTask("st1", "agg-mr", 2*time.Hour)
	tsk.Study.CompleteTrigger = task.TriggerReceivedSeries
	tsk.Study.CompleteRequiredSeries = "'NEVER'"
	tsk.Study.CompleteForceAction = task.ForceActionDiscard
	writeStudy(t, folders, tsk)

	require.NoError(t, a.ScanStudiesOnce(context.Background()))
	require.DirExists(t, filepath.Join(folders.Discard, "st1"))
	require.Len(t, keeper.taskEvents, 1)
	require.Equal(t, bookkeeper.EventDiscard, keeper.taskEvents[0].Event)
}

func TestStudyHandoffToPatient(t *testing.T) {
	var cfg = studyConfig(rules.ScopePatient)
	var folders = newSpool(t, &cfg)
	a, keeper, _ := testAggregator(cfg)

	writeStudy(t, folders, studyTask("st1", "agg-mr", time.Hour))
	require.NoError(t, a.ScanStudiesOnce(context.Background()))

	var patientFolder = filepath.Join(folders.Patients, "4711_agg-mr")
	pt, err := task.Load(patientFolder)
	require.NoError(t, err)
	require.Equal(t, task.UIDTypePatient, pt.Info.UIDType)
	require.Len(t, pt.Patient.ReceivedStudies, 1)
	require.Equal(t, "1.2.840.77", pt.Patient.ReceivedStudies[0].StudyUID)
	require.Equal(t, []string{"MR"}, pt.Patient.ReceivedModalities)
	require.DirExists(t, filepath.Join(patientFolder, "1.2.840.77"))
	require.NoFileExists(t, filepath.Join(patientFolder, spool.LockFile))
	require.Len(t, keeper.registered, 1)

	// A second completed study of the same patient extends the aggregate.
	var second = studyTask("st2", "agg-mr", time.Hour)
	second.Info.UID = "1.2.840.78"
	second.Study.StudyUID = "1.2.840.78"
	second.Study.ReceivedSeriesUID = []string{"1.2.840.78.1"}
	second.Study.ReceivedSeries = []string{"FLAIR"}
	writeStudy(t, folders, second)
	require.NoError(t, a.ScanStudiesOnce(context.Background()))

	pt, err = task.Load(patientFolder)
	require.NoError(t, err)
	require.Len(t, pt.Patient.ReceivedStudies, 2)
	require.DirExists(t, filepath.Join(patientFolder, "1.2.840.78"))
	require.Len(t, keeper.updated, 1)
}

func patientTask(id, ruleName string, age time.Duration) *task.Task {
	var stamp = task.At(time.Now().Add(-age))
	return &task.Task{
		ID: id,
		Info: task.Info{
			Action:      task.ActionRoute,
			AppliedRule: ruleName,
			UID:         "4711",
			UIDType:     task.UIDTypePatient,
			MRN:         "4711",
		},
		Patient: &task.Patient{
			PatientID:           "4711",
			CreationTime:        stamp,
			LastReceiveTime:     stamp,
			CompleteTrigger:     task.TriggerTimeout,
			CompleteForceAction: task.ForceActionIgnore,
			ReceivedStudies:     []task.PatientStudy{{StudyUID: "1.2.840.77", Modality: "MR", SeriesCount: 1}},
			ReceivedModalities:  []string{"MR"},
			ReceivedSeries:      []string{"T1"},
			ReceivedSeriesUID:   []string{"1.2.840.77.1"},
		},
		Dispatch: &task.Dispatch{
			TargetName: task.TargetNames{"pacs"},
			Status:     map[string]*task.TargetStatus{"pacs": {State: task.TargetWaiting}},
		},
	}
}

func writePatient(t *testing.T, folders spool.Folders, tsk *task.Task) string {
	t.Helper()
	var folder = filepath.Join(folders.Patients, tsk.Info.MRN+"_"+tsk.Info.AppliedRule)
	require.NoError(t, os.Mkdir(folder, 0755))
	var sub = filepath.Join(folder, "1.2.840.77")
	require.NoError(t, os.Mkdir(sub, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "slice0.dcm"), []byte("dcm"), 0644))
	require.NoError(t, task.Save(tsk, folder))
	return folder
}

func TestPatientTimeoutCompletion(t *testing.T) {
	var cfg = studyConfig(rules.ScopePatient)
	var folders = newSpool(t, &cfg)
	a, _, _ := testAggregator(cfg)

	writePatient(t, folders, patientTask("pt1", "agg-mr", time.Hour))
	require.NoError(t, a.ScanPatientsOnce(context.Background()))
	require.DirExists(t, filepath.Join(folders.Outgoing, "pt1"))
}

func TestPatientTimeoutWaitsForOpenStudy(t *testing.T) {
	var cfg = studyConfig(rules.ScopePatient)
	var folders = newSpool(t, &cfg)
	a, _, _ := testAggregator(cfg)

	var folder = writePatient(t, folders, patientTask("pt1", "agg-mr", time.Hour))

	// An open study of the same MRN holds the patient aggregate back.
	writeStudy(t, folders, studyTask("st9", "agg-mr", time.Minute))
	require.NoError(t, a.ScanPatientsOnce(context.Background()))
	require.DirExists(t, folder)
}

func TestPatientReceivedModalitiesCompletion(t *testing.T) {
	var cfg = studyConfig(rules.ScopePatient)
	var folders = newSpool(t, &cfg)
	a, _, _ := testAggregator(cfg)

	var tsk = patientTask("pt1", "agg-mr", 0)
	tsk.Patient.CompleteTrigger = task.TriggerReceivedModalities
	tsk.Patient.CompleteRequiredModalities = "'MR' and 'CT'"
	var folder = writePatient(t, folders, tsk)

	require.NoError(t, a.ScanPatientsOnce(context.Background()))
	require.DirExists(t, folder)

	tsk.Patient.ReceivedModalities = append(tsk.Patient.ReceivedModalities, "CT")
	require.NoError(t, task.Save(tsk, folder))
	require.NoError(t, a.ScanPatientsOnce(context.Background()))
	require.DirExists(t, filepath.Join(folders.Outgoing, "pt1"))
}

func TestLockedStudyIsSkipped(t *testing.T) {
	var cfg = studyConfig(rules.ScopeStudy)
	var folders = newSpool(t, &cfg)
	a, _, _ := testAggregator(cfg)

	var folder = writeStudy(t, folders, studyTask("st1", "agg-mr", time.Hour))
	lock, err := spool.AcquireFolder(folder)
	require.NoError(t, err)

	require.NoError(t, a.ScanStudiesOnce(context.Background()))
	require.DirExists(t, folder)
	require.NoError(t, lock.Free())
}
