package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	var path = filepath.Join(t.TempDir(), "mercure.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	var s, err = Load(writeConfig(t, `{"spool_root": "/var/mercure/data"}`))
	require.NoError(t, err)
	require.Equal(t, 900, s.StudyCompleteTrigger)
	require.Equal(t, 5400, s.StudyForceCompleteTrigger)
	require.Equal(t, RuntimeDocker, s.ProcessingRuntime)
	require.Equal(t, "/var/mercure/data/incoming", s.Folders().Incoming)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	var cases = map[string]string{
		"missing spool root": `{}`,
		"bad runtime":        `{"spool_root": "/x", "processing_runtime": "podman"}`,
		"bad target":         `{"spool_root": "/x", "targets": {"T1": {"type": "dicom"}}}`,
		"unknown target":     `{"spool_root": "/x", "targets": {"T1": {"type": "carrier-pigeon"}}}`,
		"bad timezone":       `{"spool_root": "/x", "local_time": "Mars/Olympus"}`,
		"bad rule": `{"spool_root": "/x",
			"rules": {"r1": {"filters": {"Modality": "CT"}, "action": "route"}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var _, err = Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadFullConfig(t *testing.T) {
	var s, err = Load(writeConfig(t, `{
		"spool_root": "/var/mercure/data",
		"study_complete_trigger": 60,
		"support_root_modules": true,
		"bookkeeper": "http://localhost:8080",
		"rules": {
			"r1": {
				"filters": {"Modality": "CT"},
				"action": "both",
				"action_trigger": "study",
				"study_trigger_condition": "received_series",
				"study_trigger_series": "'T1' and 'T2'",
				"target": "T1",
				"processing_module": ["M1", "M2"]
			}
		},
		"targets": {
			"T1": {"type": "dicom", "host": "pacs.example.com", "port": 104, "aet_target": "PACS"}
		},
		"modules": {
			"M1": {"docker_tag": "registry.example.com/m1:1.0"},
			"M2": {"docker_tag": "registry.example.com/m2:2.1", "requires_root": true}
		}
	}`))
	require.NoError(t, err)
	require.True(t, s.SupportRootModules)
	require.Equal(t, 60, s.StudyCompleteTrigger)
	require.Equal(t, "study", s.Rules["r1"].ActionTrigger)
	require.Equal(t, []string{"M1", "M2"}, []string(s.Rules["r1"].ProcessingModule))
	require.Equal(t, 104, s.Targets["T1"].Port)
	require.True(t, s.Modules["M2"].RequiresRoot)
}

func TestProviderReload(t *testing.T) {
	var path = writeConfig(t, `{"spool_root": "/a"}`)
	provider, err := NewFileProvider(path)
	require.NoError(t, err)
	require.Equal(t, "/a", provider.Snapshot().SpoolRoot)

	require.NoError(t, os.WriteFile(path, []byte(`{"spool_root": "/b"}`), 0644))
	require.NoError(t, provider.Reload())
	require.Equal(t, "/b", provider.Snapshot().SpoolRoot)

	// A broken file leaves the old snapshot in place.
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0644))
	require.Error(t, provider.Reload())
	require.Equal(t, "/b", provider.Snapshot().SpoolRoot)
}
