// Package config loads the deployment configuration (mercure.json) into an
// immutable Snapshot. Worker loops receive a Snapshot at the start of each
// iteration and never observe a mid-iteration reload.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/micsi-dev/mercure/go/rules"
	"github.com/micsi-dev/mercure/go/spool"
)

// Runtimes for the processing engine.
const (
	RuntimeDocker = "docker"
	RuntimeNomad  = "nomad"
)

// Module is the configured definition of a processing module.
type Module struct {
	DockerTag           string                 `json:"docker_tag"`
	AdditionalVolumes   map[string]string      `json:"additional_volumes,omitempty"`
	Environment         map[string]string      `json:"environment,omitempty"`
	DockerArguments     []string               `json:"docker_arguments,omitempty"`
	Constraints         string                 `json:"constraints,omitempty"`
	Resources           string                 `json:"resources,omitempty"`
	RequiresRoot        bool                   `json:"requires_root"`
	RequiresPersistence bool                   `json:"requires_persistence"`
	PersistenceFolder   string                 `json:"persistence_folder_name,omitempty"`
	NetworkMode         string                 `json:"network_mode,omitempty"`
	Settings            map[string]interface{} `json:"settings,omitempty"`
	RetainInputImages   bool                   `json:"retain_input_images"`
}

// Target kinds understood by the dispatcher.
const (
	TargetDICOM  = "dicom"
	TargetFolder = "folder"
	TargetGCS    = "gs"
)

// Target is a configured dispatch destination.
type Target struct {
	Type string `json:"type"`

	// DICOM targets.
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	AETitle  string `json:"aet_target,omitempty"`
	AESource string `json:"aet_source,omitempty"`

	// Folder targets.
	Folder string `json:"folder,omitempty"`

	// Google Cloud Storage targets.
	Bucket string `json:"bucket,omitempty"`
	Prefix string `json:"prefix,omitempty"`

	// Retry policy. Zero values fall back to the dispatcher defaults.
	MaxRetries   int `json:"max_retries,omitempty"`
	RetryWaitSec int `json:"retry_wait,omitempty"`
}

// Validate the target configuration.
func (t Target) Validate() error {
	switch t.Type {
	case TargetDICOM:
		if t.Host == "" || t.Port == 0 {
			return fmt.Errorf("dicom target requires host and port")
		}
	case TargetFolder:
		if t.Folder == "" {
			return fmt.Errorf("folder target requires a folder")
		}
	case TargetGCS:
		if t.Bucket == "" {
			return fmt.Errorf("gs target requires a bucket")
		}
	default:
		return fmt.Errorf("unknown target type %q", t.Type)
	}
	return nil
}

// ProcessingLogs configures where module container logs end up.
type ProcessingLogs struct {
	LogsFileStore string `json:"logs_file_store,omitempty"`
	DiscardLogs   bool   `json:"discard_logs"`
}

// Snapshot is one immutable view of the deployment configuration.
type Snapshot struct {
	SpoolRoot string `json:"spool_root"`

	// Aggregation timeouts, in seconds.
	SeriesCompleteTrigger       int `json:"series_complete_trigger"`
	StudyCompleteTrigger        int `json:"study_complete_trigger"`
	StudyForceCompleteTrigger   int `json:"study_forcecomplete_trigger"`
	PatientCompleteTrigger      int `json:"patient_complete_trigger"`
	PatientForceCompleteTrigger int `json:"patient_forcecomplete_trigger"`

	ProcessingRuntime  string         `json:"processing_runtime"`
	ProcessRunner      string         `json:"process_runner"`
	SupportRootModules bool           `json:"support_root_modules"`
	ProcessingLogs     ProcessingLogs `json:"processing_logs"`

	// Image signature verification identity, consulted when a module's
	// settings demand a signed image.
	CertificateIdentity   string `json:"certificate_identity,omitempty"`
	CertificateOIDCIssuer string `json:"certificate_oidc_issuer,omitempty"`

	// ServerTime and LocalTime are IANA zone names used when rendering log
	// and event timestamps.
	ServerTime string `json:"server_time,omitempty"`
	LocalTime  string `json:"local_time,omitempty"`

	Bookkeeper       string `json:"bookkeeper"`
	BookkeeperAPIKey string `json:"bookkeeper_api_key,omitempty"`

	Rules   map[string]rules.Rule `json:"rules"`
	Targets map[string]Target     `json:"targets"`
	Modules map[string]Module     `json:"modules"`
}

// Defaults applied to absent fields.
func defaults() Snapshot {
	return Snapshot{
		SeriesCompleteTrigger:       60,
		StudyCompleteTrigger:        900,
		StudyForceCompleteTrigger:   5400,
		PatientCompleteTrigger:      1800,
		PatientForceCompleteTrigger: 10800,
		ProcessingRuntime:           RuntimeDocker,
		ServerTime:                  "UTC",
		LocalTime:                   "UTC",
	}
}

// Load reads and validates a configuration file.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	var out = defaults()
	if err = json.Unmarshal(data, &out); err != nil {
		return Snapshot{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err = out.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("config %s: %w", path, err)
	}
	return out, nil
}

// Validate the snapshot.
func (s Snapshot) Validate() error {
	if s.SpoolRoot == "" {
		return fmt.Errorf("spool_root is required")
	}
	switch s.ProcessingRuntime {
	case RuntimeDocker, RuntimeNomad:
	default:
		return fmt.Errorf("invalid processing_runtime %q", s.ProcessingRuntime)
	}
	for name, target := range s.Targets {
		if err := target.Validate(); err != nil {
			return fmt.Errorf("target %q: %w", name, err)
		}
	}
	for name, rule := range s.Rules {
		if rule.Disabled {
			continue
		}
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rule %q: %w", name, err)
		}
	}
	for _, zone := range []string{s.ServerTime, s.LocalTime} {
		if zone == "" {
			continue
		}
		if _, err := time.LoadLocation(zone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", zone, err)
		}
	}
	return nil
}

// Folders returns the spool layout of this snapshot.
func (s Snapshot) Folders() spool.Folders {
	return spool.NewFolders(s.SpoolRoot)
}

// LocalLocation returns the location used for operator-facing timestamps.
func (s Snapshot) LocalLocation() *time.Location {
	if s.LocalTime == "" {
		return time.UTC
	}
	if loc, err := time.LoadLocation(s.LocalTime); err == nil {
		return loc
	}
	return time.UTC
}

// Provider hands an immutable Snapshot to each worker loop iteration and
// supports atomic reload.
type Provider struct {
	mu       sync.RWMutex
	snapshot Snapshot
	path     string
}

// NewProvider wraps a static snapshot.
func NewProvider(s Snapshot) *Provider {
	return &Provider{snapshot: s}
}

// NewFileProvider loads the snapshot from |path| and retains the path for Reload.
func NewFileProvider(path string) (*Provider, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Provider{snapshot: s, path: path}, nil
}

// Snapshot returns the current configuration view.
func (p *Provider) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Reload re-reads the configuration file. A failed reload leaves the
// previous snapshot in place.
func (p *Provider) Reload() error {
	if p.path == "" {
		return nil
	}
	s, err := Load(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.snapshot = s
	p.mu.Unlock()
	return nil
}
