package task

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Process is the processing decision of a task: no processing at all, a
// single module, or an ordered multi-module pipeline. On the wire it is
// null, a single object, or an array; the three shapes fold into one list
// of steps here.
type Process struct {
	steps []Processing
}

// NoProcess is the empty processing decision.
var NoProcess = Process{}

// SingleProcess wraps one module as a processing decision.
func SingleProcess(step Processing) Process {
	return Process{steps: []Processing{step}}
}

// PipelineProcess wraps an ordered list of modules as a processing decision.
func PipelineProcess(steps []Processing) Process {
	return Process{steps: steps}
}

// IsZero reports whether no processing was requested.
func (p Process) IsZero() bool { return len(p.steps) == 0 }

// Steps returns the ordered pipeline steps. The result must not be mutated.
func (p Process) Steps() []Processing { return p.steps }

// Len returns the number of pipeline steps.
func (p Process) Len() int { return len(p.steps) }

func (p Process) MarshalJSON() ([]byte, error) {
	switch len(p.steps) {
	case 0:
		return []byte("null"), nil
	case 1:
		// A single step is written as a bare object, which is the shape a
		// module container expects of its narrowed task file.
		return json.Marshal(p.steps[0])
	default:
		return json.Marshal(p.steps)
	}
}

func (p *Process) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`)) {
		p.steps = nil
		return nil
	}
	switch b[0] {
	case '{':
		var single Processing
		if err := json.Unmarshal(b, &single); err != nil {
			return fmt.Errorf("parsing process object: %w", err)
		}
		p.steps = []Processing{single}
	case '[':
		var list []Processing
		if err := json.Unmarshal(b, &list); err != nil {
			return fmt.Errorf("parsing process list: %w", err)
		}
		p.steps = list
	default:
		return fmt.Errorf("process is neither an object, a list, nor null")
	}
	return nil
}

// TargetNames is a dispatch target list which tolerates being written as
// either a single string or a list of strings.
type TargetNames []string

func (t TargetNames) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

func (t *TargetNames) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*t = nil
		} else {
			*t = TargetNames{s}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("parsing target_name: %w", err)
	}
	*t = TargetNames(list)
	return nil
}
