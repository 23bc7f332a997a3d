package processor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// resultFile is the structured output a module may leave in its output
// folder, and the pipeline-level result the processor writes on completion.
const resultFile = "result.json"

// moduleResult is one module's structured output, serialized as the pair
// [name, output] inside the pipeline result list.
type moduleResult struct {
	Name   string
	Output json.RawMessage
}

func (r moduleResult) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{r.Name, r.Output})
}

// readModuleResult loads and consumes a module's result.json. The file is
// removed once captured so the workdir rotation cannot hand it to the next
// module as input.
func readModuleResult(outDir string) (json.RawMessage, bool) {
	var path = filepath.Join(outDir, resultFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	_ = os.Remove(path)
	if !json.Valid(data) {
		return nil, false
	}
	return json.RawMessage(data), true
}

// writePipelineResult writes the accumulated per-module outputs as the
// pipeline-level result.json.
func writePipelineResult(outDir string, results []moduleResult) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pipeline result: %w", err)
	}
	data = append(data, '\n')
	if err = os.WriteFile(filepath.Join(outDir, resultFile), data, 0644); err != nil {
		return fmt.Errorf("writing pipeline result: %w", err)
	}
	return nil
}
