// Package dicom reads the .tags header sidecars written by the receiver and
// takes a census of DICOM files inside unit folders. Actual DICOM parsing is
// the receiver's concern; by the time a unit reaches the spool, every .dcm
// file has a JSON sidecar with its header fields.
package dicom

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Well-known sidecar tags.
const (
	TagStudyInstanceUID  = "StudyInstanceUID"
	TagSeriesInstanceUID = "SeriesInstanceUID"
	TagSeriesDescription = "SeriesDescription"
	TagModality          = "Modality"
	TagPatientID         = "PatientID"
	TagAccessionNumber   = "AccessionNumber"
)

// ReadTagsFile decodes a .tags sidecar. Non-string header values are
// rendered through their JSON form, since downstream rule filters compare
// tags as strings.
func ReadTagsFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tags file %s: %w", path, err)
	}
	var raw map[string]interface{}
	if err = json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing tags file %s: %w", path, err)
	}
	var out = make(map[string]string, len(raw))
	for k, v := range raw {
		switch vv := v.(type) {
		case string:
			out[k] = vv
		case nil:
			out[k] = ""
		default:
			b, _ := json.Marshal(vv)
			out[k] = string(b)
		}
	}
	return out, nil
}

// FirstTagsFile returns the lexically first .tags sidecar inside |folder|.
func FirstTagsFile(folder string) (string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return "", fmt.Errorf("reading folder %s: %w", folder, err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".tags") {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no tags sidecar in %s", folder)
	}
	sort.Strings(names)
	return filepath.Join(folder, names[0]), nil
}

// ReadFirstTags reads the lexically first sidecar of |folder|.
func ReadFirstTags(folder string) (map[string]string, error) {
	path, err := FirstTagsFile(folder)
	if err != nil {
		return nil, err
	}
	return ReadTagsFile(path)
}

// CountFiles recursively counts the DICOM files under |root|.
func CountFiles(root string) (int, error) {
	var count int
	var err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".dcm") {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting DICOM files under %s: %w", root, err)
	}
	return count, nil
}

// PendingStudies returns the StudyInstanceUIDs of series still waiting in
// the incoming folder. Units without a readable sidecar yet are skipped; the
// receiver may still be writing them.
func PendingStudies(incoming string) map[string]bool {
	var out = make(map[string]bool)
	entries, err := os.ReadDir(incoming)
	if err != nil {
		return out
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		tags, err := ReadFirstTags(filepath.Join(incoming, entry.Name()))
		if err != nil {
			continue
		}
		if uid := tags[TagStudyInstanceUID]; uid != "" {
			out[uid] = true
		}
	}
	return out
}

// HasFiles reports whether at least one DICOM file exists under |root|.
func HasFiles(root string) bool {
	var found = false
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".dcm") {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}
