/*
File: persistence.go
Version: 1.1.0
Description: Redundant save/load of the model bundle. Binary gob bundle written
             atomically (temp+rename) to a primary and a backup location, each
             attempt independent; metadata additionally written as readable
             JSON next to each bundle. Load walks candidates in priority order
             and skips anything corrupt.
*/

package main

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	bundleVersion = 1

	// persistedDetections caps how much detection history rides in the bundle.
	persistedDetections = 100
)

// ModelBundle is the complete persisted unit: artifact, raw training data,
// metadata, recent detection history, and counters.
type ModelBundle struct {
	Version    int
	SavedAt    time.Time
	Model      *svmModel
	Metadata   *ModelMetadata
	Samples    [][]float64
	Labels     []int
	Detections []DetectionRecord
	Counters   map[string]uint64
}

func (b *ModelBundle) validate() error {
	if b.Version <= 0 || b.Version > bundleVersion {
		return fmt.Errorf("unsupported bundle version %d", b.Version)
	}
	if !b.Model.valid() {
		return fmt.Errorf("model artifact is structurally invalid")
	}
	if b.Metadata == nil {
		return fmt.Errorf("bundle has no metadata")
	}
	if len(b.Samples) != len(b.Labels) {
		return fmt.Errorf("sample/label length mismatch (%d vs %d)", len(b.Samples), len(b.Labels))
	}
	return nil
}

// SaveReport lists where a save landed and what failed.
type SaveReport struct {
	Written []string `json:"written"`
	Errors  []string `json:"errors,omitempty"`
}

type ModelStore struct {
	primary string
	backup  string
}

func NewModelStore(stateDir string) *ModelStore {
	return &ModelStore{
		primary: filepath.Join(stateDir, "model.bin"),
		backup:  filepath.Join(stateDir, "model_backup.bin"),
	}
}

func metadataPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".json"
}

// Save serializes once and writes to the primary and backup locations
// independently; one location failing does not stop the other. Overall
// success means at least one bundle landed. Metadata sidecar failures only
// warn: the sidecar is advisory, the bundle is authoritative.
func (s *ModelStore) Save(b *ModelBundle) (*SaveReport, error) {
	b.Version = bundleVersion
	b.SavedAt = time.Now().UTC()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, fmt.Errorf("serialize bundle: %w", err)
	}

	var metaJSON []byte
	if b.Metadata != nil {
		var err error
		metaJSON, err = json.MarshalIndent(b.Metadata, "", "  ")
		if err != nil {
			LogWarn("[PERSIST] Failed to marshal metadata: %v", err)
			metaJSON = nil
		}
	}

	report := &SaveReport{}
	for _, path := range []string{s.primary, s.backup} {
		if err := writeFileAtomic(path, buf.Bytes(), 0644); err != nil {
			LogWarn("[PERSIST] Save to %s failed: %v", path, err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		report.Written = append(report.Written, path)

		if metaJSON != nil {
			mp := metadataPath(path)
			if err := os.WriteFile(mp, metaJSON, 0644); err != nil {
				LogWarn("[PERSIST] Metadata write to %s failed: %v", mp, err)
			}
		}
	}

	if len(report.Written) == 0 {
		return report, fmt.Errorf("all save locations failed: %s", strings.Join(report.Errors, "; "))
	}
	LogDebug("[PERSIST] Bundle saved to %d location(s): %v", len(report.Written), report.Written)
	return report, nil
}

// Load tries the candidate locations in priority order (primary, then backup)
// and returns the first bundle that decodes and validates, plus its path.
// Corrupt or unreadable candidates are skipped, a crash mid-write must not
// take the model down with it. ErrNoModel when nothing usable exists; the
// caller starts untrained.
func (s *ModelStore) Load() (*ModelBundle, string, error) {
	for _, path := range []string{s.primary, s.backup} {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				LogDebug("[PERSIST] No bundle at %s", path)
			} else {
				LogWarn("[PERSIST] Cannot open %s: %v (skipping)", path, err)
			}
			continue
		}

		var b ModelBundle
		err = gob.NewDecoder(f).Decode(&b)
		f.Close()
		if err != nil {
			LogWarn("[PERSIST] Corrupt bundle at %s: %v (skipping)", path, err)
			continue
		}
		if err := b.validate(); err != nil {
			LogWarn("[PERSIST] Rejecting bundle at %s: %v (skipping)", path, err)
			continue
		}
		return &b, path, nil
	}
	return nil, "", ErrNoModel
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".bundle_*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
