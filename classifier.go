/*
File: classifier.go
Version: 1.2.0
Description: Classifier service wrapping the SVM: train, predict, evaluate, and
             metadata lifecycle. A retrain builds the new artifact off to the
             side and swaps artifact+metadata together under one lock, so
             readers never observe a half-updated model.
*/

package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	featureSchemaVersion = 1

	cvMinSamples = 10 // below this, cross-validation folds are degenerate
	cvFolds      = 3
)

var featureNames = []string{"packet_count", "mean_length"}

// ModelPerformance is the accuracy block of the metadata document.
type ModelPerformance struct {
	TrainingAccuracy float64   `json:"training_accuracy"`
	CrossValScores   []float64 `json:"cross_val_scores"`
}

// ModelMetadata describes one successful training run. Written alongside the
// artifact, both in the binary bundle and as the human-readable sidecar.
type ModelMetadata struct {
	TrainedAt            time.Time        `json:"trained_at"`
	SampleCount          int              `json:"sample_count"`
	NormalCount          int              `json:"normal_count"`
	AttackCount          int              `json:"attack_count"`
	FeatureSchemaVersion int              `json:"feature_schema_version"`
	FeatureNames         []string         `json:"feature_names"`
	TimeWindow           float64          `json:"time_window"` // seconds
	Performance          ModelPerformance `json:"performance"`
}

// ConfusionMatrix over the stored training set; attack (label 1) is positive.
type ConfusionMatrix struct {
	TruePositive  int `json:"true_positive"`
	TrueNegative  int `json:"true_negative"`
	FalsePositive int `json:"false_positive"`
	FalseNegative int `json:"false_negative"`
}

// BinaryClassifier is the classifier capability the coordinator holds: the
// training lifecycle, prediction and evaluation, plus the artifact handoff
// that save/load rides on. SVMClassifier is the production implementation;
// detector tests plug in a scripted substitute.
type BinaryClassifier interface {
	Train(X [][]float64, labels []int) (*ModelMetadata, error)
	Predict(x []float64) (label int, probability float64, err error)
	Evaluate(X [][]float64, labels []int) (ConfusionMatrix, error)
	Ready() bool
	Metadata() *ModelMetadata

	// Artifact handoff for persistence. Unexported: the artifact structs
	// are package internals, not part of the operator surface.
	snapshot() (*svmModel, *ModelMetadata)
	restore(model *svmModel, meta *ModelMetadata) error
}

var _ BinaryClassifier = (*SVMClassifier)(nil)

// SVMClassifier holds the committed artifact. The hot path checks the atomic
// ready flag before touching the lock at all.
type SVMClassifier struct {
	sync.RWMutex
	model *svmModel
	meta  *ModelMetadata
	ready atomic.Bool

	timeWindow float64 // seconds, recorded in metadata
}

func NewSVMClassifier(timeWindow time.Duration) *SVMClassifier {
	return &SVMClassifier{timeWindow: timeWindow.Seconds()}
}

// Train fits a fresh model on the full sample set and commits it together
// with its metadata. On failure the previous artifact (if any) stays active.
func (c *SVMClassifier) Train(X [][]float64, labels []int) (*ModelMetadata, error) {
	start := time.Now()

	model, err := fitSVM(X, labels)
	if err != nil {
		return nil, fmt.Errorf("svm fit: %w", err)
	}

	correct, normal, attack := 0, 0, 0
	for i := range X {
		if labels[i] == 1 {
			attack++
		} else {
			normal++
		}
		l, _ := model.predict(X[i])
		if l == labels[i] {
			correct++
		}
	}

	var cv []float64
	if len(X) >= cvMinSamples {
		cv = crossValScores(X, labels, cvFolds)
	}

	meta := &ModelMetadata{
		TrainedAt:            time.Now().UTC(),
		SampleCount:          len(X),
		NormalCount:          normal,
		AttackCount:          attack,
		FeatureSchemaVersion: featureSchemaVersion,
		FeatureNames:         featureNames,
		TimeWindow:           c.timeWindow,
		Performance: ModelPerformance{
			TrainingAccuracy: float64(correct) / float64(len(X)),
			CrossValScores:   append([]float64{}, cv...),
		},
	}

	c.Lock()
	c.model = model
	c.meta = meta
	c.ready.Store(true)
	c.Unlock()

	LogInfo("[CLASSIFIER] Training complete in %v (Samples: %d, Accuracy: %.3f, SVs: %d, CV folds: %d)",
		time.Since(start).Round(time.Millisecond), len(X), meta.Performance.TrainingAccuracy,
		len(model.Vectors), len(cv))
	return meta, nil
}

// Predict returns the label and calibrated attack probability for one feature
// vector. The caller owns the fail-open policy; this only reports the error.
func (c *SVMClassifier) Predict(x []float64) (int, float64, error) {
	if !c.ready.Load() {
		return 0, 0, ErrNotTrained
	}

	c.RLock()
	model := c.model
	c.RUnlock()

	if len(model.Vectors) > 0 && len(x) != len(model.Vectors[0]) {
		return 0, 0, fmt.Errorf("feature width %d does not match model width %d", len(x), len(model.Vectors[0]))
	}

	label, prob := model.predict(x)
	return label, prob, nil
}

// Evaluate recomputes predictions over the given sample set. Read-only,
// reporting only.
func (c *SVMClassifier) Evaluate(X [][]float64, labels []int) (ConfusionMatrix, error) {
	var cm ConfusionMatrix
	if !c.ready.Load() {
		return cm, ErrNotTrained
	}

	c.RLock()
	model := c.model
	c.RUnlock()

	for i := range X {
		l, _ := model.predict(X[i])
		switch {
		case l == 1 && labels[i] == 1:
			cm.TruePositive++
		case l == 0 && labels[i] == 0:
			cm.TrueNegative++
		case l == 1 && labels[i] == 0:
			cm.FalsePositive++
		default:
			cm.FalseNegative++
		}
	}
	return cm, nil
}

func (c *SVMClassifier) Ready() bool {
	return c.ready.Load()
}

// Metadata returns a copy of the current metadata, or nil when untrained.
func (c *SVMClassifier) Metadata() *ModelMetadata {
	if !c.ready.Load() {
		return nil
	}
	c.RLock()
	defer c.RUnlock()
	if c.meta == nil {
		return nil
	}
	m := *c.meta
	return &m
}

// snapshot hands out the committed artifact and metadata for persistence.
// The model is immutable after fit, so sharing the pointer is safe.
func (c *SVMClassifier) snapshot() (*svmModel, *ModelMetadata) {
	c.RLock()
	defer c.RUnlock()
	return c.model, c.meta
}

// restore installs a deserialized artifact, e.g. after a bundle load.
func (c *SVMClassifier) restore(model *svmModel, meta *ModelMetadata) error {
	if !model.valid() {
		return fmt.Errorf("model artifact is structurally invalid")
	}
	if meta == nil {
		return fmt.Errorf("model artifact has no metadata")
	}
	c.Lock()
	c.model = model
	c.meta = meta
	c.ready.Store(true)
	c.Unlock()
	return nil
}
