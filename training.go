/*
File: training.go
Version: 1.0.1
Description: Training-mode state machine and the labeled-sample ledger.
             Samples accumulate across collection runs until a train succeeds
             or the operator keeps adding more after a failed attempt.
*/

package main

import "fmt"

// minTotalSamples is the floor for stop-and-train; below it the fit would be
// meaningless and the attempt is rejected without touching the model.
const minTotalSamples = 6

type TrainingPhase int

const (
	PhaseIdle TrainingPhase = iota
	PhaseCollecting
	PhaseTrained
)

func (p TrainingPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCollecting:
		return "collecting"
	case PhaseTrained:
		return "trained"
	default:
		return "unknown"
	}
}

// trainingState holds the mode and sample ledger. Not self-locking: the
// coordinator serializes every access under its own mutex, which also gives
// sample indices a strict arrival order.
type trainingState struct {
	phase       TrainingPhase
	activeLabel int
	samples     [][]float64
	labels      []int
}

// startCollection enters Collecting under the given label. Previously
// collected samples are kept; collection is cumulative until training runs.
// Re-entering from Trained is the retrain workflow: the active artifact
// keeps serving until the new fit commits.
func (ts *trainingState) startCollection(label int) error {
	if label != 0 && label != 1 {
		return fmt.Errorf("invalid label %d (want 0=normal or 1=attack)", label)
	}
	ts.phase = PhaseCollecting
	ts.activeLabel = label
	return nil
}

// observe appends one sample under the active label and returns its index.
// Returns -1 without recording when not collecting or when the window is too
// thin to characterize the flow yet (not an error).
func (ts *trainingState) observe(f Features) int {
	if ts.phase != PhaseCollecting {
		return -1
	}
	if f.PacketCount <= minWindowSamples {
		return -1
	}
	ts.samples = append(ts.samples, f.Vector())
	ts.labels = append(ts.labels, ts.activeLabel)
	return len(ts.samples) - 1
}

// classCounts returns (normal, attack) totals over the ledger.
func (ts *trainingState) classCounts() (int, int) {
	normal, attack := 0, 0
	for _, l := range ts.labels {
		if l == 1 {
			attack++
		} else {
			normal++
		}
	}
	return normal, attack
}

// validate checks the stop-and-train preconditions. The ledger is left
// untouched either way so the operator can add samples and retry.
func (ts *trainingState) validate() error {
	if len(ts.samples) < minTotalSamples {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(ts.samples), minTotalSamples)
	}
	normal, attack := ts.classCounts()
	if normal == 0 || attack == 0 {
		return fmt.Errorf("%w: %d normal, %d attack", ErrClassImbalance, normal, attack)
	}
	return nil
}

// snapshot deep-copies the ledger so the fit can run outside the lock.
func (ts *trainingState) snapshot() ([][]float64, []int) {
	X := make([][]float64, len(ts.samples))
	for i, s := range ts.samples {
		row := make([]float64, len(s))
		copy(row, s)
		X[i] = row
	}
	y := make([]int, len(ts.labels))
	copy(y, ts.labels)
	return X, y
}

// restore replaces the ledger from a loaded bundle.
func (ts *trainingState) restore(samples [][]float64, labels []int, trained bool) {
	ts.samples = samples
	ts.labels = labels
	if trained {
		ts.phase = PhaseTrained
	} else {
		ts.phase = PhaseIdle
	}
}
