/*
File: errors.go
Version: 1.0.0
Description: Sentinel errors for the detection pipeline. Callers branch with
             errors.Is; wrapping adds call-site context.
*/

package main

import "errors"

var (
	// ErrInsufficientData: training invoked with fewer than the minimum
	// total samples. Collected samples are retained for retry.
	ErrInsufficientData = errors.New("insufficient training data")

	// ErrClassImbalance: training invoked without at least one sample of
	// each class.
	ErrClassImbalance = errors.New("training data missing a class")

	// ErrNotCollecting: stop-and-train invoked while no collection is active.
	ErrNotCollecting = errors.New("no active collection")

	// ErrNotTrained: prediction or model introspection before a successful
	// training run. The event pipeline absorbs this (fail-open).
	ErrNotTrained = errors.New("classifier not trained")

	// ErrNoModel: no persisted bundle could be loaded from any candidate
	// location. A normal first-start condition, not a failure.
	ErrNoModel = errors.New("no persisted model found")
)
