/*
File: svm_test.go
Description: Fit, calibration and cross-validation behavior of the SVM core.
*/

package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trainingFixture returns clearly separable flood/normal feature rows:
// normal traffic is a handful of small packets, attack traffic is a dense
// burst of large ones.
func trainingFixture() ([][]float64, []int) {
	X := [][]float64{
		{3, 64}, {4, 64}, {3, 72}, {5, 60}, {4, 68}, {3, 56},
		{18, 1400}, {22, 1400}, {19, 1350}, {25, 1420}, {21, 1380}, {17, 1450},
	}
	labels := []int{0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 1, 1}
	return X, labels
}

func TestScaleGamma(t *testing.T) {
	tests := []struct {
		name string
		X    [][]float64
		want float64
	}{
		{name: "unit variance", X: [][]float64{{0, 0}, {2, 2}}, want: 0.5},
		{name: "zero variance falls back", X: [][]float64{{1, 1}, {1, 1}}, want: 1.0},
		{name: "empty matrix falls back", X: nil, want: 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, scaleGamma(tt.X), 1e-12)
		})
	}
}

func TestFitSVM_SeparatesClasses(t *testing.T) {
	X, labels := trainingFixture()
	model, err := fitSVM(X, labels)
	require.NoError(t, err)
	require.True(t, model.valid())

	for i := range X {
		l, p := model.predict(X[i])
		assert.Equal(t, labels[i], l, "sample %d misclassified", i)
		assert.Greater(t, p, 0.0)
		assert.Less(t, p, 1.0)
	}

	// Calibrated probability tracks the verdict on well-separated points.
	l, p := model.predict([]float64{30, 1400})
	assert.Equal(t, 1, l)
	assert.GreaterOrEqual(t, p, 0.5)

	l, p = model.predict([]float64{3, 64})
	assert.Equal(t, 0, l)
	assert.LessOrEqual(t, p, 0.5)
}

func TestFitSVM_Deterministic(t *testing.T) {
	X, labels := trainingFixture()
	m1, err := fitSVM(X, labels)
	require.NoError(t, err)
	m2, err := fitSVM(X, labels)
	require.NoError(t, err)

	assert.Equal(t, m1.Bias, m2.Bias)
	assert.Equal(t, m1.Coeffs, m2.Coeffs)
	assert.Equal(t, m1.Vectors, m2.Vectors)
}

func TestFitSVM_Errors(t *testing.T) {
	_, err := fitSVM(nil, nil)
	assert.Error(t, err)

	_, err = fitSVM([][]float64{{3, 64}, {4, 64}}, []int{0, 0})
	assert.ErrorIs(t, err, ErrClassImbalance)

	_, err = fitSVM([][]float64{{18, 1400}, {22, 1400}}, []int{1, 1})
	assert.ErrorIs(t, err, ErrClassImbalance)
}

func TestSVMModel_Valid(t *testing.T) {
	good := &svmModel{
		Gamma:   0.5,
		Vectors: [][]float64{{1, 2}, {3, 4}},
		Coeffs:  []float64{1, -1},
	}
	assert.True(t, good.valid())

	var nilModel *svmModel
	assert.False(t, nilModel.valid())
	assert.False(t, (&svmModel{}).valid())
	assert.False(t, (&svmModel{Vectors: [][]float64{{1, 2}}}).valid())
	assert.False(t, (&svmModel{Vectors: [][]float64{{1, 2}, {3}}, Coeffs: []float64{1, -1}}).valid())
}

func TestFitPlatt_DirectionAndRange(t *testing.T) {
	deci := []float64{-2, -1.5, -1, 1, 1.5, 2}
	positive := []bool{false, false, false, true, true, true}
	a, b := fitPlatt(deci, positive)

	// p = 1/(1+exp(a*d+b)) must increase with d, so a is negative.
	assert.Less(t, a, 0.0)

	pNeg := 1.0 / (1.0 + math.Exp(a*-2+b))
	pPos := 1.0 / (1.0 + math.Exp(a*2+b))
	assert.Less(t, pNeg, 0.5)
	assert.Greater(t, pPos, 0.5)
}

func TestCrossValScores(t *testing.T) {
	X, labels := trainingFixture()

	scores := crossValScores(X, labels, 3)
	require.Len(t, scores, 3)
	for _, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}

	// Too few members of one class for the fold count.
	smallX := [][]float64{{3, 64}, {4, 64}, {5, 64}, {18, 1400}, {22, 1400}}
	smallLabels := []int{0, 0, 0, 1, 1}
	assert.Nil(t, crossValScores(smallX, smallLabels, 3))
}
