/*
File: svm.go
Version: 1.0.1
Description: RBF-kernel support vector machine fitted with sequential minimal
             optimization, plus Platt sigmoid calibration for probability output.
             The fitted form is an explicit coefficient struct (svmModel), safe
             to serialize and reload across versions.
*/

package main

import (
	"fmt"
	"math"
	"math/rand/v2"
)

const (
	svmC         = 1.0  // soft-margin penalty
	svmTol       = 1e-3 // KKT violation tolerance
	svmAlphaEps  = 1e-5 // minimum alpha step worth applying
	svmMaxPasses = 20   // consecutive no-progress passes before convergence
	svmMaxIter   = 2000 // hard cap on optimization sweeps

	svmSupportEps = 1e-8 // alphas at or below this are not support vectors
)

// svmModel is the self-describing fitted classifier: support vectors with
// signed coefficients, kernel width, bias, and the sigmoid parameters that
// map raw decision values to attack probabilities.
type svmModel struct {
	Gamma   float64
	Bias    float64
	Vectors [][]float64
	Coeffs  []float64 // alpha_i * y_i per support vector
	PlattA  float64
	PlattB  float64
}

// rbfKernel computes exp(-gamma * ||a-b||^2).
func rbfKernel(gamma float64, a, b []float64) float64 {
	var d2 float64
	for i := range a {
		d := a[i] - b[i]
		d2 += d * d
	}
	return math.Exp(-gamma * d2)
}

// scaleGamma is the automatic kernel width: 1 / (n_features * var(X)), with
// the variance taken over every entry of the matrix. Degenerate zero-variance
// data falls back to 1.0.
func scaleGamma(X [][]float64) float64 {
	if len(X) == 0 || len(X[0]) == 0 {
		return 1.0
	}
	count := 0
	var sum float64
	for _, row := range X {
		for _, v := range row {
			sum += v
			count++
		}
	}
	mean := sum / float64(count)
	var ss float64
	for _, row := range X {
		for _, v := range row {
			d := v - mean
			ss += d * d
		}
	}
	variance := ss / float64(count)
	if variance <= 0 {
		return 1.0
	}
	return 1.0 / (float64(len(X[0])) * variance)
}

// fitSVM fits the soft-margin dual with simplified SMO. Labels arrive as 0/1
// and are mapped to -1/+1 internally. The working-pair RNG is seeded from a
// fixed constant so identical inputs always produce identical models.
func fitSVM(X [][]float64, labels []int) (*svmModel, error) {
	n := len(X)
	if n == 0 {
		return nil, fmt.Errorf("empty training set")
	}

	y := make([]float64, n)
	pos, neg := 0, 0
	for i, l := range labels {
		if l == 1 {
			y[i] = 1
			pos++
		} else {
			y[i] = -1
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return nil, ErrClassImbalance
	}

	gamma := scaleGamma(X)

	// Kernel matrix fits in memory: n is the operator-labeled sample count,
	// not the packet rate.
	K := make([][]float64, n)
	for i := 0; i < n; i++ {
		K[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			k := rbfKernel(gamma, X[i], X[j])
			K[i][j] = k
			K[j][i] = k
		}
	}

	alpha := make([]float64, n)
	bias := 0.0
	rng := rand.New(rand.NewPCG(0x1c3b, uint64(n)))

	decide := func(i int) float64 {
		s := bias
		for j := 0; j < n; j++ {
			if alpha[j] > 0 {
				s += alpha[j] * y[j] * K[i][j]
			}
		}
		return s
	}

	passes := 0
	for iter := 0; passes < svmMaxPasses && iter < svmMaxIter; iter++ {
		changed := 0
		for i := 0; i < n; i++ {
			Ei := decide(i) - y[i]
			if !((y[i]*Ei < -svmTol && alpha[i] < svmC) || (y[i]*Ei > svmTol && alpha[i] > 0)) {
				continue
			}

			j := rng.IntN(n - 1)
			if j >= i {
				j++
			}
			Ej := decide(j) - y[j]

			aiOld, ajOld := alpha[i], alpha[j]
			var lo, hi float64
			if y[i] != y[j] {
				lo = math.Max(0, ajOld-aiOld)
				hi = math.Min(svmC, svmC+ajOld-aiOld)
			} else {
				lo = math.Max(0, aiOld+ajOld-svmC)
				hi = math.Min(svmC, aiOld+ajOld)
			}
			if lo == hi {
				continue
			}

			eta := 2*K[i][j] - K[i][i] - K[j][j]
			if eta >= 0 {
				continue
			}

			aj := ajOld - y[j]*(Ei-Ej)/eta
			if aj > hi {
				aj = hi
			} else if aj < lo {
				aj = lo
			}
			if math.Abs(aj-ajOld) < svmAlphaEps {
				continue
			}

			ai := aiOld + y[i]*y[j]*(ajOld-aj)
			alpha[i], alpha[j] = ai, aj

			b1 := bias - Ei - y[i]*(ai-aiOld)*K[i][i] - y[j]*(aj-ajOld)*K[i][j]
			b2 := bias - Ej - y[i]*(ai-aiOld)*K[i][j] - y[j]*(aj-ajOld)*K[j][j]
			switch {
			case ai > 0 && ai < svmC:
				bias = b1
			case aj > 0 && aj < svmC:
				bias = b2
			default:
				bias = (b1 + b2) / 2
			}
			changed++
		}
		if changed == 0 {
			passes++
		} else {
			passes = 0
		}
	}

	model := &svmModel{Gamma: gamma, Bias: bias}
	for i := 0; i < n; i++ {
		if alpha[i] > svmSupportEps {
			vec := make([]float64, len(X[i]))
			copy(vec, X[i])
			model.Vectors = append(model.Vectors, vec)
			model.Coeffs = append(model.Coeffs, alpha[i]*y[i])
		}
	}
	if len(model.Vectors) == 0 {
		return nil, fmt.Errorf("degenerate fit: no support vectors")
	}

	// Calibrate the sigmoid on the training decision values.
	deci := make([]float64, n)
	positive := make([]bool, n)
	for i := 0; i < n; i++ {
		deci[i] = model.decision(X[i])
		positive[i] = y[i] > 0
	}
	model.PlattA, model.PlattB = fitPlatt(deci, positive)

	return model, nil
}

// decision evaluates the uncalibrated decision function at x.
func (m *svmModel) decision(x []float64) float64 {
	s := m.Bias
	for i, v := range m.Vectors {
		s += m.Coeffs[i] * rbfKernel(m.Gamma, v, x)
	}
	return s
}

// predict returns the class label (sign of the decision value) and the
// calibrated attack probability at x.
func (m *svmModel) predict(x []float64) (int, float64) {
	d := m.decision(x)
	p := 1.0 / (1.0 + math.Exp(m.PlattA*d+m.PlattB))
	label := 0
	if d > 0 {
		label = 1
	}
	return label, p
}

// valid reports whether a deserialized model is structurally usable.
func (m *svmModel) valid() bool {
	if m == nil || len(m.Vectors) == 0 || len(m.Vectors) != len(m.Coeffs) {
		return false
	}
	width := len(m.Vectors[0])
	if width == 0 {
		return false
	}
	for _, v := range m.Vectors {
		if len(v) != width {
			return false
		}
	}
	return true
}

// fitPlatt fits sigmoid parameters (A, B) so that 1/(1+exp(A*f+B)) tracks the
// positive-class frequency of decision value f. Newton iteration with
// backtracking line search, the numerically stable formulation from Lin, Lin
// and Weng. Targets are smoothed by class priors, which keeps the fit sane on
// the small sample counts an operator actually labels.
func fitPlatt(deci []float64, positive []bool) (float64, float64) {
	prior1, prior0 := 0, 0
	for _, p := range positive {
		if p {
			prior1++
		} else {
			prior0++
		}
	}

	const (
		maxIter = 100
		minStep = 1e-10
		sigma   = 1e-12
	)
	hiTarget := (float64(prior1) + 1.0) / (float64(prior1) + 2.0)
	loTarget := 1.0 / (float64(prior0) + 2.0)

	n := len(deci)
	t := make([]float64, n)
	for i := range deci {
		if positive[i] {
			t[i] = hiTarget
		} else {
			t[i] = loTarget
		}
	}

	objective := func(a, b float64) float64 {
		var f float64
		for i := 0; i < n; i++ {
			fApB := deci[i]*a + b
			if fApB >= 0 {
				f += t[i]*fApB + math.Log(1+math.Exp(-fApB))
			} else {
				f += (t[i]-1)*fApB + math.Log(1+math.Exp(fApB))
			}
		}
		return f
	}

	a := 0.0
	b := math.Log((float64(prior0) + 1.0) / (float64(prior1) + 1.0))
	fval := objective(a, b)

	for iter := 0; iter < maxIter; iter++ {
		h11, h22 := sigma, sigma
		var h21, g1, g2 float64
		for i := 0; i < n; i++ {
			fApB := deci[i]*a + b
			var p, q float64
			if fApB >= 0 {
				p = math.Exp(-fApB) / (1.0 + math.Exp(-fApB))
				q = 1.0 / (1.0 + math.Exp(-fApB))
			} else {
				p = 1.0 / (1.0 + math.Exp(fApB))
				q = math.Exp(fApB) / (1.0 + math.Exp(fApB))
			}
			d2 := p * q
			h11 += deci[i] * deci[i] * d2
			h22 += d2
			h21 += deci[i] * d2
			d1 := t[i] - p
			g1 += deci[i] * d1
			g2 += d1
		}
		if math.Abs(g1) < 1e-5 && math.Abs(g2) < 1e-5 {
			break
		}

		det := h11*h22 - h21*h21
		dA := -(h22*g1 - h21*g2) / det
		dB := -(-h21*g1 + h11*g2) / det
		gd := g1*dA + g2*dB

		stepsize := 1.0
		for stepsize >= minStep {
			newA := a + stepsize*dA
			newB := b + stepsize*dB
			newf := objective(newA, newB)
			if newf < fval+1e-4*stepsize*gd {
				a, b, fval = newA, newB, newf
				break
			}
			stepsize /= 2.0
		}
		if stepsize < minStep {
			break
		}
	}
	return a, b
}

// crossValScores runs stratified k-fold cross-validation over (X, labels) and
// returns one held-out accuracy per completed fold. Returns nil when either
// class has fewer members than the fold count, since the folds would be
// degenerate.
func crossValScores(X [][]float64, labels []int, folds int) []float64 {
	var posIdx, negIdx []int
	for i, l := range labels {
		if l == 1 {
			posIdx = append(posIdx, i)
		} else {
			negIdx = append(negIdx, i)
		}
	}
	if len(posIdx) < folds || len(negIdx) < folds {
		return nil
	}

	foldOf := make([]int, len(labels))
	for i, idx := range posIdx {
		foldOf[idx] = i % folds
	}
	for i, idx := range negIdx {
		foldOf[idx] = i % folds
	}

	scores := make([]float64, 0, folds)
	for f := 0; f < folds; f++ {
		var trX, teX [][]float64
		var trY, teY []int
		for i := range labels {
			if foldOf[i] == f {
				teX = append(teX, X[i])
				teY = append(teY, labels[i])
			} else {
				trX = append(trX, X[i])
				trY = append(trY, labels[i])
			}
		}

		m, err := fitSVM(trX, trY)
		if err != nil {
			LogDebug("[CLASSIFIER] Cross-validation fold %d skipped: %v", f, err)
			continue
		}
		correct := 0
		for i := range teX {
			l, _ := m.predict(teX[i])
			if l == teY[i] {
				correct++
			}
		}
		scores = append(scores, float64(correct)/float64(len(teY)))
	}
	return scores
}
