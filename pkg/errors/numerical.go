package errors

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// IsFinite は値がNaNでもInfでもないかを判定します。
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// CheckScalar checks a single scalar value for numerical instability.
func CheckScalar(operation string, value float64, iteration int) error {
	if !IsFinite(value) {
		return NewNumericalInstabilityError(operation, []float64{value}, iteration)
	}
	return nil
}

// CheckMatrix checks all values in a matrix for numerical instability.
// At most ten offending values are collected.
func CheckMatrix(operation string, m mat.Matrix, iteration int) error {
	var unstable []float64
	r, c := m.Dims()
	for i := 0; i < r && len(unstable) < 10; i++ {
		for j := 0; j < c && len(unstable) < 10; j++ {
			if v := m.At(i, j); !IsFinite(v) {
				unstable = append(unstable, v)
			}
		}
	}
	if len(unstable) > 0 {
		return NewNumericalInstabilityError(operation, unstable, iteration)
	}
	return nil
}

// LogSumExp computes log(sum(exp(values))) in a numerically stable way.
func LogSumExp(values []float64) float64 {
	if len(values) == 0 {
		return math.Inf(-1)
	}
	maxVal := values[0]
	for _, v := range values[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Exp(v - maxVal)
	}
	return maxVal + math.Log(sum)
}

// ClipGradNorm rescales grads in place so that their joint L2 norm does not exceed maxNorm.
// It returns the norm before clipping.
func ClipGradNorm(grads []*mat.Dense, maxNorm float64) float64 {
	var sq float64
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := mat.Norm(g, 2)
		sq += n * n
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / norm
		for _, g := range grads {
			if g != nil {
				g.Scale(scale, g)
			}
		}
	}
	return norm
}
