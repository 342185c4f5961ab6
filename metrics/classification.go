package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gopots/pkg/errors"
)

// checkLabels はスコア行列（n×k）とラベル列（n×1）を検証する
func checkLabels(op string, scores, labels mat.Matrix) (int, int, error) {
	n, k := scores.Dims()
	if n == 0 || k == 0 {
		return 0, 0, errors.NewValueError(op, "empty matrix")
	}
	lr, lc := labels.Dims()
	if lr != n {
		return 0, 0, errors.NewDimensionError(op, n, lr, 0)
	}
	if lc != 1 {
		return 0, 0, errors.NewValueError(op, "labels must be a column vector (n×1 matrix)")
	}
	for i := 0; i < n; i++ {
		y := labels.At(i, 0)
		if y != math.Trunc(y) || y < 0 || int(y) >= k {
			return 0, 0, errors.NewValidationError("labels", "must be class indices in [0, n_classes)", y)
		}
	}
	return n, k, nil
}

// CrossEntropy はロジット（n×k）とクラスラベルの平均交差エントロピーを計算する
func CrossEntropy(logits, labels mat.Matrix) (float64, error) {
	n, k, err := checkLabels("CrossEntropy", logits, labels)
	if err != nil {
		return 0, err
	}
	row := make([]float64, k)
	var total float64
	for i := 0; i < n; i++ {
		mat.Row(row, i, logits)
		total += errors.LogSumExp(row) - row[int(labels.At(i, 0))]
	}
	return total / float64(n), nil
}

// NLL は対数確率（n×k）に対する平均負の対数尤度を計算する
func NLL(logProbs, labels mat.Matrix) (float64, error) {
	n, _, err := checkLabels("NLL", logProbs, labels)
	if err != nil {
		return 0, err
	}
	var total float64
	for i := 0; i < n; i++ {
		total -= logProbs.At(i, int(labels.At(i, 0)))
	}
	return total / float64(n), nil
}

// Accuracy はスコアの最大クラスとラベルの一致率を計算する
// scores が1列の場合はそのままクラスラベルとして扱う
func Accuracy(scores, labels mat.Matrix) (float64, error) {
	n, k := scores.Dims()
	if k == 1 {
		if _, _, err := checkShapes("Accuracy", scores, labels, nil); err != nil {
			return 0, err
		}
		correct := 0
		for i := 0; i < n; i++ {
			if math.Round(scores.At(i, 0)) == labels.At(i, 0) {
				correct++
			}
		}
		return float64(correct) / float64(n), nil
	}
	if _, _, err := checkLabels("Accuracy", scores, labels); err != nil {
		return 0, err
	}
	row := make([]float64, k)
	correct := 0
	for i := 0; i < n; i++ {
		mat.Row(row, i, scores)
		if floats.MaxIdx(row) == int(labels.At(i, 0)) {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}
