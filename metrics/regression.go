// Package metrics はマスク付き時系列の評価指標を提供します。
// マスクの1は評価対象の要素、0は無視する要素を表します。
package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gopots/pkg/errors"
)

// Epsilon は分母のゼロ除算を防ぐ微小値
const Epsilon = 1e-12

// checkShapes は予測・正解・マスクの形状を検証する
func checkShapes(op string, pred, target, mask mat.Matrix) (int, int, error) {
	r, c := target.Dims()
	if r == 0 || c == 0 {
		return 0, 0, errors.NewValueError(op, "empty matrix")
	}
	pr, pc := pred.Dims()
	if pr != r {
		return 0, 0, errors.NewDimensionError(op, r, pr, 0)
	}
	if pc != c {
		return 0, 0, errors.NewDimensionError(op, c, pc, 1)
	}
	if mask != nil {
		mr, mc := mask.Dims()
		if mr != r {
			return 0, 0, errors.NewDimensionError(op+" mask", r, mr, 0)
		}
		if mc != c {
			return 0, 0, errors.NewDimensionError(op+" mask", c, mc, 1)
		}
	}
	return r, c, nil
}

// maskedReduce は f(pred, target) * mask の総和とマスクの総和を返す
// mask が nil の場合は全要素を対象とする
func maskedReduce(pred, target, mask mat.Matrix, f func(p, t float64) float64) (num, den float64) {
	r, c := target.Dims()
	vals := make([]float64, 0, r*c)
	weights := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			w := 1.0
			if mask != nil {
				w = mask.At(i, j)
			}
			vals = append(vals, f(pred.At(i, j), target.At(i, j)))
			weights = append(weights, w)
		}
	}
	return floats.Dot(vals, weights), floats.Sum(weights)
}

// MAE はマスク付き平均絶対誤差（Mean Absolute Error）を計算する
// MAE = Σ|pred - target|·mask / (Σmask + ε)
func MAE(pred, target, mask mat.Matrix) (float64, error) {
	if _, _, err := checkShapes("MAE", pred, target, mask); err != nil {
		return 0, err
	}
	num, den := maskedReduce(pred, target, mask, func(p, t float64) float64 {
		return math.Abs(p - t)
	})
	if mask == nil {
		return num / den, nil
	}
	warnIfEmpty("MAE", den)
	return num / (den + Epsilon), nil
}

// MSE はマスク付き平均二乗誤差（Mean Squared Error）を計算する
func MSE(pred, target, mask mat.Matrix) (float64, error) {
	if _, _, err := checkShapes("MSE", pred, target, mask); err != nil {
		return 0, err
	}
	num, den := maskedReduce(pred, target, mask, func(p, t float64) float64 {
		d := p - t
		return d * d
	})
	if mask == nil {
		return num / den, nil
	}
	warnIfEmpty("MSE", den)
	return num / (den + Epsilon), nil
}

// RMSE は平方根平均二乗誤差（Root Mean Squared Error）を計算する
func RMSE(pred, target, mask mat.Matrix) (float64, error) {
	mse, err := MSE(pred, target, mask)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(mse), nil
}

// MRE は平均相対誤差（Mean Relative Error）を計算する
// MRE = Σ|pred - target|·mask / (Σ|target|·mask + ε)
func MRE(pred, target, mask mat.Matrix) (float64, error) {
	if _, _, err := checkShapes("MRE", pred, target, mask); err != nil {
		return 0, err
	}
	num, _ := maskedReduce(pred, target, mask, func(p, t float64) float64 {
		return math.Abs(p - t)
	})
	scale, _ := maskedReduce(pred, target, mask, func(_, t float64) float64 {
		return math.Abs(t)
	})
	return num / (scale + Epsilon), nil
}

func warnIfEmpty(metric string, den float64) {
	if den == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning(metric, "empty mask", 0))
	}
}
