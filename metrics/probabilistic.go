package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/gopots/pkg/errors"
)

// CRPSQuantiles は分位点CRPSで評価する分位点 0.05, 0.10, ..., 0.95
var CRPSQuantiles = func() []float64 {
	qs := make([]float64, 19)
	for i := range qs {
		qs[i] = float64(i+1) * 0.05
	}
	return qs
}()

// QuantileCRPS はサンプルに基づく分位点CRPSを計算する
// samples は同じ形状の生成サンプル、各要素の分位点はサンプル間で求める
func QuantileCRPS(samples []mat.Matrix, target, mask mat.Matrix) (float64, error) {
	if len(samples) == 0 {
		return 0, errors.NewValueError("QuantileCRPS", "no samples")
	}
	r, c, err := checkShapes("QuantileCRPS", samples[0], target, mask)
	if err != nil {
		return 0, err
	}
	for _, s := range samples[1:] {
		if _, _, err := checkShapes("QuantileCRPS", s, target, mask); err != nil {
			return 0, err
		}
	}
	return quantileCRPS(r, c, func(i, j, k int) float64 { return samples[k].At(i, j) }, len(samples), target, mask), nil
}

// QuantileCRPSSum は特徴量方向に合計した系列に対して分位点CRPSを計算する
// 各行は nSteps×nFeatures を時刻優先で平坦化したものとする
func QuantileCRPSSum(samples []mat.Matrix, target, mask mat.Matrix, nFeatures int) (float64, error) {
	if len(samples) == 0 {
		return 0, errors.NewValueError("QuantileCRPSSum", "no samples")
	}
	r, c := target.Dims()
	if nFeatures <= 0 || c%nFeatures != 0 {
		return 0, errors.NewValidationError("n_features", "must divide the number of columns", nFeatures)
	}
	steps := c / nFeatures

	sumTarget := mat.NewDense(r, steps, nil)
	sumMask := mat.NewDense(r, steps, nil)
	for i := 0; i < r; i++ {
		for s := 0; s < steps; s++ {
			var tv, mv float64
			for f := 0; f < nFeatures; f++ {
				tv += target.At(i, s*nFeatures+f)
				if mask != nil {
					mv += mask.At(i, s*nFeatures+f)
				} else {
					mv++
				}
			}
			sumTarget.Set(i, s, tv)
			sumMask.Set(i, s, mv/float64(nFeatures))
		}
	}
	summed := make([]mat.Matrix, len(samples))
	for k, smp := range samples {
		if _, _, err := checkShapes("QuantileCRPSSum", smp, target, mask); err != nil {
			return 0, err
		}
		d := mat.NewDense(r, steps, nil)
		for i := 0; i < r; i++ {
			for s := 0; s < steps; s++ {
				var v float64
				for f := 0; f < nFeatures; f++ {
					v += smp.At(i, s*nFeatures+f)
				}
				d.Set(i, s, v)
			}
		}
		summed[k] = d
	}
	return quantileCRPS(r, steps, func(i, j, k int) float64 { return summed[k].At(i, j) }, len(summed), sumTarget, sumMask), nil
}

func quantileCRPS(r, c int, at func(i, j, k int) float64, n int, target, mask mat.Matrix) float64 {
	maskAt := func(i, j int) float64 {
		if mask == nil {
			return 1
		}
		return mask.At(i, j)
	}

	var denom float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			denom += math.Abs(target.At(i, j) * maskAt(i, j))
		}
	}

	qLoss := make([]float64, len(CRPSQuantiles))
	buf := make([]float64, n)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m := maskAt(i, j)
			if m == 0 {
				continue
			}
			for k := 0; k < n; k++ {
				buf[k] = at(i, j, k)
			}
			sort.Float64s(buf)
			t := target.At(i, j)
			for qi, q := range CRPSQuantiles {
				qp := stat.Quantile(q, stat.LinInterp, buf, nil)
				ind := 0.0
				if t <= qp {
					ind = 1
				}
				qLoss[qi] += 2 * math.Abs((qp-t)*m*(ind-q))
			}
		}
	}

	var crps float64
	for _, l := range qLoss {
		crps += l / (denom + Epsilon)
	}
	return crps / float64(len(CRPSQuantiles))
}
