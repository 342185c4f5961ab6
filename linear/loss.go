package linear

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gopots/core/parallel"
	"github.com/YuminosukeSato/gopots/metrics"
	"github.com/YuminosukeSato/gopots/pkg/errors"
)

// lossTerm は重み付きのマスク付き MSE 項
type lossTerm struct {
	target mat.Matrix
	mask   mat.Matrix
	weight float64
}

// reconLoss は再構成誤差とその勾配
type reconLoss struct {
	model *Regression
	input *mat.Dense
	grad  *mat.Dense // dL/d recon
	value float64
}

// newLoss は損失値と再構成に対する勾配を計算する
func (r *Regression) newLoss(input, recon *mat.Dense, terms []lossTerm) (*reconLoss, error) {
	n, d := recon.Dims()
	l := &reconLoss{model: r, input: input, grad: mat.NewDense(n, d, nil)}
	for _, t := range terms {
		if t.weight == 0 {
			continue
		}
		mse, err := metrics.MSE(recon, t.target, t.mask)
		if err != nil {
			return nil, err
		}
		l.value += t.weight * mse

		// dMSE/dr = 2·m·(r - x) / (Σm + ε)
		den := mat.Sum(t.mask) + metrics.Epsilon
		scale := 2 * t.weight / den
		parallel.ParallelizeWithThreshold(n, parallelThreshold, func(start, end int) {
			for i := start; i < end; i++ {
				row := l.grad.RawRowView(i)
				for j := range row {
					if m := t.mask.At(i, j); m != 0 {
						row[j] += scale * m * (recon.At(i, j) - t.target.At(i, j))
					}
				}
			}
		})
	}
	return l, nil
}

// Value は損失のスカラー値を返す
func (l *reconLoss) Value() float64 { return l.value }

// Backward は dW = inputᵀ·dR, db = Σ_rows dR を勾配に加算する
func (l *reconLoss) Backward() error {
	if err := errors.CheckMatrix("linear.backward", l.grad, 0); err != nil {
		return err
	}
	n, d := l.grad.Dims()

	dW := mat.NewDense(d, d, nil)
	dW.Mul(l.input.T(), l.grad)
	for j := 0; j < d; j++ {
		dW.Set(j, j, 0)
	}
	l.model.weight.Grad.Add(l.model.weight.Grad, dW)

	db := l.model.bias.Grad.RawRowView(0)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, l.grad)
		db[j] += floats.Sum(col)
	}
	return nil
}
