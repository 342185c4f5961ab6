package model

import (
	"gonum.org/v1/gonum/mat"

	scierrors "github.com/YuminosukeSato/gopots/pkg/errors"
)

// Tensor はパラメータ行列のシリアライズ用表現（行優先）
type Tensor struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// TensorFromDense は行列の値をコピーしてTensorを作成する
func TensorFromDense(m mat.Matrix) Tensor {
	r, c := m.Dims()
	t := Tensor{Rows: r, Cols: c, Data: make([]float64, 0, r*c)}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			t.Data = append(t.Data, m.At(i, j))
		}
	}
	return t
}

// Dense はTensorを新しい行列に変換する
func (t Tensor) Dense() (*mat.Dense, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return mat.NewDense(t.Rows, t.Cols, data), nil
}

// Validate はTensorの形状とデータ長の整合性を検証する
func (t Tensor) Validate() error {
	if t.Rows <= 0 || t.Cols <= 0 {
		return scierrors.NewValidationError("tensor shape", "rows and cols must be positive", [2]int{t.Rows, t.Cols})
	}
	if len(t.Data) != t.Rows*t.Cols {
		return scierrors.NewDimensionError("Tensor.Dense", t.Rows*t.Cols, len(t.Data), 1)
	}
	return nil
}

// Clone はTensorのディープコピーを作成
func (t Tensor) Clone() Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return Tensor{Rows: t.Rows, Cols: t.Cols, Data: data}
}
