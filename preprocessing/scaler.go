package preprocessing

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/gopots/core/model"
	"github.com/YuminosukeSato/gopots/data"
	"github.com/YuminosukeSato/gopots/pkg/errors"
)

// StandardScaler は欠損値（NaN）を無視して平均0、標準偏差1に変換するスケーラー
// 欠損値は変換後も NaN のまま残る
type StandardScaler struct {
	state *model.StateManager

	// Mean は各特徴量の観測値の平均
	Mean []float64

	// Scale は各特徴量の観測値の標準偏差
	Scale []float64

	// NFeatures は特徴量の数
	NFeatures int

	// WithMean は平均を引くかどうか (デフォルト: true)
	WithMean bool

	// WithStd は標準偏差で割るかどうか (デフォルト: true)
	WithStd bool
}

// NewStandardScaler は新しいStandardScalerを作成する
//
// 使用例:
//
//	scaler := preprocessing.NewStandardScaler(true, true)
//	err := scaler.Fit(X)
//	XScaled, err := scaler.Transform(X)
func NewStandardScaler(withMean, withStd bool) *StandardScaler {
	return &StandardScaler{
		state:    model.NewStateManager(),
		WithMean: withMean,
		WithStd:  withStd,
	}
}

// NewStandardScalerDefault はデフォルト設定でStandardScalerを作成する
func NewStandardScalerDefault() *StandardScaler {
	return NewStandardScaler(true, true)
}

// IsFitted は Fit 済みかどうかを返す
func (s *StandardScaler) IsFitted() bool {
	return s.state.IsTrained()
}

// Fit は観測値だけから統計情報（平均、標準偏差）を計算する
func (s *StandardScaler) Fit(X mat.Matrix) error {
	r, c := X.Dims()
	if r == 0 || c == 0 {
		return errors.NewModelError("StandardScaler.Fit", "empty data", errors.ErrEmptyData)
	}

	s.NFeatures = c
	s.Mean = make([]float64, c)
	s.Scale = make([]float64, c)

	observed := data.ObservedMask(X)
	col := make([]float64, r)
	weights := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, X)
		mat.Col(weights, j, observed)
		// NaN は重み 0 でも積が NaN になるので 0 に置き換える
		for i, w := range weights {
			if w == 0 {
				col[i] = 0
			}
		}
		n := floats.Sum(weights)
		if n == 0 {
			return errors.NewValueError("StandardScaler.Fit", fmt.Sprintf("feature %d has no observed values", j))
		}

		mean, std := stat.MeanStdDev(col, weights)
		if s.WithMean {
			s.Mean[j] = mean
		}
		s.Scale[j] = 1.0
		if s.WithStd && n > 1 {
			// 母標準偏差（n で割る）
			pop := std * math.Sqrt((n-1)/n)
			// 標準偏差が0に近い場合は1に設定（ゼロ除算を避ける）
			if pop >= 1e-8 {
				s.Scale[j] = pop
			}
		}
	}

	s.state.SetTrained(0, 0)
	return nil
}

// Transform は学習済みの統計情報を使ってデータを標準化する
func (s *StandardScaler) Transform(X mat.Matrix) (*mat.Dense, error) {
	return s.apply("Transform", X, func(v float64, j int) float64 {
		return (v - s.Mean[j]) / s.Scale[j]
	})
}

// FitTransform は訓練データで学習し、同じデータを変換する
func (s *StandardScaler) FitTransform(X mat.Matrix) (*mat.Dense, error) {
	if err := s.Fit(X); err != nil {
		return nil, err
	}
	return s.Transform(X)
}

// InverseTransform は標準化されたデータを元のスケールに戻す
func (s *StandardScaler) InverseTransform(X mat.Matrix) (*mat.Dense, error) {
	return s.apply("InverseTransform", X, func(v float64, j int) float64 {
		return v*s.Scale[j] + s.Mean[j]
	})
}

func (s *StandardScaler) apply(method string, X mat.Matrix, f func(v float64, j int) float64) (*mat.Dense, error) {
	if err := s.state.RequireTrained("StandardScaler", method); err != nil {
		return nil, err
	}
	r, c := X.Dims()
	if r == 0 {
		return nil, errors.NewModelError("StandardScaler."+method, "empty data", errors.ErrEmptyData)
	}
	if c != s.NFeatures {
		return nil, errors.NewDimensionError("StandardScaler."+method, s.NFeatures, c, 1)
	}
	result := mat.NewDense(r, c, nil)
	result.Apply(func(i, j int, _ float64) float64 {
		v := X.At(i, j)
		if math.IsNaN(v) {
			return v
		}
		return f(v, j)
	}, result)
	return result, nil
}

// String はスケーラーの文字列表現を返す
func (s *StandardScaler) String() string {
	if !s.IsFitted() {
		return fmt.Sprintf("StandardScaler(with_mean=%t, with_std=%t)", s.WithMean, s.WithStd)
	}
	return fmt.Sprintf("StandardScaler(with_mean=%t, with_std=%t, n_features=%d)",
		s.WithMean, s.WithStd, s.NFeatures)
}
