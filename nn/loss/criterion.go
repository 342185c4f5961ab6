// Package loss は学習・検証で使う評価基準（Criterion）を提供します。
// 各基準は値の「良い向き」（Direction）を持ち、最良モデルの選択に使われます。
package loss

import (
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gopots/metrics"
	"github.com/YuminosukeSato/gopots/pkg/errors"
)

// Direction は指標値のどちらの向きが良いかを表す
type Direction int

const (
	// LowerIsBetter は値が小さいほど良い（損失、誤差）
	LowerIsBetter Direction = iota
	// HigherIsBetter は値が大きいほど良い（正解率）
	HigherIsBetter
)

func (d Direction) String() string {
	if d == HigherIsBetter {
		return "higher"
	}
	return "lower"
}

// Improves は m が best より改善しているかを判定する
// NaN は決して改善とみなされない
func (d Direction) Improves(m, best float64) bool {
	if d == HigherIsBetter {
		return m > best
	}
	return m < best
}

// ParseDirection は "lower" / "higher" を解釈する
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "lower", "lower_better", "min":
		return LowerIsBetter, nil
	case "higher", "higher_better", "max":
		return HigherIsBetter, nil
	default:
		return 0, errors.NewConfigError("metric direction", s, "lower", "higher")
	}
}

// Criterion は予測と正解から指標値を計算する
type Criterion interface {
	Name() string
	Direction() Direction
	// Compute は mask が nil の場合は全要素を評価する
	Compute(pred, target, mask mat.Matrix) (float64, error)
}

// SampleCriterion は生成サンプルから指標値を計算できる基準
type SampleCriterion interface {
	Criterion
	ComputeSamples(samples []mat.Matrix, target, mask mat.Matrix) (float64, error)
}

type maskedCriterion struct {
	name string
	fn   func(pred, target, mask mat.Matrix) (float64, error)
}

func (c maskedCriterion) Name() string         { return c.name }
func (c maskedCriterion) Direction() Direction { return LowerIsBetter }

func (c maskedCriterion) Compute(pred, target, mask mat.Matrix) (float64, error) {
	return c.fn(pred, target, mask)
}

// MAE はマスク付き平均絶対誤差
func MAE() Criterion { return maskedCriterion{name: "MAE", fn: metrics.MAE} }

// MSE はマスク付き平均二乗誤差
func MSE() Criterion { return maskedCriterion{name: "MSE", fn: metrics.MSE} }

// RMSE はマスク付き平方根平均二乗誤差
func RMSE() Criterion { return maskedCriterion{name: "RMSE", fn: metrics.RMSE} }

// MRE はマスク付き平均相対誤差
func MRE() Criterion { return maskedCriterion{name: "MRE", fn: metrics.MRE} }

type quantileCRPS struct {
	nFeatures int // 0 のときは合計しない
}

// QuantileCRPS はサンプルに基づく分位点CRPS
func QuantileCRPS() SampleCriterion { return quantileCRPS{} }

// QuantileCRPSSum は特徴量方向に合計した系列の分位点CRPS
func QuantileCRPSSum(nFeatures int) SampleCriterion { return quantileCRPS{nFeatures: nFeatures} }

func (c quantileCRPS) Name() string {
	if c.nFeatures > 0 {
		return "QuantileCRPS_Sum"
	}
	return "QuantileCRPS"
}

func (c quantileCRPS) Direction() Direction { return LowerIsBetter }

// Compute は決定的な予測を単一サンプルとして扱う
func (c quantileCRPS) Compute(pred, target, mask mat.Matrix) (float64, error) {
	return c.ComputeSamples([]mat.Matrix{pred}, target, mask)
}

func (c quantileCRPS) ComputeSamples(samples []mat.Matrix, target, mask mat.Matrix) (float64, error) {
	if c.nFeatures > 0 {
		return metrics.QuantileCRPSSum(samples, target, mask, c.nFeatures)
	}
	return metrics.QuantileCRPS(samples, target, mask)
}

type labelCriterion struct {
	name      string
	direction Direction
	fn        func(scores, labels mat.Matrix) (float64, error)
}

func (c labelCriterion) Name() string         { return c.name }
func (c labelCriterion) Direction() Direction { return c.direction }

// Compute はマスクを無視する
func (c labelCriterion) Compute(pred, target, _ mat.Matrix) (float64, error) {
	return c.fn(pred, target)
}

// CrossEntropy はロジットとクラスラベルの交差エントロピー
func CrossEntropy() Criterion {
	return labelCriterion{name: "CrossEntropy", direction: LowerIsBetter, fn: metrics.CrossEntropy}
}

// NLL は対数確率の負の対数尤度
func NLL() Criterion {
	return labelCriterion{name: "NLL", direction: LowerIsBetter, fn: metrics.NLL}
}

// Accuracy は正解率（大きいほど良い）
func Accuracy() Criterion {
	return labelCriterion{name: "Accuracy", direction: HigherIsBetter, fn: metrics.Accuracy}
}

// ByName は名前から組み込みの基準を返す
func ByName(name string) (Criterion, error) {
	switch strings.ToUpper(name) {
	case "MAE":
		return MAE(), nil
	case "MSE":
		return MSE(), nil
	case "RMSE":
		return RMSE(), nil
	case "MRE":
		return MRE(), nil
	case "QUANTILECRPS", "CRPS":
		return QuantileCRPS(), nil
	case "CROSSENTROPY":
		return CrossEntropy(), nil
	case "NLL":
		return NLL(), nil
	case "ACCURACY":
		return Accuracy(), nil
	default:
		return nil, errors.NewConfigError("criterion", name,
			"MAE", "MSE", "RMSE", "MRE", "QuantileCRPS", "CrossEntropy", "NLL", "Accuracy")
	}
}
