// Package model はニューラル推定器が学習ループに公開する能力インターフェースと、
// パラメータのスナップショット・永続化のための値型を提供します。
package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gopots/core/parallel"
	"github.com/YuminosukeSato/gopots/data"
)

// Mode はモデルの実行モードを表す
type Mode int

const (
	// Train は勾配計算とドロップアウト等の確率的挙動を有効にするモード
	Train Mode = iota
	// Eval は推論・検証用のモード
	Eval
)

func (m Mode) String() string {
	if m == Train {
		return "train"
	}
	return "eval"
}

// Parameter は名前付きの学習可能パラメータ
// Value は複製間で共有され、Grad は各複製が個別に所有する
type Parameter struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParameter は値と同じ形状のゼロ勾配を持つパラメータを作成する
func NewParameter(name string, value *mat.Dense) *Parameter {
	r, c := value.Dims()
	return &Parameter{Name: name, Value: value, Grad: mat.NewDense(r, c, nil)}
}

// Size はパラメータのスカラー要素数を返す
func (p *Parameter) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// ZeroGrad は勾配をゼロにする
func (p *Parameter) ZeroGrad() {
	if p.Grad != nil {
		p.Grad.Zero()
	}
}

// Loss はフォワードパスの結果得られるスカラー損失
type Loss interface {
	// Value は損失のスカラー値を返す
	Value() float64
	// Backward は損失の勾配をモデルの Grad に蓄積する
	Backward() error
}

// Outputs はフォワードパスの出力
type Outputs struct {
	Loss       Loss
	Prediction mat.Matrix
	// Samples は確率的生成モデルのサンプル（WithSamplingTimes(n>0) かつ Eval のとき）
	Samples []mat.Matrix
	Extra   map[string]mat.Matrix
}

// Model は学習ループが要求する最小の能力
type Model interface {
	SetMode(mode Mode)
	Forward(batch *data.Batch, opts ...ForwardOption) (*Outputs, error)
	// Parameters は順序付きの名前付きパラメータを返す
	Parameters() []*Parameter
}

// Replicator は複数デバイス実行のための複製を作れるモデル
// 複製はパラメータ値を共有し、勾配バッファを個別に持つ
type Replicator interface {
	Model
	Replicate(n int) ([]Model, error)
}

// Named はチェックポイント名に使う推定器名を返すモデル
type Named interface {
	Name() string
}

// ForwardConfig はフォワードパスの推論専用パラメータ
type ForwardConfig struct {
	SamplingTimes int
}

// ForwardOption はフォワードパスのオプション
type ForwardOption func(*ForwardConfig)

// WithSamplingTimes は生成するサンプル数を指定する
// 0 は検証時の既定値で、サンプルは生成されない
func WithSamplingTimes(n int) ForwardOption {
	return func(c *ForwardConfig) {
		c.SamplingTimes = n
	}
}

// ApplyForwardOptions はオプションを適用した設定を返す
func ApplyForwardOptions(opts ...ForwardOption) ForwardConfig {
	var cfg ForwardConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// CountParameters は学習可能なスカラー要素の総数を返す
func CountParameters(m Model) int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Size()
	}
	return n
}

type summedLoss struct {
	parts []Loss
}

// SumLosses は部分損失を合計した損失を返す
// Backward は各部分の Backward を並行に実行し、全ての完了を待つ
func SumLosses(parts ...Loss) Loss {
	return &summedLoss{parts: parts}
}

func (s *summedLoss) Value() float64 {
	total := 0.0
	for _, p := range s.parts {
		total += p.Value()
	}
	return total
}

func (s *summedLoss) Backward() error {
	if len(s.parts) == 1 {
		return s.parts[0].Backward()
	}
	return parallel.ForEach(len(s.parts), func(i int) error {
		return s.parts[i].Backward()
	})
}
