// Package optim はパラメータ更新を行うオプティマイザを提供します。
// 学習ループでパラメータ値を書き換えるのは Step だけです。
package optim

import (
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gopots/core/model"
	"github.com/YuminosukeSato/gopots/pkg/errors"
)

// Optimizer はパラメータの勾配から値を更新する
type Optimizer interface {
	// Bind は更新対象のパラメータを登録する（状態はリセットされる）
	Bind(params []*model.Parameter) error
	// ZeroGrad は登録済みパラメータの勾配をゼロにする
	ZeroGrad()
	// Step は蓄積された勾配で一度だけ更新する
	Step() error
	LearningRate() float64
	SetLearningRate(lr float64)
}

// Option はオプティマイザの設定
type Option func(*config)

type config struct {
	lr          float64
	weightDecay float64
	momentum    float64
	beta1       float64
	beta2       float64
	eps         float64
	alpha       float64
	maxGradNorm float64
	decoupled   bool
}

func defaultConfig() config {
	return config{
		lr:    1e-3,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		alpha: 0.99,
	}
}

// WithLearningRate は学習率を設定する
func WithLearningRate(lr float64) Option {
	return func(c *config) { c.lr = lr }
}

// WithWeightDecay はL2正則化の強さを設定する
func WithWeightDecay(wd float64) Option {
	return func(c *config) { c.weightDecay = wd }
}

// WithMomentum はSGD・RMSpropのモメンタムを設定する
func WithMomentum(m float64) Option {
	return func(c *config) { c.momentum = m }
}

// WithBetas はAdamの指数移動平均の係数を設定する
func WithBetas(beta1, beta2 float64) Option {
	return func(c *config) {
		c.beta1 = beta1
		c.beta2 = beta2
	}
}

// WithEpsilon は分母の安定化項を設定する
func WithEpsilon(eps float64) Option {
	return func(c *config) { c.eps = eps }
}

// WithAlpha はRMSpropの平滑化係数を設定する
func WithAlpha(alpha float64) Option {
	return func(c *config) { c.alpha = alpha }
}

// WithMaxGradNorm は Step 前に勾配の全体L2ノルムを制限する
func WithMaxGradNorm(n float64) Option {
	return func(c *config) { c.maxGradNorm = n }
}

func (c config) validate() error {
	switch {
	case c.lr <= 0:
		return errors.NewValidationError("lr", "must be positive", c.lr)
	case c.weightDecay < 0:
		return errors.NewValidationError("weight_decay", "must be non-negative", c.weightDecay)
	case c.momentum < 0 || c.momentum >= 1:
		return errors.NewValidationError("momentum", "must be in [0, 1)", c.momentum)
	case c.beta1 < 0 || c.beta1 >= 1 || c.beta2 < 0 || c.beta2 >= 1:
		return errors.NewValidationError("betas", "must be in [0, 1)", [2]float64{c.beta1, c.beta2})
	case c.alpha <= 0 || c.alpha >= 1:
		return errors.NewValidationError("alpha", "must be in (0, 1)", c.alpha)
	case c.eps <= 0:
		return errors.NewValidationError("eps", "must be positive", c.eps)
	}
	return nil
}

// base は全オプティマイザ共通の状態
type base struct {
	mu     sync.Mutex
	cfg    config
	params []*model.Parameter
	steps  int
}

func (b *base) bind(params []*model.Parameter) error {
	if len(params) == 0 {
		return errors.NewValueError("Optimizer.Bind", "no parameters")
	}
	for _, p := range params {
		if p == nil || p.Value == nil || p.Grad == nil {
			return errors.NewValueError("Optimizer.Bind", "parameter without value or gradient")
		}
	}
	b.params = params
	b.steps = 0
	return nil
}

func (b *base) ZeroGrad() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.params {
		p.ZeroGrad()
	}
}

func (b *base) LearningRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.lr
}

func (b *base) SetLearningRate(lr float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.lr = lr
}

// prepare は勾配クリッピングと重み減衰を適用した勾配を返す
// decoupled の場合は重み減衰を勾配に加えない
func (b *base) prepare() ([]*mat.Dense, error) {
	if b.params == nil {
		return nil, errors.NewValueError("Optimizer.Step", "Bind has not been called")
	}
	if b.cfg.maxGradNorm > 0 {
		grads := make([]*mat.Dense, len(b.params))
		for i, p := range b.params {
			grads[i] = p.Grad
		}
		errors.ClipGradNorm(grads, b.cfg.maxGradNorm)
	}
	out := make([]*mat.Dense, len(b.params))
	for i, p := range b.params {
		if err := errors.CheckMatrix("gradient "+p.Name, p.Grad, b.steps); err != nil {
			return nil, err
		}
		g := mat.DenseCopyOf(p.Grad)
		if b.cfg.weightDecay > 0 && !b.cfg.decoupled {
			g.Add(g, scaled(b.cfg.weightDecay, p.Value))
		}
		out[i] = g
	}
	return out, nil
}

func scaled(f float64, m mat.Matrix) *mat.Dense {
	var d mat.Dense
	d.Scale(f, m)
	return &d
}

func zerosLike(params []*model.Parameter) []*mat.Dense {
	out := make([]*mat.Dense, len(params))
	for i, p := range params {
		r, c := p.Value.Dims()
		out[i] = mat.NewDense(r, c, nil)
	}
	return out
}

// New は名前からオプティマイザを作成する
func New(name string, opts ...Option) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "sgd":
		return NewSGD(opts...)
	case "adam":
		return NewAdam(opts...)
	case "adamw":
		return NewAdamW(opts...)
	case "rmsprop":
		return NewRMSprop(opts...)
	default:
		return nil, errors.NewConfigError("optimizer", name, "sgd", "adam", "adamw", "rmsprop")
	}
}
