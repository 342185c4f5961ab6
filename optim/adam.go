package optim

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gopots/core/model"
)

// Adam は一次・二次モーメントの指数移動平均を使う適応的オプティマイザ
type Adam struct {
	base
	m []*mat.Dense
	v []*mat.Dense
}

// NewAdam creates an Adam optimizer (lr=1e-3, betas=(0.9, 0.999), eps=1e-8).
// Weight decay is added to the gradient as an L2 penalty.
func NewAdam(opts ...Option) (*Adam, error) {
	return newAdam(false, opts...)
}

// NewAdamW creates an Adam optimizer with decoupled weight decay.
// Weight decay defaults to 0.01 when not given.
func NewAdamW(opts ...Option) (*Adam, error) {
	return newAdam(true, append([]Option{WithWeightDecay(0.01)}, opts...)...)
}

func newAdam(decoupled bool, opts ...Option) (*Adam, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.decoupled = decoupled
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Adam{base: base{cfg: cfg}}, nil
}

func (a *Adam) Bind(params []*model.Parameter) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.bind(params); err != nil {
		return err
	}
	a.m = zerosLike(params)
	a.v = zerosLike(params)
	return nil
}

func (a *Adam) Step() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	grads, err := a.prepare()
	if err != nil {
		return err
	}
	a.steps++
	c := a.cfg
	bc1 := 1 - math.Pow(c.beta1, float64(a.steps))
	bc2 := 1 - math.Pow(c.beta2, float64(a.steps))

	for i, p := range a.params {
		g := grads[i]
		m, v := a.m[i], a.v[i]
		m.Apply(func(r, col int, mv float64) float64 {
			return c.beta1*mv + (1-c.beta1)*g.At(r, col)
		}, m)
		v.Apply(func(r, col int, vv float64) float64 {
			gv := g.At(r, col)
			return c.beta2*vv + (1-c.beta2)*gv*gv
		}, v)
		p.Value.Apply(func(r, col int, w float64) float64 {
			if c.decoupled && c.weightDecay > 0 {
				w -= c.lr * c.weightDecay * w
			}
			mHat := m.At(r, col) / bc1
			vHat := v.At(r, col) / bc2
			return w - c.lr*mHat/(math.Sqrt(vHat)+c.eps)
		}, p.Value)
	}
	return nil
}
