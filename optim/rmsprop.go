package optim

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gopots/core/model"
)

// RMSprop は二乗勾配の移動平均で学習率をスケールする
type RMSprop struct {
	base
	sq  []*mat.Dense
	buf []*mat.Dense
}

// NewRMSprop creates an RMSprop optimizer (lr=1e-3, alpha=0.99, eps=1e-8).
func NewRMSprop(opts ...Option) (*RMSprop, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &RMSprop{base: base{cfg: cfg}}, nil
}

func (o *RMSprop) Bind(params []*model.Parameter) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.bind(params); err != nil {
		return err
	}
	o.sq = zerosLike(params)
	o.buf = zerosLike(params)
	return nil
}

func (o *RMSprop) Step() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	grads, err := o.prepare()
	if err != nil {
		return err
	}
	c := o.cfg
	for i, p := range o.params {
		g := grads[i]
		sq, buf := o.sq[i], o.buf[i]
		sq.Apply(func(r, col int, s float64) float64 {
			gv := g.At(r, col)
			return c.alpha*s + (1-c.alpha)*gv*gv
		}, sq)
		// step = g / (sqrt(E[g²]) + eps)
		rows, cols := g.Dims()
		step := mat.NewDense(rows, cols, nil)
		step.Apply(func(r, col int, _ float64) float64 {
			return g.At(r, col) / (math.Sqrt(sq.At(r, col)) + c.eps)
		}, step)
		if c.momentum > 0 {
			buf.Scale(c.momentum, buf)
			buf.Add(buf, step)
			step = buf
		}
		p.Value.Sub(p.Value, scaled(c.lr, step))
	}
	o.steps++
	return nil
}
