package optim

import (
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gopots/core/model"
)

// SGD は確率的勾配降下法（モメンタム付き）
type SGD struct {
	base
	velocity []*mat.Dense
}

// NewSGD creates an SGD optimizer. Default learning rate is 1e-3.
func NewSGD(opts ...Option) (*SGD, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &SGD{base: base{cfg: cfg}}, nil
}

func (s *SGD) Bind(params []*model.Parameter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.bind(params); err != nil {
		return err
	}
	s.velocity = zerosLike(params)
	return nil
}

// Step: v = μv + g; θ -= lr·v
func (s *SGD) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	grads, err := s.prepare()
	if err != nil {
		return err
	}
	for i, p := range s.params {
		update := grads[i]
		if s.cfg.momentum > 0 {
			v := s.velocity[i]
			v.Scale(s.cfg.momentum, v)
			v.Add(v, grads[i])
			update = v
		}
		p.Value.Sub(p.Value, scaled(s.cfg.lr, update))
	}
	s.steps++
	return nil
}
