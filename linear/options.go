package linear

import (
	"github.com/YuminosukeSato/gopots/data"
	"github.com/YuminosukeSato/gopots/pkg/errors"
)

type config struct {
	seed           uint64
	initScale      float64
	noiseStd       float64
	ortWeight      float64
	mitWeight      float64
	conditional    bool
	targetStrategy data.TargetStrategy
}

func defaultConfig() config {
	return config{
		seed:      42,
		initScale: 0.01,
		noiseStd:  0.1,
		ortWeight: 1,
		mitWeight: 1,
	}
}

func (c config) validate() error {
	switch {
	case c.initScale < 0:
		return errors.NewValidationError("init_scale", "must be non-negative", c.initScale)
	case c.noiseStd <= 0:
		return errors.NewValidationError("noise_std", "must be positive", c.noiseStd)
	case c.ortWeight < 0:
		return errors.NewValidationError("ORT_weight", "must be non-negative", c.ortWeight)
	case c.mitWeight < 0:
		return errors.NewValidationError("MIT_weight", "must be non-negative", c.mitWeight)
	case c.ortWeight == 0 && c.mitWeight == 0 && !c.conditional:
		return errors.NewValidationError("ORT_weight", "ORT and MIT weights cannot both be zero", 0)
	}
	return nil
}

// Option is a function that configures Regression
type Option func(*config)

// WithSeed sets the seed for weight initialization, sampling noise and conditional masks
func WithSeed(seed uint64) Option {
	return func(c *config) {
		c.seed = seed
	}
}

// WithInitScale sets the half-width of the uniform weight initialization
func WithInitScale(scale float64) Option {
	return func(c *config) {
		c.initScale = scale
	}
}

// WithNoiseStd sets the standard deviation of the noise added to sampled imputations
func WithNoiseStd(std float64) Option {
	return func(c *config) {
		c.noiseStd = std
	}
}

// WithLossWeights sets the weights of the reconstruction (ORT) and
// masked imputation (MIT) terms
func WithLossWeights(ort, mit float64) Option {
	return func(c *config) {
		c.ortWeight = ort
		c.mitWeight = mit
	}
}

// WithConditionalTraining trains on randomly drawn conditional masks:
// part of the observed entries is hidden from the input and used as the target
func WithConditionalTraining(strategy data.TargetStrategy) Option {
	return func(c *config) {
		c.conditional = true
		c.targetStrategy = strategy
	}
}
