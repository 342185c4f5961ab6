package estimator

import (
	"github.com/YuminosukeSato/gopots/nn/loss"
	"github.com/YuminosukeSato/gopots/optim"
	"github.com/YuminosukeSato/gopots/pkg/errors"
	"github.com/YuminosukeSato/gopots/pkg/log"
	"github.com/YuminosukeSato/gopots/train"
)

// Option configures a Base estimator.
type Option func(*config)

type config struct {
	epochs         int
	patience       int
	patienceSet    bool
	optimizer      string
	optimizerOpts  []optim.Option
	validMetric    loss.Criterion
	savingStrategy string
	savingPath     string
	format         string
	excludes       []string
	devices        []string
	summary        train.ScalarWriter
	hpo            train.HPOReporter
	hpoFromEnv     bool
	logger         log.Logger
	version        string
	trainerOpts    []train.Option
}

func defaultConfig() config {
	return config{
		epochs:         train.DefaultEpochs,
		optimizer:      "adam",
		savingStrategy: "best",
		format:         "gob",
		devices:        []string{"cpu"},
		hpoFromEnv:     true,
		version:        Version,
	}
}

// WithEpochs sets the maximum number of training epochs.
func WithEpochs(n int) Option {
	return func(c *config) { c.epochs = n }
}

// WithPatience enables early stopping.
func WithPatience(n int) Option {
	return func(c *config) {
		c.patience = n
		c.patienceSet = true
	}
}

// WithOptimizer selects the optimizer by name ("sgd", "adam", "adamw", "rmsprop").
// A fresh optimizer is built for every Fit.
func WithOptimizer(name string, opts ...optim.Option) Option {
	return func(c *config) {
		c.optimizer = name
		c.optimizerOpts = opts
	}
}

// WithValidationMetric selects the model-selection criterion.
func WithValidationMetric(cr loss.Criterion) Option {
	return func(c *config) { c.validMetric = cr }
}

// WithSaving sets the checkpoint strategy ("", "none", "best", "better", "all")
// and the directory under which run directories are created.
func WithSaving(strategy, path string) Option {
	return func(c *config) {
		c.savingStrategy = strategy
		c.savingPath = path
	}
}

// WithArtifactFormat selects the checkpoint encoding ("gob", "json", "protobuf").
func WithArtifactFormat(format string) Option {
	return func(c *config) { c.format = format }
}

// WithExcludeParams keeps parameters whose name contains any of subs out of saved artifacts.
func WithExcludeParams(subs ...string) Option {
	return func(c *config) { c.excludes = subs }
}

// WithDevices sets the training devices.
func WithDevices(devices ...string) Option {
	return func(c *config) { c.devices = devices }
}

// WithSummaryWriter records training scalars.
func WithSummaryWriter(w train.ScalarWriter) Option {
	return func(c *config) { c.summary = w }
}

// WithHPOReporter reports to r instead of the ENABLE_HPO environment reporter.
func WithHPOReporter(r train.HPOReporter) Option {
	return func(c *config) {
		c.hpo = r
		c.hpoFromEnv = false
	}
}

// WithLogger replaces the default "estimator" logger.
func WithLogger(l log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithVersion overrides the version written into artifacts.
func WithVersion(v string) Option {
	return func(c *config) { c.version = v }
}

// WithTrainerOptions passes additional options to every Trainer built by Fit.
func WithTrainerOptions(opts ...train.Option) Option {
	return func(c *config) { c.trainerOpts = append(c.trainerOpts, opts...) }
}

func (c config) validate() error {
	if _, err := train.ParseSavingStrategy(c.savingStrategy); err != nil {
		return err
	}
	if c.version == "" {
		return errors.NewConfigError("version", c.version)
	}
	return nil
}
