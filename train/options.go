package train

import (
	"github.com/YuminosukeSato/gopots/core/model"
	"github.com/YuminosukeSato/gopots/data"
	"github.com/YuminosukeSato/gopots/nn/loss"
	"github.com/YuminosukeSato/gopots/pkg/errors"
	"github.com/YuminosukeSato/gopots/pkg/log"
)

// HPOReporter receives metrics for a hyperparameter search trial.
type HPOReporter interface {
	ReportIntermediate(value float64) error
	ReportFinal(value float64) error
}

// ScalarWriter receives per-step and per-epoch scalars.
type ScalarWriter interface {
	AddScalars(phase string, step int, values map[string]float64) error
}

// DefaultEpochs is used when WithEpochs is not given.
const DefaultEpochs = 100

// Option configures a Trainer.
type Option func(*config)

type config struct {
	epochs           int
	patience         int
	patienceSet      bool
	trainingLossName string
	validMetric      loss.Criterion
	validForwardOpts []model.ForwardOption
	targetField      string
	maskField        string
	strategy         SavingStrategy
	savingPath       string
	format           model.Format
	excludes         []string
	devices          []string
	hpo              HPOReporter
	summary          ScalarWriter
	logger           log.Logger
	name             string
	version          string
}

func defaultConfig() config {
	return config{
		epochs:           DefaultEpochs,
		trainingLossName: "loss",
		validForwardOpts: []model.ForwardOption{model.WithSamplingTimes(0)},
		targetField:      data.FieldXOri,
		maskField:        data.FieldIndicatingMask,
		format:           model.FormatGob,
		devices:          []string{"cpu"},
	}
}

// WithEpochs sets the maximum number of epochs.
func WithEpochs(n int) Option {
	return func(c *config) { c.epochs = n }
}

// WithPatience enables early stopping after n epochs without improvement.
func WithPatience(n int) Option {
	return func(c *config) {
		c.patience = n
		c.patienceSet = true
	}
}

// WithTrainingLoss names the loss the model computes during training. It is
// only used for logging.
func WithTrainingLoss(name string) Option {
	return func(c *config) { c.trainingLossName = name }
}

// WithValidationMetric selects the criterion used on validation batches and
// for model selection. Without it the model's own loss is used.
func WithValidationMetric(c loss.Criterion) Option {
	return func(cfg *config) { cfg.validMetric = c }
}

// WithValidationForwardOptions replaces the forward options used during
// validation (default: WithSamplingTimes(0)).
func WithValidationForwardOptions(opts ...model.ForwardOption) Option {
	return func(c *config) { c.validForwardOpts = opts }
}

// WithValidationFields selects the batch fields used as target and mask by
// the validation criterion. An empty mask field means unmasked.
func WithValidationFields(target, mask string) Option {
	return func(c *config) {
		c.targetField = target
		c.maskField = mask
	}
}

// WithSavingStrategy selects when checkpoints are written.
func WithSavingStrategy(s SavingStrategy) Option {
	return func(c *config) { c.strategy = s }
}

// WithSavingPath sets the checkpoint root directory. Nothing is saved without it.
func WithSavingPath(path string) Option {
	return func(c *config) { c.savingPath = path }
}

// WithArtifactFormat selects the checkpoint encoding.
func WithArtifactFormat(f model.Format) Option {
	return func(c *config) { c.format = f }
}

// WithExcludeParams drops parameters whose name contains any of subs from checkpoints.
func WithExcludeParams(subs ...string) Option {
	return func(c *config) { c.excludes = subs }
}

// WithDevices sets the devices ("cpu", "cpu:<n>").
func WithDevices(devices ...string) Option {
	return func(c *config) { c.devices = devices }
}

// WithHPOReporter reports each epoch's metric and the final best metric.
func WithHPOReporter(r HPOReporter) Option {
	return func(c *config) { c.hpo = r }
}

// WithSummaryWriter records training and validation scalars.
func WithSummaryWriter(w ScalarWriter) Option {
	return func(c *config) { c.summary = w }
}

// WithLogger replaces the default "train" logger.
func WithLogger(l log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithName sets the estimator name used in logs and artifact names.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithVersion sets the version stored in artifacts.
func WithVersion(v string) Option {
	return func(c *config) { c.version = v }
}

func (c *config) validate() error {
	if c.epochs <= 0 {
		return errors.NewConfigError("epochs", c.epochs)
	}
	if c.patienceSet {
		if c.patience <= 0 {
			return errors.NewConfigError("patience", c.patience)
		}
		if c.patience > c.epochs {
			return errors.NewValidationError("patience", "must not exceed epochs", c.patience)
		}
	}
	if c.strategy < SaveNone || c.strategy > SaveAll {
		return errors.NewConfigError("saving strategy", int(c.strategy), "none", "best", "better", "all")
	}
	if c.targetField == "" {
		return errors.NewConfigError("validation target field", c.targetField)
	}
	return nil
}
