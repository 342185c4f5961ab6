// Package estimator wires a model, an optimizer and the training
// orchestrator into a fit / predict / save / load lifecycle.
package estimator

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gopots/core/model"
	"github.com/YuminosukeSato/gopots/data"
	"github.com/YuminosukeSato/gopots/hpo"
	"github.com/YuminosukeSato/gopots/optim"
	"github.com/YuminosukeSato/gopots/pkg/errors"
	"github.com/YuminosukeSato/gopots/pkg/log"
	"github.com/YuminosukeSato/gopots/train"
)

// Version is written into every artifact.
const Version = "0.1.0"

// Base is a trainable estimator. It refuses inference until a Fit or Load
// has produced a best snapshot.
type Base struct {
	id     string
	name   string
	model  model.Model
	cfg    config
	format model.Format
	state  *model.StateManager
	logger log.Logger

	hpoReporter *hpo.Reporter
	outcome     *train.Outcome
}

// New validates the configuration and logs the model size. Configuration
// errors surface here, before any data is touched.
func New(m model.Model, opts ...Option) (*Base, error) {
	if m == nil {
		return nil, errors.NewValueError("estimator.New", "model is required")
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	format, err := model.ParseFormat(cfg.format)
	if err != nil {
		return nil, err
	}

	name := "Model"
	if n, ok := m.(model.Named); ok {
		name = n.Name()
	}
	b := &Base{
		id:     uuid.NewString(),
		name:   name,
		model:  m,
		cfg:    cfg,
		format: format,
		state:  model.NewStateManager(),
	}
	logger := cfg.logger
	if logger == nil {
		logger = log.GetLoggerWithName("estimator")
	}
	b.logger = logger.With(log.ModelNameKey, name, log.EstimatorIDKey, b.id)

	if cfg.hpoFromEnv {
		r, err := hpo.FromEnv()
		if err != nil {
			return nil, err
		}
		if r != nil {
			b.hpoReporter = r
			b.cfg.hpo = r
		}
	}

	// 設定エラーを最初のエポック前に検出する
	opt, err := b.newOptimizer()
	if err != nil {
		return nil, err
	}
	if _, err := b.newTrainer(opt); err != nil {
		return nil, err
	}

	n := model.CountParameters(m)
	b.logger.Info(fmt.Sprintf("%s initialized with the given hyperparameters, the number of trainable parameters: %d", name, n),
		log.TrainableParamsKey, n,
	)
	return b, nil
}

// ID returns the estimator's instance UUID.
func (b *Base) ID() string { return b.id }

// Name returns the estimator name used in artifacts and checkpoint names.
func (b *Base) Name() string { return b.name }

// Model returns the wrapped model.
func (b *Base) Model() model.Model { return b.model }

// IsTrained reports whether the model holds a usable best snapshot.
func (b *Base) IsTrained() bool { return b.state.IsTrained() }

// Outcome returns the result of the last Fit, or nil.
func (b *Base) Outcome() *train.Outcome { return b.outcome }

func (b *Base) newOptimizer() (optim.Optimizer, error) {
	return optim.New(b.cfg.optimizer, b.cfg.optimizerOpts...)
}

func (b *Base) newTrainer(opt optim.Optimizer) (*train.Trainer, error) {
	strategy, err := train.ParseSavingStrategy(b.cfg.savingStrategy)
	if err != nil {
		return nil, err
	}
	opts := []train.Option{
		train.WithEpochs(b.cfg.epochs),
		train.WithSavingStrategy(strategy),
		train.WithSavingPath(b.cfg.savingPath),
		train.WithArtifactFormat(b.format),
		train.WithExcludeParams(b.cfg.excludes...),
		train.WithDevices(b.cfg.devices...),
		train.WithName(b.name),
		train.WithVersion(b.cfg.version),
	}
	if b.cfg.patienceSet {
		opts = append(opts, train.WithPatience(b.cfg.patience))
	}
	if b.cfg.validMetric != nil {
		opts = append(opts, train.WithValidationMetric(b.cfg.validMetric))
	}
	if b.cfg.summary != nil {
		opts = append(opts, train.WithSummaryWriter(b.cfg.summary))
	}
	if b.cfg.hpo != nil {
		opts = append(opts, train.WithHPOReporter(b.cfg.hpo))
	}
	if b.cfg.logger != nil {
		opts = append(opts, train.WithLogger(b.cfg.logger.With(log.EstimatorIDKey, b.id)))
	}
	opts = append(opts, b.cfg.trainerOpts...)
	return train.NewTrainer(b.model, opt, opts...)
}

// Fit trains the model. valid may be nil. On success the best snapshot is
// loaded into the model and the estimator becomes trained; on a fatal
// outcome it is left untrained.
//
// With reporting enabled from the environment every Fit is its own trial.
// A reporter passed with WithHPOReporter is used as given.
func (b *Base) Fit(ctx context.Context, trainSrc, validSrc data.Source) (*train.Outcome, error) {
	if b.hpoReporter != nil {
		trial := b.hpoReporter.NewTrial()
		b.logger.Debug("Reporting to hyperparameter search", log.HPOTrialKey, trial)
	}
	opt, err := b.newOptimizer()
	if err != nil {
		return nil, err
	}
	tr, err := b.newTrainer(opt)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("Start training",
		log.OperationKey, log.OperationFit,
		log.LearningRateKey, opt.LearningRate(),
	)
	outcome, err := tr.Run(ctx, trainSrc, validSrc)
	b.outcome = outcome
	if err != nil {
		b.state.Reset()
		return outcome, err
	}
	b.state.SetTrained(outcome.BestEpoch, outcome.BestMetric)
	b.logger.Info("Finished training",
		log.OperationKey, log.OperationFit,
		log.StatusKey, outcome.Status.String(),
		log.BestEpochKey, outcome.BestEpoch,
		log.BestMetricKey, outcome.BestMetric,
	)
	return outcome, nil
}

// PredictOption configures Predict.
type PredictOption func(*predictConfig)

type predictConfig struct {
	sampling      bool
	samplingTimes int
}

// WithSampling requests n stochastic samples per input. n must be positive.
func WithSampling(n int) PredictOption {
	return func(c *predictConfig) {
		c.sampling = true
		c.samplingTimes = n
	}
}

// Prediction holds the model outputs for every input row in source order.
type Prediction struct {
	Indices    []int
	Imputation *mat.Dense
	// Samples has one matrix per requested sample, each shaped like Imputation.
	Samples []*mat.Dense
}

// Predict runs the trained model in eval mode over src.
func (b *Base) Predict(ctx context.Context, src data.Source, opts ...PredictOption) (*Prediction, error) {
	if err := b.state.RequireTrained(b.name, "Predict"); err != nil {
		return nil, err
	}
	var pc predictConfig
	for _, o := range opts {
		o(&pc)
	}
	if pc.sampling && pc.samplingTimes <= 0 {
		return nil, errors.NewValidationError("n_sampling_times", "must be a positive integer", pc.samplingTimes)
	}

	b.model.SetMode(model.Eval)
	it, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var (
		indices []int
		preds   []mat.Matrix
		samples = make([][]mat.Matrix, pc.samplingTimes)
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		out, err := b.model.Forward(batch, model.WithSamplingTimes(pc.samplingTimes))
		if err != nil {
			return nil, err
		}
		if out.Prediction == nil {
			return nil, errors.NewModelError("Predict", "no prediction", nil)
		}
		if len(out.Samples) != pc.samplingTimes {
			return nil, errors.NewModelError("Predict",
				fmt.Sprintf("expected %d samples, got %d", pc.samplingTimes, len(out.Samples)), nil)
		}
		indices = append(indices, batch.Indices...)
		preds = append(preds, out.Prediction)
		for k, s := range out.Samples {
			samples[k] = append(samples[k], s)
		}
	}
	if len(preds) == 0 {
		return nil, errors.NewValueError("Predict", "the data source produced no batches")
	}

	b.logger.Debug("Prediction finished",
		log.OperationKey, log.OperationPredict,
		log.PhaseKey, log.PhaseInference,
		log.SamplesKey, len(indices),
	)
	p := &Prediction{Indices: indices, Imputation: stackRows(preds)}
	for _, s := range samples {
		p.Samples = append(p.Samples, stackRows(s))
	}
	return p, nil
}

// stackRows は行列を縦に連結する
func stackRows(parts []mat.Matrix) *mat.Dense {
	rows, cols := 0, 0
	for _, m := range parts {
		r, c := m.Dims()
		rows += r
		cols = c
	}
	out := mat.NewDense(rows, cols, nil)
	offset := 0
	for _, m := range parts {
		r, _ := m.Dims()
		out.Slice(offset, offset+r, 0, cols).(*mat.Dense).Copy(m)
		offset += r
	}
	return out
}

// Save writes the trained parameters to path in the configured format.
func (b *Base) Save(path string) error {
	if err := b.state.RequireTrained(b.name, "Save"); err != nil {
		return err
	}
	epoch, metric := b.state.Best()
	a := model.NewArtifact(b.name, b.cfg.version, epoch, metric, model.Capture(b.model.Parameters()), b.cfg.excludes...)
	if err := model.SaveArtifactFile(a, path, b.format); err != nil {
		return err
	}
	b.logger.Info("Saved the model to "+path,
		log.OperationKey, log.OperationSave,
		log.CheckpointPathKey, path,
	)
	return nil
}

// Load restores parameters from an artifact written by Save or by a
// checkpoint. Parameters excluded at save time keep their current values.
func (b *Base) Load(path string) error {
	a, err := model.LoadArtifactFile(path)
	if err != nil {
		return err
	}
	if a.Estimator != b.name {
		return errors.NewValueError("Load", fmt.Sprintf("artifact was saved by %s, not %s", a.Estimator, b.name))
	}
	if a.Version != b.cfg.version {
		b.logger.Warn("The artifact was saved by a different version",
			log.ConfigVersionKey, a.Version,
			log.CheckpointPathKey, path,
		)
	}
	sd, err := a.StateDict()
	if err != nil {
		return err
	}
	params := b.model.Parameters()
	for _, p := range params {
		if _, ok := sd[p.Name]; !ok && excluded(p.Name, b.cfg.excludes) {
			sd[p.Name] = mat.DenseCopyOf(p.Value)
		}
	}
	if err := sd.LoadInto(params); err != nil {
		return err
	}
	b.state.SetTrained(a.Epoch, a.Metric)
	b.logger.Info("Model loaded successfully from "+path,
		log.OperationKey, log.OperationLoad,
		log.CheckpointPathKey, path,
	)
	return nil
}

func excluded(name string, subs []string) bool {
	for _, s := range subs {
		if s != "" && strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// Close releases the HPO report file opened from the environment.
func (b *Base) Close() error {
	if b.hpoReporter == nil {
		return nil
	}
	return b.hpoReporter.Close()
}
