// Package train drives the training lifecycle of an estimator: the epoch loop,
// best-model tracking, early stopping, checkpointing, failure recovery and
// device-parallel execution.
package train

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gopots/core/model"
	"github.com/YuminosukeSato/gopots/data"
	"github.com/YuminosukeSato/gopots/nn/loss"
	"github.com/YuminosukeSato/gopots/optim"
	"github.com/YuminosukeSato/gopots/pkg/errors"
	"github.com/YuminosukeSato/gopots/pkg/log"
)

// Trainer runs the epoch loop for one model and optimizer.
type Trainer struct {
	model      model.Model
	optimizer  optim.Optimizer
	dispatcher *Dispatcher
	cfg        config
	logger     log.Logger
	step       int
}

// NewTrainer validates the options and prepares the device dispatcher.
// Configuration errors are returned before any epoch runs.
func NewTrainer(m model.Model, opt optim.Optimizer, opts ...Option) (*Trainer, error) {
	if m == nil || opt == nil {
		return nil, errors.NewValueError("NewTrainer", "model and optimizer are required")
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.name == "" {
		cfg.name = "Model"
		if n, ok := m.(model.Named); ok {
			cfg.name = n.Name()
		}
	}
	dispatcher, err := NewDispatcher(m, cfg.devices...)
	if err != nil {
		return nil, err
	}
	logger := cfg.logger
	if logger == nil {
		logger = log.GetLoggerWithName("train")
	}
	return &Trainer{
		model:      m,
		optimizer:  opt,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With(log.ModelNameKey, cfg.name),
	}, nil
}

// Direction returns the direction used for model selection.
func (t *Trainer) Direction() loss.Direction {
	if t.cfg.validMetric != nil {
		return t.cfg.validMetric.Direction()
	}
	return loss.LowerIsBetter
}

// MetricName returns the name of the metric used for model selection when
// validation data is present.
func (t *Trainer) MetricName() string {
	if t.cfg.validMetric != nil {
		return t.cfg.validMetric.Name()
	}
	return t.cfg.trainingLossName
}

// Run trains until the epoch budget is spent, patience runs out, ctx is
// cancelled or an epoch fails. valid may be nil.
//
// On any exit with a recorded best snapshot the snapshot is loaded into the
// model and a usable Outcome is returned with a nil error. When no usable
// model was produced the Outcome has Status FailedFatal and the error is a
// DivergenceError wrapping the cause.
func (t *Trainer) Run(ctx context.Context, train, valid data.Source) (*Outcome, error) {
	if train == nil {
		return nil, errors.NewValueError("Trainer.Run", "training data is required")
	}
	params := t.model.Parameters()
	if err := t.optimizer.Bind(params); err != nil {
		return nil, errors.Wrap(err, "failed to bind optimizer")
	}
	t.dispatcher.LogHost(t.logger)
	t.step = 0

	metricName := t.cfg.trainingLossName
	direction := loss.LowerIsBetter
	if valid != nil {
		metricName = t.MetricName()
		direction = t.Direction()
	}
	es := NewEarlyStopping(direction, t.cfg.patience)
	state := es.State()
	ckpt := NewCheckpointManager(t.cfg.strategy, t.cfg.savingPath, t.cfg.name, t.cfg.version,
		metricName, t.cfg.format, t.cfg.excludes, t.logger)

	outcome := &Outcome{Status: Completed}
	var cause error

	for epoch := 1; epoch <= t.cfg.epochs; epoch++ {
		start := time.Now()
		rec, err := t.runEpoch(ctx, epoch, train, valid)
		if err != nil {
			if errors.IsInterrupt(err) {
				cause = errors.NewInterruptedError(epoch, err)
				t.logger.Warn("Training got interrupted", log.EpochKey, epoch)
			} else {
				cause = err
				t.logger.Error("Exception happened during training", err, log.EpochKey, epoch)
			}
			break
		}
		rec.Duration = time.Since(start)
		outcome.EpochsRun = epoch

		if math.IsNaN(rec.Metric) {
			t.logger.Warn("Attention: got NaN metric, the model may be diverging",
				log.EpochKey, epoch,
				log.MetricNameKey, metricName,
			)
		}

		obs := es.Observe(epoch, rec.Metric)
		rec.IsNewBest = obs.IsNewBest
		if obs.IsNewBest {
			state.BestSnapshot = model.Capture(params)
		}
		outcome.History = append(outcome.History, rec)
		t.logEpoch(rec, valid != nil, metricName, state)

		// checkpoint failures are logged by the manager and never stop training
		_ = ckpt.OnEpoch(epoch, rec.Metric, obs.IsNewBest, func() model.StateDict {
			if obs.IsNewBest {
				return state.BestSnapshot
			}
			return model.Capture(params)
		})

		if t.cfg.hpo != nil {
			if err := t.cfg.hpo.ReportIntermediate(rec.Metric); err != nil {
				t.logger.Warn("Failed to report intermediate result", log.EpochKey, epoch, "error", err.Error())
			}
		}

		if obs.ShouldStop {
			t.logger.Info("Exceeded the training patience. Terminating the training procedure...",
				log.EpochKey, epoch,
				log.BestEpochKey, state.BestEpoch,
			)
			outcome.Status = EarlyStopped
			break
		}
	}

	outcome.BestEpoch = state.BestEpoch
	outcome.BestMetric = state.BestMetric
	outcome.Cause = cause

	if !state.HasSnapshot() || !errors.IsFinite(state.BestMetric) {
		reason := "no epoch produced a usable metric"
		if cause != nil {
			reason = "training failed before any best model was recorded"
		} else if state.HasSnapshot() {
			reason = fmt.Sprintf("best %s is %v after training", metricName, state.BestMetric)
		}
		return t.fail(outcome, reason, cause)
	}

	if err := state.BestSnapshot.LoadInto(params); err != nil {
		return t.fail(outcome, "failed to load the best snapshot", err)
	}

	if cause != nil {
		outcome.Status = InterruptedWithSnapshot
		t.logger.Warn("Training stopped early, the best model so far has been loaded",
			log.BestEpochKey, state.BestEpoch,
			log.BestMetricKey, state.BestMetric,
			"error", cause.Error(),
		)
	} else if t.cfg.hpo != nil {
		if err := t.cfg.hpo.ReportFinal(state.BestMetric); err != nil {
			t.logger.Warn("Failed to report final result", "error", err.Error())
		}
	}

	_ = ckpt.Finalize(state)
	outcome.Checkpoints = ckpt.Saved()

	t.logger.Info("Finished training. The best model is from epoch",
		log.BestEpochKey, state.BestEpoch,
		log.BestMetricKey, state.BestMetric,
		log.StatusKey, outcome.Status.String(),
	)
	return outcome, nil
}

func (t *Trainer) fail(outcome *Outcome, reason string, cause error) (*Outcome, error) {
	outcome.Status = FailedFatal
	err := errors.NewDivergenceError(t.cfg.name, reason, cause)
	outcome.Cause = err
	t.logger.Error("Training produced no usable model", err, log.StatusKey, outcome.Status.String())
	return outcome, err
}

// runEpoch runs one training pass and the optional validation pass.
// Errors other than interrupts are wrapped in an EpochFailureError.
func (t *Trainer) runEpoch(ctx context.Context, epoch int, train, valid data.Source) (EpochRecord, error) {
	rec := EpochRecord{Epoch: epoch, ValidationMetric: math.NaN()}

	var trainLoss float64
	err := errors.SafeExecute("training epoch", func() error {
		var err error
		trainLoss, err = t.trainPass(ctx, train)
		return err
	})
	if err != nil {
		return rec, t.epochError(epoch, log.PhaseTraining, err)
	}
	rec.TrainingLoss = trainLoss
	rec.Metric = trainLoss

	if valid == nil {
		return rec, nil
	}
	var metric float64
	err = errors.SafeExecute("validation epoch", func() error {
		var err error
		metric, err = t.validPass(ctx, epoch, valid)
		return err
	})
	if err != nil {
		return rec, t.epochError(epoch, log.PhaseValidation, err)
	}
	rec.ValidationMetric = metric
	rec.Metric = metric
	return rec, nil
}

func (t *Trainer) epochError(epoch int, phase string, err error) error {
	if errors.IsInterrupt(err) {
		return err
	}
	return errors.NewEpochFailureError(epoch, phase, err)
}

func (t *Trainer) trainPass(ctx context.Context, src data.Source) (float64, error) {
	t.dispatcher.SetMode(model.Train)
	it, err := src.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var sum float64
	var n int
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		l, err := t.dispatcher.ForwardBackward(ctx, batch, t.optimizer)
		if err != nil {
			return 0, err
		}
		t.step++
		// a non-finite batch loss is kept in the epoch mean and the update is skipped
		if err := errors.CheckScalar("training loss", l, t.step); err != nil {
			t.logger.Warn("Skipping the parameter update for a non-finite batch loss",
				log.StepKey, t.step,
				"error", err.Error(),
			)
		} else if err := t.optimizer.Step(); err != nil {
			return 0, err
		}
		if t.cfg.summary != nil {
			_ = t.cfg.summary.AddScalars(log.PhaseTraining, t.step, map[string]float64{t.cfg.trainingLossName: l})
		}
		sum += l
		n++
	}
	if n == 0 {
		return math.NaN(), nil
	}
	return sum / float64(n), nil
}

func (t *Trainer) validPass(ctx context.Context, epoch int, src data.Source) (float64, error) {
	t.dispatcher.SetMode(model.Eval)
	it, err := src.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var sum float64
	var n int
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		out, err := t.dispatcher.Forward(ctx, batch, t.cfg.validForwardOpts...)
		if err != nil {
			return 0, err
		}
		m, err := t.batchMetric(batch, out)
		if err != nil {
			return 0, err
		}
		sum += m
		n++
	}
	mean := math.NaN()
	if n > 0 {
		mean = sum / float64(n)
	}
	if t.cfg.summary != nil {
		_ = t.cfg.summary.AddScalars(log.PhaseValidation, epoch, map[string]float64{t.MetricName(): mean})
	}
	return mean, nil
}

// batchMetric evaluates the validation criterion on one batch, or returns the
// model's own loss when no criterion is configured.
func (t *Trainer) batchMetric(batch *data.Batch, out *model.Outputs) (float64, error) {
	if out == nil {
		return 0, errors.NewModelError("Trainer.validate", "forward returned no outputs", nil)
	}
	c := t.cfg.validMetric
	if c == nil {
		if out.Loss == nil {
			return 0, errors.NewModelError("Trainer.validate", "forward returned no loss and no validation metric is set", nil)
		}
		return out.Loss.Value(), nil
	}

	target, err := batch.Field(t.cfg.targetField)
	if err != nil {
		return 0, err
	}
	var mask mat.Matrix
	if t.cfg.maskField != "" && batch.Has(t.cfg.maskField) {
		mask, _ = batch.Field(t.cfg.maskField)
	}
	if sc, ok := c.(loss.SampleCriterion); ok && len(out.Samples) > 0 {
		return sc.ComputeSamples(out.Samples, target, mask)
	}
	if out.Prediction == nil {
		return 0, errors.NewModelError("Trainer.validate", "forward returned no prediction", nil)
	}
	return c.Compute(out.Prediction, target, mask)
}

func (t *Trainer) logEpoch(rec EpochRecord, hasValid bool, metricName string, state *State) {
	msg := fmt.Sprintf("Epoch %03d - training loss (%s): %.4f", rec.Epoch, t.cfg.trainingLossName, rec.TrainingLoss)
	fields := []any{
		log.EpochKey, rec.Epoch,
		log.LossKey, rec.TrainingLoss,
		log.DurationMsKey, rec.Duration.Milliseconds(),
	}
	if hasValid {
		msg += fmt.Sprintf(", validation %s: %.4f", metricName, rec.ValidationMetric)
		fields = append(fields, log.MetricNameKey, metricName, log.MetricKey, rec.ValidationMetric)
	}
	if state.PatienceOriginal != math.MaxInt {
		fields = append(fields, log.PatienceKey, state.PatienceRemaining)
	}
	t.logger.Info(msg, fields...)
}
