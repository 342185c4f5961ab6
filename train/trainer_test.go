package train

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gopots/core/model"
	"github.com/YuminosukeSato/gopots/data"
	"github.com/YuminosukeSato/gopots/nn/loss"
	"github.com/YuminosukeSato/gopots/pkg/errors"
	"github.com/YuminosukeSato/gopots/pkg/log"
)

func weight(m *scriptedModel) float64 { return m.w.Value.At(0, 0) }

func TestScenarioEarlyStopLowerIsBetter(t *testing.T) {
	m := newScriptedModel(5, 4, 3, 3, 3)
	out, tl, err := runScripted(t, m, WithEpochs(10), WithPatience(2))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != EarlyStopped {
		t.Errorf("Status = %v, want early_stopped", out.Status)
	}
	if out.BestEpoch != 3 || out.BestMetric != 3 {
		t.Errorf("best = epoch %d metric %v, want epoch 3 metric 3", out.BestEpoch, out.BestMetric)
	}
	if out.EpochsRun != 5 {
		t.Errorf("EpochsRun = %d, want 5", out.EpochsRun)
	}
	// weight after epoch 3
	if weight(m) != -3 {
		t.Errorf("loaded weight = %v, want -3", weight(m))
	}
	if !tl.ContainsMessage("Exceeded the training patience") {
		t.Error("missing early stop log line")
	}
	if !tl.ContainsMessage("Epoch 003 - training loss (loss): 3.0000, validation loss: 3.0000") {
		t.Error("missing per-epoch log line")
	}
}

func TestScenarioHigherIsBetterWithoutPatience(t *testing.T) {
	m := newScriptedModel(0.5, 0.6, 0.55)
	tl, _ := quietLogger()
	tr, err := NewTrainer(m, sgd(t), WithEpochs(3), WithLogger(tl), WithValidationMetric(higherLoss{}), WithValidationFields(data.FieldX, ""))
	if err != nil {
		t.Fatal(err)
	}
	src := oneBatchSource(t)
	out, err := tr.Run(context.Background(), src, src)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != Completed || out.EpochsRun != 3 {
		t.Errorf("Status = %v after %d epochs", out.Status, out.EpochsRun)
	}
	if out.BestEpoch != 2 || out.BestMetric != 0.6 {
		t.Errorf("best = epoch %d metric %v, want epoch 2 metric 0.6", out.BestEpoch, out.BestMetric)
	}
	if weight(m) != -2 {
		t.Errorf("loaded weight = %v, want -2", weight(m))
	}
}

// higherLoss is a higher-is-better criterion that reads the scripted value
// from the prediction field.
type higherLoss struct{}

func (higherLoss) Name() string              { return "Score" }
func (higherLoss) Direction() loss.Direction { return loss.HigherIsBetter }
func (higherLoss) Compute(pred, _, _ mat.Matrix) (float64, error) {
	return pred.At(0, 0), nil
}

func TestScenarioInterruptWithSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newScriptedModel(5, 4, 3, 2)
	m.trainHook = func(epoch int) error {
		if epoch == 3 {
			cancel()
		}
		return nil
	}
	logger, tl := quietLogger()
	tr, err := NewTrainer(m, sgd(t), WithEpochs(10), WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	src := oneBatchSource(t)
	out, err := tr.Run(ctx, src, src)
	if err != nil {
		t.Fatalf("interrupt with a snapshot must not be fatal: %v", err)
	}
	if out.Status != InterruptedWithSnapshot {
		t.Errorf("Status = %v", out.Status)
	}
	var interrupted *errors.InterruptedError
	if !errors.As(out.Cause, &interrupted) || interrupted.Epoch != 3 {
		t.Errorf("Cause = %v, want InterruptedError at epoch 3", out.Cause)
	}
	if out.BestEpoch != 2 || weight(m) != -2 {
		t.Errorf("best epoch %d, weight %v; want epoch 2 snapshot", out.BestEpoch, weight(m))
	}
	if !tl.ContainsMessage("Training got interrupted") {
		t.Error("missing interrupt warning")
	}
}

func TestScenarioFatalBeforeFirstEpoch(t *testing.T) {
	boom := errors.New("out of memory")
	m := newScriptedModel(1)
	m.trainHook = func(int) error { return boom }

	out, _, err := runScripted(t, m, WithEpochs(5))
	var div *errors.DivergenceError
	if !errors.As(err, &div) {
		t.Fatalf("expected DivergenceError, got %v", err)
	}
	var failure *errors.EpochFailureError
	if !errors.As(err, &failure) || failure.Epoch != 1 || failure.Phase != log.PhaseTraining {
		t.Errorf("expected EpochFailureError in epoch 1, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Error("root cause lost")
	}
	if out.Status != FailedFatal || out.Status.Usable() {
		t.Errorf("Status = %v", out.Status)
	}
	if weight(m) != 0 {
		t.Errorf("weight changed to %v", weight(m))
	}
}

func TestEpochFailureAfterSnapshot(t *testing.T) {
	m := newScriptedModel(5, 4, 3)
	m.trainHook = func(epoch int) error {
		if epoch == 3 {
			panic("index out of range")
		}
		return nil
	}
	out, _, err := runScripted(t, m, WithEpochs(5))
	if err != nil {
		t.Fatalf("failure after a snapshot must be recoverable: %v", err)
	}
	if out.Status != InterruptedWithSnapshot || out.BestEpoch != 2 {
		t.Errorf("Status = %v, best epoch %d", out.Status, out.BestEpoch)
	}
	var pe *errors.PanicError
	if !errors.As(out.Cause, &pe) {
		t.Errorf("Cause = %v, want a recovered panic", out.Cause)
	}
	if weight(m) != -2 {
		t.Errorf("weight = %v, want -2", weight(m))
	}
}

func TestScenarioBetterStrategySavesOnImprovement(t *testing.T) {
	dir := t.TempDir()
	m := newScriptedModel(5, 4, 4.5, 3)
	out, _, err := runScripted(t, m,
		WithEpochs(4),
		WithSavingStrategy(SaveBetter),
		WithSavingPath(dir),
		WithVersion("0.1.0"),
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Checkpoints) != 3 {
		t.Fatalf("saved %d artifacts, want 3: %v", len(out.Checkpoints), out.Checkpoints)
	}
	var names []string
	for _, p := range out.Checkpoints {
		names = append(names, filepath.Base(p))
	}
	want := []string{
		"Scripted_epoch1_loss5.0000.pots",
		"Scripted_epoch2_loss4.0000.pots",
		"Scripted_epoch4_loss3.0000.pots",
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("artifact %d = %s, want %s", i, names[i], want[i])
		}
	}
	for _, n := range names {
		if strings.Contains(n, "epoch3") {
			t.Error("epoch 3 did not improve and must not be saved")
		}
	}

	a, err := model.LoadArtifactFile(out.Checkpoints[1])
	if err != nil {
		t.Fatal(err)
	}
	if a.Epoch != 2 || a.Version != "0.1.0" || a.Estimator != "Scripted" {
		t.Errorf("artifact header = %+v", a)
	}
	sd, err := a.StateDict()
	if err != nil {
		t.Fatal(err)
	}
	if got := sd["w"].At(0, 0); got != -2 {
		t.Errorf("artifact weight = %v, want -2", got)
	}
}

func TestSavingStrategies(t *testing.T) {
	tests := []struct {
		name      string
		strategy  SavingStrategy
		path      bool
		wantFiles []string
	}{
		{"none", SaveNone, true, nil},
		{"best", SaveBest, true, []string{"Scripted_epoch2_loss1.0000.pots"}},
		{"all", SaveAll, true, []string{
			"Scripted_epoch1_loss2.0000.pots",
			"Scripted_epoch2_loss1.0000.pots",
			"Scripted_epoch3_loss1.5000.pots",
		}},
		{"all without path", SaveAll, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			opts := []Option{WithEpochs(3), WithSavingStrategy(tt.strategy)}
			if tt.path {
				opts = append(opts, WithSavingPath(root))
			}
			out, _, err := runScripted(t, newScriptedModel(2, 1, 1.5), opts...)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, p := range out.Checkpoints {
				got = append(got, filepath.Base(p))
			}
			sort.Strings(got)
			if strings.Join(got, ",") != strings.Join(tt.wantFiles, ",") {
				t.Errorf("saved %v, want %v", got, tt.wantFiles)
			}
			if len(tt.wantFiles) == 0 {
				entries, _ := os.ReadDir(root)
				if len(entries) != 0 {
					t.Error("run directory must only be created on first write")
				}
			}
		})
	}
}

func TestNaNNeverBecomesBest(t *testing.T) {
	nan := math.NaN()
	m := newScriptedModel(nan, 2, nan, nan)
	out, tl, err := runScripted(t, m, WithEpochs(10), WithPatience(2))
	if err != nil {
		t.Fatal(err)
	}
	if out.BestEpoch != 2 || out.BestMetric != 2 {
		t.Errorf("best = epoch %d metric %v", out.BestEpoch, out.BestMetric)
	}
	if out.Status != EarlyStopped || out.EpochsRun != 4 {
		t.Errorf("Status = %v after %d epochs, want early stop after 4", out.Status, out.EpochsRun)
	}
	if !tl.ContainsMessage("got NaN metric") {
		t.Error("NaN should be reported as a warning")
	}
}

func TestAllNaNIsFatal(t *testing.T) {
	nan := math.NaN()
	out, _, err := runScripted(t, newScriptedModel(nan, nan), WithEpochs(2))
	var div *errors.DivergenceError
	if !errors.As(err, &div) {
		t.Fatalf("expected DivergenceError, got %v", err)
	}
	if out.Status != FailedFatal || out.BestEpoch != 0 || !math.IsInf(out.BestMetric, 1) {
		t.Errorf("outcome = %+v", out)
	}
}

func TestHPOAndSummaryReporting(t *testing.T) {
	hpo := &recordingHPO{}
	scalars := &recordingScalars{}
	_, _, err := runScripted(t, newScriptedModel(3, 2, 2.5),
		WithEpochs(3),
		WithHPOReporter(hpo),
		WithSummaryWriter(scalars),
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(hpo.intermediate) != 3 || hpo.intermediate[2] != 2.5 {
		t.Errorf("intermediate = %v", hpo.intermediate)
	}
	if len(hpo.final) != 1 || hpo.final[0] != 2 {
		t.Errorf("final = %v, want [2]", hpo.final)
	}
	if scalars.calls[log.PhaseTraining] != 3 || scalars.calls[log.PhaseValidation] != 3 {
		t.Errorf("scalar calls = %v", scalars.calls)
	}
}

func TestValidationUsesZeroSamplingTimes(t *testing.T) {
	m := newScriptedModel(1, 1)
	m.lastSampling = -1
	if _, _, err := runScripted(t, m, WithEpochs(2)); err != nil {
		t.Fatal(err)
	}
	if m.lastSampling != 0 {
		t.Errorf("validation forward used %d samples, want 0", m.lastSampling)
	}
}

func TestRunWithoutValidationUsesTrainingLoss(t *testing.T) {
	m := newScriptedModel(4, 1, 2)
	logger, _ := quietLogger()
	tr, err := NewTrainer(m, sgd(t), WithEpochs(3), WithLogger(logger), WithTrainingLoss("MSE"))
	if err != nil {
		t.Fatal(err)
	}
	out, err := tr.Run(context.Background(), oneBatchSource(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.BestEpoch != 2 || !math.IsNaN(out.History[0].ValidationMetric) {
		t.Errorf("best epoch %d, history %+v", out.BestEpoch, out.History)
	}
}

func TestNaNTrainingLossContinuesWithoutValidation(t *testing.T) {
	m := newScriptedModel(3, math.NaN(), 2, 1)
	logger, tl := quietLogger()
	tr, err := NewTrainer(m, sgd(t), WithEpochs(4), WithPatience(3), WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	out, err := tr.Run(context.Background(), oneBatchSource(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != Completed || out.EpochsRun != 4 {
		t.Errorf("Status = %v after %d epochs, want completed after 4", out.Status, out.EpochsRun)
	}
	if out.Cause != nil {
		t.Errorf("Cause = %v, want nil", out.Cause)
	}
	if out.BestEpoch != 4 || out.BestMetric != 1 {
		t.Errorf("best = epoch %d metric %v, want epoch 4 metric 1", out.BestEpoch, out.BestMetric)
	}
	if !math.IsNaN(out.History[1].TrainingLoss) {
		t.Errorf("epoch 2 loss = %v, want NaN", out.History[1].TrainingLoss)
	}
	// epoch 2 skipped its update
	if weight(m) != -3 {
		t.Errorf("loaded weight = %v, want -3", weight(m))
	}
	if !tl.ContainsMessage("got NaN metric") {
		t.Error("NaN should be reported as a warning")
	}
	if !tl.ContainsMessage("Skipping the parameter update") {
		t.Error("the skipped update should be logged")
	}
}

func TestEmptyEpochIsNaN(t *testing.T) {
	empty := sourceFunc(func(context.Context) (data.Iterator, error) { return emptyIter{}, nil })
	logger, _ := quietLogger()
	tr, err := NewTrainer(newScriptedModel(1), sgd(t), WithEpochs(2), WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	out, err := tr.Run(context.Background(), empty, nil)
	if err == nil {
		t.Fatal("a run without batches must not produce a model")
	}
	if !math.IsNaN(out.History[0].TrainingLoss) {
		t.Errorf("empty epoch loss = %v, want NaN", out.History[0].TrainingLoss)
	}
}

type sourceFunc func(context.Context) (data.Iterator, error)

func (f sourceFunc) Open(ctx context.Context) (data.Iterator, error) { return f(ctx) }

type emptyIter struct{}

func (emptyIter) Next(context.Context) (*data.Batch, error) { return nil, io.EOF }
func (emptyIter) Close() error                              { return nil }

func TestNewTrainerValidation(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"zero epochs", []Option{WithEpochs(0)}},
		{"zero patience", []Option{WithPatience(0)}},
		{"patience above epochs", []Option{WithEpochs(2), WithPatience(3)}},
		{"bad device", []Option{WithDevices("gpu:0")}},
		{"multi device without replication", []Option{WithDevices("cpu:0", "cpu:1")}},
		{"bad strategy", []Option{WithSavingStrategy(SavingStrategy(9))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTrainer(newScriptedModel(1), sgd(t), tt.opts...)
			if err == nil {
				t.Fatal("expected configuration error")
			}
			var cfg *errors.ConfigError
			var val *errors.ValidationError
			if !errors.As(err, &cfg) && !errors.As(err, &val) {
				t.Errorf("unexpected error type %T: %v", err, err)
			}
		})
	}
}

func TestMultiDeviceRun(t *testing.T) {
	src, err := data.NewSliceSource(map[string]*mat.Dense{
		data.FieldX: mat.NewDense(4, 1, []float64{1, 2, 3, 4}),
	}, 4)
	if err != nil {
		t.Fatal(err)
	}
	m := newSumModel(1)
	logger, tl := quietLogger()
	tr, err := NewTrainer(m, sgd(t), WithEpochs(1), WithDevices("cpu:0", "cpu:1"), WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	out, err := tr.Run(context.Background(), src, nil)
	if err != nil {
		t.Fatal(err)
	}
	// loss = w·Σx = 10, gradient Σx = 10, SGD(lr=1) → w = 1 - 10
	if out.History[0].TrainingLoss != 10 || m.w.Value.At(0, 0) != -9 {
		t.Errorf("loss %v, w %v", out.History[0].TrainingLoss, m.w.Value.At(0, 0))
	}
	if !tl.ContainsField(log.DevicesKey, "cpu:0,cpu:1") {
		t.Error("devices were not logged")
	}
}
