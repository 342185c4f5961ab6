package estimator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gopots/core/model"
	"github.com/YuminosukeSato/gopots/data"
	"github.com/YuminosukeSato/gopots/hpo"
	"github.com/YuminosukeSato/gopots/linear"
	"github.com/YuminosukeSato/gopots/nn/loss"
	"github.com/YuminosukeSato/gopots/optim"
	"github.com/YuminosukeSato/gopots/pkg/errors"
	"github.com/YuminosukeSato/gopots/pkg/log"
	"github.com/YuminosukeSato/gopots/train"
)

// makeSource は 3 特徴量 (x, 2x, -x) にランダムな欠損を入れたデータソースを作る
func makeSource(t *testing.T, rows int, seed uint64) data.Source {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed))
	X := mat.NewDense(rows, 3, nil)
	for i := 0; i < rows; i++ {
		x := rng.Float64()*2 - 1
		X.SetRow(i, []float64{x, 2 * x, -x})
		if rng.Float64() < 0.1 {
			X.Set(i, rng.IntN(3), math.NaN())
		}
	}
	fields, err := data.NewMasker(seed).MaskObserved(X, 0.2)
	if err != nil {
		t.Fatal(err)
	}
	src, err := data.NewSliceSource(fields, 16)
	if err != nil {
		t.Fatal(err)
	}
	return src
}

func newLinear(t *testing.T, seed uint64) *linear.Regression {
	t.Helper()
	m, err := linear.NewRegression(3, linear.WithSeed(seed))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func quiet() log.Logger {
	l, _ := log.NewTestLogger(log.LevelDebug)
	return l
}

func TestNotTrainedGuard(t *testing.T) {
	est, err := New(newLinear(t, 1), WithLogger(quiet()), WithEpochs(2))
	if err != nil {
		t.Fatal(err)
	}
	var nf *errors.NotFittedError
	if _, err := est.Predict(context.Background(), makeSource(t, 8, 1)); !errors.As(err, &nf) {
		t.Errorf("Predict: got %v, want NotFittedError", err)
	}
	if err := est.Save(filepath.Join(t.TempDir(), "m.pots")); !errors.As(err, &nf) {
		t.Errorf("Save: got %v, want NotFittedError", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"saving strategy", []Option{WithSaving("sometimes", t.TempDir())}},
		{"artifact format", []Option{WithArtifactFormat("yaml")}},
		{"optimizer", []Option{WithOptimizer("lbfgs")}},
		{"patience", []Option{WithPatience(0)}},
		{"device", []Option{WithDevices("gpu")}},
		{"version", []Option{WithVersion("")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]Option{WithLogger(quiet())}, tt.opts...)
			_, err := New(newLinear(t, 1), opts...)
			var ce *errors.ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("got %v, want ConfigError", err)
			}
		})
	}
}

func TestModelSizeIsLogged(t *testing.T) {
	tl, _ := log.NewTestLogger(log.LevelDebug)
	if _, err := New(newLinear(t, 1), WithLogger(tl)); err != nil {
		t.Fatal(err)
	}
	// W は 3x3、b は 1x3
	if !tl.ContainsField(log.TrainableParamsKey, float64(12)) {
		t.Error("trainable parameter count not logged")
	}
}

func TestFitPredictSaveLoad(t *testing.T) {
	for _, format := range []string{"gob", "json", "proto"} {
		t.Run(format, func(t *testing.T) {
			ctx := context.Background()
			est, err := New(newLinear(t, 1),
				WithLogger(quiet()),
				WithEpochs(30),
				WithPatience(10),
				WithOptimizer("adam", optim.WithLearningRate(0.05)),
				WithValidationMetric(loss.MAE()),
				WithArtifactFormat(format),
				WithHPOReporter(nil),
			)
			if err != nil {
				t.Fatal(err)
			}
			outcome, err := est.Fit(ctx, makeSource(t, 128, 2), makeSource(t, 32, 3))
			if err != nil {
				t.Fatal(err)
			}
			if !outcome.Status.Usable() || !est.IsTrained() {
				t.Fatalf("status %v, trained %v", outcome.Status, est.IsTrained())
			}
			if outcome.BestMetric > 0.4 {
				t.Errorf("best MAE %v, want < 0.4", outcome.BestMetric)
			}

			test := makeSource(t, 20, 4)
			pred, err := est.Predict(ctx, test)
			if err != nil {
				t.Fatal(err)
			}
			if r, c := pred.Imputation.Dims(); r != 20 || c != 3 {
				t.Fatalf("imputation is %dx%d", r, c)
			}
			if len(pred.Indices) != 20 || pred.Samples != nil {
				t.Errorf("indices %d, samples %d", len(pred.Indices), len(pred.Samples))
			}

			path := filepath.Join(t.TempDir(), "linear.pots")
			if err := est.Save(path); err != nil {
				t.Fatal(err)
			}
			restored, err := New(newLinear(t, 99), WithLogger(quiet()))
			if err != nil {
				t.Fatal(err)
			}
			if err := restored.Load(path); err != nil {
				t.Fatal(err)
			}
			again, err := restored.Predict(ctx, test)
			if err != nil {
				t.Fatal(err)
			}
			if !mat.EqualApprox(pred.Imputation, again.Imputation, 1e-12) {
				t.Error("restored estimator predicts differently")
			}
		})
	}
}

func TestPredictSampling(t *testing.T) {
	ctx := context.Background()
	est, err := New(newLinear(t, 1), WithLogger(quiet()), WithEpochs(3), WithHPOReporter(nil))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := est.Fit(ctx, makeSource(t, 64, 5), nil); err != nil {
		t.Fatal(err)
	}

	for _, n := range []int{0, -2} {
		var ve *errors.ValidationError
		if _, err := est.Predict(ctx, makeSource(t, 8, 6), WithSampling(n)); !errors.As(err, &ve) {
			t.Errorf("WithSampling(%d): got %v, want ValidationError", n, err)
		}
	}
	pred, err := est.Predict(ctx, makeSource(t, 40, 6), WithSampling(3))
	if err != nil {
		t.Fatal(err)
	}
	if len(pred.Samples) != 3 {
		t.Fatalf("got %d samples, want 3", len(pred.Samples))
	}
	if r, _ := pred.Samples[2].Dims(); r != 40 {
		t.Errorf("sample has %d rows, want 40", r)
	}
}

func TestFitWithoutSnapshotLeavesUntrained(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	est, err := New(newLinear(t, 1), WithLogger(quiet()), WithEpochs(3), WithHPOReporter(nil))
	if err != nil {
		t.Fatal(err)
	}
	outcome, err := est.Fit(ctx, makeSource(t, 32, 7), nil)
	var de *errors.DivergenceError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want DivergenceError", err)
	}
	if outcome.Status != train.FailedFatal || est.IsTrained() {
		t.Errorf("status %v, trained %v", outcome.Status, est.IsTrained())
	}
}

func TestLoadRejectsForeignArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saits.pots")
	m := newLinear(t, 1)
	a := model.NewArtifact("SAITS", Version, 3, 0.1, model.Capture(m.Parameters()))
	if err := model.SaveArtifactFile(a, path, model.FormatGob); err != nil {
		t.Fatal(err)
	}
	est, err := New(m, WithLogger(quiet()), WithHPOReporter(nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := est.Load(path); err == nil {
		t.Error("loading another estimator's artifact should fail")
	}
	if est.IsTrained() {
		t.Error("failed Load marked the estimator trained")
	}
}

func TestLoadKeepsExcludedParameters(t *testing.T) {
	ctx := context.Background()
	est, err := New(newLinear(t, 1),
		WithLogger(quiet()), WithEpochs(3), WithExcludeParams("bias"), WithHPOReporter(nil))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := est.Fit(ctx, makeSource(t, 32, 8), nil); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "m.pots")
	if err := est.Save(path); err != nil {
		t.Fatal(err)
	}

	fresh := newLinear(t, 5)
	bias := mat.DenseCopyOf(fresh.Parameters()[1].Value)
	restored, err := New(fresh, WithLogger(quiet()), WithExcludeParams("bias"), WithHPOReporter(nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.Load(path); err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(fresh.Parameters()[1].Value, bias) {
		t.Error("excluded bias was overwritten")
	}
	if !mat.Equal(fresh.Parameters()[0].Value, est.Model().Parameters()[0].Value) {
		t.Error("weight was not restored")
	}
}

func TestHPOReportingFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hpo.jsonl")
	t.Setenv(hpo.EnvEnable, "true")
	t.Setenv(hpo.EnvReportFile, path)

	est, err := New(newLinear(t, 1), WithLogger(quiet()), WithEpochs(3))
	if err != nil {
		t.Fatal(err)
	}
	// each Fit reports as its own trial
	for i := 0; i < 2; i++ {
		if _, err := est.Fit(context.Background(), makeSource(t, 32, 9), nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := est.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var recs []hpo.Record
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var r hpo.Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatal(err)
		}
		recs = append(recs, r)
	}
	want := []string{hpo.KindIntermediate, hpo.KindIntermediate, hpo.KindIntermediate, hpo.KindFinal}
	if len(recs) != 2*len(want) {
		t.Fatalf("got %d records, want %d", len(recs), 2*len(want))
	}
	for i, r := range recs {
		if r.Kind != want[i%len(want)] {
			t.Errorf("record %d kind %s, want %s", i, r.Kind, want[i%len(want)])
		}
		if r.Trial != recs[i/len(want)*len(want)].Trial {
			t.Errorf("record %d belongs to trial %s", i, r.Trial)
		}
	}
	if recs[0].Trial == recs[len(want)].Trial {
		t.Error("the second Fit reused the first trial")
	}
}
