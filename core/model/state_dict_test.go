package model

import (
	"errors"
	"sync/atomic"
	"testing"

	"gonum.org/v1/gonum/mat"

	scierrors "github.com/YuminosukeSato/gopots/pkg/errors"
)

func testParams() []*Parameter {
	return []*Parameter{
		NewParameter("encoder.weight", mat.NewDense(2, 2, []float64{1, 2, 3, 4})),
		NewParameter("encoder.bias", mat.NewDense(1, 2, []float64{0.5, -0.5})),
	}
}

func TestCaptureIsDeepCopy(t *testing.T) {
	params := testParams()
	sd := Capture(params)

	params[0].Value.Set(0, 0, 100)
	if sd["encoder.weight"].At(0, 0) != 1 {
		t.Error("snapshot must not share memory with live parameters")
	}
}

func TestLoadIntoKeepsPointers(t *testing.T) {
	params := testParams()
	sd := Capture(params)
	original := params[0].Value

	params[0].Value.Set(1, 1, -9)
	if err := sd.LoadInto(params); err != nil {
		t.Fatal(err)
	}
	if params[0].Value != original {
		t.Error("LoadInto must copy values in place")
	}
	if params[0].Value.At(1, 1) != 4 {
		t.Errorf("value = %v, want 4", params[0].Value.At(1, 1))
	}
	if !Capture(params).Equal(sd) {
		t.Error("reloaded parameters should equal the snapshot")
	}
}

func TestLoadIntoErrors(t *testing.T) {
	tests := []struct {
		name   string
		sd     StateDict
		target interface{}
	}{
		{
			name:   "missing",
			sd:     StateDict{"encoder.weight": mat.NewDense(2, 2, nil)},
			target: new(*scierrors.ModelError),
		},
		{
			name: "shape",
			sd: StateDict{
				"encoder.weight": mat.NewDense(3, 2, nil),
				"encoder.bias":   mat.NewDense(1, 2, nil),
			},
			target: new(*scierrors.DimensionError),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sd.LoadInto(testParams())
			if err == nil {
				t.Fatal("expected error")
			}
			if !scierrors.As(err, tt.target) {
				t.Errorf("unexpected error type: %v", err)
			}
		})
	}
}

func TestStateDictWithoutAndNames(t *testing.T) {
	sd := StateDict{
		"llm.layer0":  mat.NewDense(1, 1, nil),
		"head.weight": mat.NewDense(1, 1, nil),
		"llm_proj":    mat.NewDense(1, 1, nil),
	}
	kept := sd.Without("llm")
	if got := kept.Names(); len(got) != 1 || got[0] != "head.weight" {
		t.Errorf("Without(llm) kept %v", got)
	}
	if len(sd.Without()) != 3 {
		t.Error("no excludes should keep everything")
	}
	clone := sd.Clone()
	clone["head.weight"].Set(0, 0, 1)
	if sd["head.weight"].At(0, 0) != 0 {
		t.Error("Clone must be deep")
	}
}

type countingLoss struct {
	v     float64
	calls *int32
	err   error
}

func (l countingLoss) Value() float64 { return l.v }
func (l countingLoss) Backward() error {
	atomic.AddInt32(l.calls, 1)
	return l.err
}

func TestSumLosses(t *testing.T) {
	var calls int32
	sum := SumLosses(
		countingLoss{v: 1.5, calls: &calls},
		countingLoss{v: 2.0, calls: &calls},
		countingLoss{v: 0.5, calls: &calls},
	)
	if sum.Value() != 4.0 {
		t.Errorf("Value() = %v, want 4", sum.Value())
	}
	if err := sum.Backward(); err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("Backward reached %d parts, want 3", calls)
	}

	boom := errors.New("boom")
	failing := SumLosses(countingLoss{calls: &calls}, countingLoss{calls: &calls, err: boom})
	if err := failing.Backward(); !errors.Is(err, boom) {
		t.Errorf("got %v, want %v", err, boom)
	}
}

func TestForwardOptions(t *testing.T) {
	if cfg := ApplyForwardOptions(); cfg.SamplingTimes != 0 {
		t.Errorf("default SamplingTimes = %d", cfg.SamplingTimes)
	}
	if cfg := ApplyForwardOptions(WithSamplingTimes(3)); cfg.SamplingTimes != 3 {
		t.Errorf("SamplingTimes = %d, want 3", cfg.SamplingTimes)
	}
}

func TestStateManager(t *testing.T) {
	s := NewStateManager()
	if err := s.RequireTrained("CSDI", "Predict"); err == nil {
		t.Fatal("expected NotFittedError before training")
	}
	s.SetTrained(4, 0.25)
	if err := s.RequireTrained("CSDI", "Predict"); err != nil {
		t.Fatal(err)
	}
	if e, v := s.Best(); e != 4 || v != 0.25 {
		t.Errorf("Best() = %d, %v", e, v)
	}
	s.Reset()
	if s.IsTrained() {
		t.Error("Reset should clear the trained flag")
	}
}
