package train

import (
	"context"
	"math"
	"sync"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gopots/core/model"
	"github.com/YuminosukeSato/gopots/data"
	"github.com/YuminosukeSato/gopots/optim"
	"github.com/YuminosukeSato/gopots/pkg/log"
)

type scalarLoss struct {
	value    float64
	backward func() error
}

func (l scalarLoss) Value() float64 { return l.value }

func (l scalarLoss) Backward() error {
	if l.backward == nil {
		return nil
	}
	return l.backward()
}

// scriptedModel has a single 1x1 weight. Every training batch produces a
// gradient of 1, so with SGD(lr=1) and one batch per epoch the weight equals
// -epoch after each epoch. A NaN training loss back-propagates a NaN gradient.
// Validation returns metrics[epoch-1] as its loss.
type scriptedModel struct {
	w       *model.Parameter
	metrics []float64
	epoch   int
	mode    model.Mode

	// trainHook runs inside every training forward pass.
	trainHook func(epoch int) error
	// lastSampling records the sampling option of the last eval forward.
	lastSampling int
}

func newScriptedModel(metrics ...float64) *scriptedModel {
	return &scriptedModel{
		w:       model.NewParameter("w", mat.NewDense(1, 1, []float64{0})),
		metrics: metrics,
	}
}

func (m *scriptedModel) Name() string { return "Scripted" }

func (m *scriptedModel) SetMode(mode model.Mode) {
	if mode == model.Train {
		m.epoch++
	}
	m.mode = mode
}

func (m *scriptedModel) Parameters() []*model.Parameter { return []*model.Parameter{m.w} }

func (m *scriptedModel) Forward(_ *data.Batch, opts ...model.ForwardOption) (*model.Outputs, error) {
	if m.mode == model.Eval {
		m.lastSampling = model.ApplyForwardOptions(opts...).SamplingTimes
		v := m.metric()
		return &model.Outputs{
			Loss:       scalarLoss{value: v},
			Prediction: mat.NewDense(1, 1, []float64{v}),
		}, nil
	}
	if m.trainHook != nil {
		if err := m.trainHook(m.epoch); err != nil {
			return nil, err
		}
	}
	v := m.metric()
	return &model.Outputs{Loss: scalarLoss{
		value: v,
		backward: func() error {
			g := 1.0
			if math.IsNaN(v) {
				g = v
			}
			m.w.Grad.Set(0, 0, m.w.Grad.At(0, 0)+g)
			return nil
		},
	}}, nil
}

func (m *scriptedModel) metric() float64 {
	if m.epoch-1 < len(m.metrics) {
		return m.metrics[m.epoch-1]
	}
	return m.metrics[len(m.metrics)-1]
}

// sumModel computes loss = w * Σx over its batch. Replicas share w's value
// and own their gradient buffers.
type sumModel struct {
	w        *model.Parameter
	mu       *sync.Mutex
	forwards *int
}

func newSumModel(w float64) *sumModel {
	return &sumModel{
		w:        model.NewParameter("w", mat.NewDense(1, 1, []float64{w})),
		mu:       &sync.Mutex{},
		forwards: new(int),
	}
}

func (m *sumModel) SetMode(model.Mode)             {}
func (m *sumModel) Parameters() []*model.Parameter { return []*model.Parameter{m.w} }

func (m *sumModel) Forward(b *data.Batch, _ ...model.ForwardOption) (*model.Outputs, error) {
	m.mu.Lock()
	*m.forwards++
	m.mu.Unlock()
	x, err := b.Field(data.FieldX)
	if err != nil {
		return nil, err
	}
	s := mat.Sum(x)
	return &model.Outputs{
		Prediction: x,
		Loss: scalarLoss{
			value: m.w.Value.At(0, 0) * s,
			backward: func() error {
				m.w.Grad.Set(0, 0, m.w.Grad.At(0, 0)+s)
				return nil
			},
		},
	}, nil
}

func (m *sumModel) Replicate(n int) ([]model.Model, error) {
	out := make([]model.Model, n)
	for i := range out {
		r, c := m.w.Value.Dims()
		out[i] = &sumModel{
			w:        &model.Parameter{Name: m.w.Name, Value: m.w.Value, Grad: mat.NewDense(r, c, nil)},
			mu:       m.mu,
			forwards: m.forwards,
		}
	}
	return out, nil
}

type recordingHPO struct {
	intermediate []float64
	final        []float64
}

func (r *recordingHPO) ReportIntermediate(v float64) error {
	r.intermediate = append(r.intermediate, v)
	return nil
}

func (r *recordingHPO) ReportFinal(v float64) error {
	r.final = append(r.final, v)
	return nil
}

type recordingScalars struct {
	calls map[string]int
}

func (r *recordingScalars) AddScalars(phase string, _ int, _ map[string]float64) error {
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[phase]++
	return nil
}

func oneBatchSource(t *testing.T) data.Source {
	t.Helper()
	src, err := data.NewSliceSource(map[string]*mat.Dense{
		data.FieldX: mat.NewDense(1, 1, []float64{1}),
	}, 1)
	if err != nil {
		t.Fatal(err)
	}
	return src
}

func sgd(t *testing.T) optim.Optimizer {
	t.Helper()
	opt, err := optim.NewSGD(optim.WithLearningRate(1))
	if err != nil {
		t.Fatal(err)
	}
	return opt
}

func quietLogger() (log.Logger, *log.TestLogger) {
	l, _ := log.NewTestLogger(log.LevelDebug)
	return l, l
}

func runScripted(t *testing.T, m *scriptedModel, opts ...Option) (*Outcome, *log.TestLogger, error) {
	t.Helper()
	logger, tl := quietLogger()
	opts = append([]Option{WithLogger(logger)}, opts...)
	tr, err := NewTrainer(m, sgd(t), opts...)
	if err != nil {
		t.Fatal(err)
	}
	src := oneBatchSource(t)
	out, err := tr.Run(context.Background(), src, src)
	return out, tl, err
}
