package train

import (
	"math"

	"github.com/YuminosukeSato/gopots/core/model"
	"github.com/YuminosukeSato/gopots/nn/loss"
)

// NoPatience は早期終了を無効にする（無限の patience として扱う）
const NoPatience = 0

// State は1回の Run の間だけ存在する学習状態
type State struct {
	Epoch             int
	BestEpoch         int // 0 は未設定
	BestMetric        float64
	BestSnapshot      model.StateDict
	PatienceRemaining int
	PatienceOriginal  int
}

// newState は BestMetric を +Inf で初期化する（向きに依らない）
func newState(patience int) *State {
	if patience <= NoPatience {
		patience = math.MaxInt
	}
	return &State{
		BestMetric:        math.Inf(1),
		PatienceRemaining: patience,
		PatienceOriginal:  patience,
	}
}

// HasSnapshot は最良スナップショットが記録済みかを返す
func (s *State) HasSnapshot() bool {
	return s.BestSnapshot != nil
}

// Observation は1エポック分の指標を観測した結果
type Observation struct {
	IsNewBest  bool
	ShouldStop bool
}

// EarlyStopping は最良値の追跡と patience の管理を行う
type EarlyStopping struct {
	direction loss.Direction
	state     *State
}

// NewEarlyStopping creates a tracker. patience <= 0 disables early stopping.
func NewEarlyStopping(direction loss.Direction, patience int) *EarlyStopping {
	return &EarlyStopping{direction: direction, state: newState(patience)}
}

// Enabled reports whether the tracker can ever request a stop.
func (es *EarlyStopping) Enabled() bool {
	return es.state.PatienceOriginal != math.MaxInt
}

// State returns the tracked state. The caller sets BestSnapshot on IsNewBest.
func (es *EarlyStopping) State() *State {
	return es.state
}

// Observe records metric for epoch. It is the only place that changes the
// best epoch, best metric and remaining patience.
func (es *EarlyStopping) Observe(epoch int, metric float64) Observation {
	s := es.state
	s.Epoch = epoch

	// BestMetric starts at +Inf for both directions, so the first non-NaN
	// metric always wins while no best epoch is recorded.
	if !math.IsNaN(metric) && (s.BestEpoch == 0 || es.direction.Improves(metric, s.BestMetric)) {
		s.BestEpoch = epoch
		s.BestMetric = metric
		s.PatienceRemaining = s.PatienceOriginal
		return Observation{IsNewBest: true}
	}
	if es.Enabled() {
		s.PatienceRemaining--
	}
	return Observation{ShouldStop: es.Enabled() && s.PatienceRemaining <= 0}
}
