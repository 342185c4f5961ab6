package train

import (
	"time"
)

// Status は学習の終了理由
type Status int

const (
	// Completed は全エポックを完了した
	Completed Status = iota
	// EarlyStopped は patience を使い切って停止した
	EarlyStopped
	// InterruptedWithSnapshot は中断または失敗したが最良モデルは得られた
	InterruptedWithSnapshot
	// FailedFatal は使えるモデルが得られなかった
	FailedFatal
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case EarlyStopped:
		return "early_stopped"
	case InterruptedWithSnapshot:
		return "interrupted_with_snapshot"
	case FailedFatal:
		return "failed_fatal"
	default:
		return "unknown"
	}
}

// Usable reports whether the model holds a loaded best snapshot.
func (s Status) Usable() bool {
	return s != FailedFatal
}

// EpochRecord は1エポックの記録
type EpochRecord struct {
	Epoch        int
	TrainingLoss float64
	// ValidationMetric は検証データが無い場合 NaN
	ValidationMetric float64
	// Metric は最良モデル選択に使われた値
	Metric    float64
	IsNewBest bool
	Duration  time.Duration
}

// Outcome は Run の結果
type Outcome struct {
	Status     Status
	BestEpoch  int
	BestMetric float64
	EpochsRun  int
	History    []EpochRecord
	// Cause は InterruptedWithSnapshot / FailedFatal の原因
	Cause error
	// Checkpoints は保存されたアーティファクトのパス
	Checkpoints []string
}
