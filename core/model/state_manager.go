package model

import (
	"sync"

	scierrors "github.com/YuminosukeSato/gopots/pkg/errors"
)

// StateManager は推定器の学習済み状態をスレッドセーフに管理する
type StateManager struct {
	mu sync.RWMutex

	trained   bool
	bestEpoch int
	bestValue float64
}

// NewStateManager は未学習状態のStateManagerを作成する
func NewStateManager() *StateManager {
	return &StateManager{}
}

// IsTrained はモデルが学習済みかどうかを返す
func (s *StateManager) IsTrained() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trained
}

// SetTrained は最良エポックとその指標値を記録して学習済みにする
func (s *StateManager) SetTrained(bestEpoch int, bestValue float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trained = true
	s.bestEpoch = bestEpoch
	s.bestValue = bestValue
}

// Best は記録された最良エポックと指標値を返す
func (s *StateManager) Best() (epoch int, value float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bestEpoch, s.bestValue
}

// Reset は未学習状態に戻す
func (s *StateManager) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trained = false
	s.bestEpoch = 0
	s.bestValue = 0
}

// RequireTrained は未学習ならNotFittedErrorを返す
func (s *StateManager) RequireTrained(modelName, method string) error {
	if !s.IsTrained() {
		return scierrors.NewNotFittedError(modelName, method)
	}
	return nil
}
