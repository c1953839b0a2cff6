// Package model provides lifecycle state and persistence shared by the classifiers.
package model

import (
	"fmt"
	"sync"

	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// Stage は学習状態機械の段階です。
//
//	Uninitialized → Initialized → Training → Ready
//	                     ↑                     |
//	                     └──── resume ─────────┘
type Stage int

const (
	// Uninitialized はネットワークが未構築の状態
	Uninitialized Stage = iota
	// Initialized はネットワークが構築済みで学習前の状態
	Initialized
	// Training はエポックループ実行中の状態
	Training
	// Ready は学習済みで推論・再開が可能な状態
	Ready
)

func (s Stage) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Initialized:
		return "INITIALIZED"
	case Training:
		return "TRAINING"
	case Ready:
		return "READY"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// TrainingState は分類器の学習状態とエポックカウンタをスレッドセーフに管理します。
//
// EpochsTotal は複数回のビルド呼び出しをまたいで単調増加し、
// EpochsSession はビルド呼び出しごとに0へ戻ります。
// 公開フィールドはgobエンコード用です。
type TrainingState struct {
	mu sync.RWMutex

	Stage         Stage
	EpochsTotal   int
	EpochsSession int

	// 学習時のデータ形状
	NFeatures int
	NSamples  int
	NClasses  int
}

// NewTrainingState creates a state in Uninitialized.
func NewTrainingState() *TrainingState {
	return &TrainingState{Stage: Uninitialized}
}

// Current returns the current stage.
func (s *TrainingState) Current() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Stage
}

// IsReady returns whether a trained network is available.
func (s *TrainingState) IsReady() bool {
	return s.Current() == Ready
}

// MarkInitialized records that a network has been constructed.
func (s *TrainingState) MarkInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stage = Initialized
}

// BeginSession enters Training and resets the session counter.
// It fails from Uninitialized since there is no network to train.
func (s *TrainingState) BeginSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Stage == Uninitialized {
		return errors.NewValueError("TrainingState.BeginSession", "network has not been initialized")
	}
	s.Stage = Training
	s.EpochsSession = 0
	return nil
}

// EpochDone increments both counters.
func (s *TrainingState) EpochDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EpochsSession++
	s.EpochsTotal++
}

// Finish moves from Training to Ready.
func (s *TrainingState) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stage = Ready
}

// Epochs returns the total and session counters.
func (s *TrainingState) Epochs() (total, session int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.EpochsTotal, s.EpochsSession
}

// SetDimensions records the data shape seen during training.
func (s *TrainingState) SetDimensions(nFeatures, nSamples, nClasses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NFeatures = nFeatures
	s.NSamples = nSamples
	s.NClasses = nClasses
}

// GetDimensions returns the data shape seen during training.
func (s *TrainingState) GetDimensions() (nFeatures, nSamples, nClasses int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.NFeatures, s.NSamples, s.NClasses
}

// Reset returns to Uninitialized and clears every counter.
func (s *TrainingState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stage = Uninitialized
	s.EpochsTotal = 0
	s.EpochsSession = 0
	s.NFeatures, s.NSamples, s.NClasses = 0, 0, 0
}

// RequireReady returns a NotFittedError unless the state is Ready.
func (s *TrainingState) RequireReady(modelName, method string) error {
	if !s.IsReady() {
		return errors.NewNotFittedError(modelName, method)
	}
	return nil
}

// Snapshot is the serializable form of TrainingState.
type Snapshot struct {
	Stage         Stage `json:"stage"`
	EpochsTotal   int   `json:"epochs_total"`
	EpochsSession int   `json:"epochs_session"`
	NFeatures     int   `json:"n_features,omitempty"`
	NSamples      int   `json:"n_samples,omitempty"`
	NClasses      int   `json:"n_classes,omitempty"`
}

// GetState returns a copy of the state.
func (s *TrainingState) GetState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Stage:         s.Stage,
		EpochsTotal:   s.EpochsTotal,
		EpochsSession: s.EpochsSession,
		NFeatures:     s.NFeatures,
		NSamples:      s.NSamples,
		NClasses:      s.NClasses,
	}
}

// SetState restores the state from a snapshot.
func (s *TrainingState) SetState(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stage = snap.Stage
	s.EpochsTotal = snap.EpochsTotal
	s.EpochsSession = snap.EpochsSession
	s.NFeatures = snap.NFeatures
	s.NSamples = snap.NSamples
	s.NClasses = snap.NClasses
}
