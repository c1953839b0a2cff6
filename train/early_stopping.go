package train

import (
	"math"
	"strings"

	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// Metric is the validation score early stopping watches.
type Metric string

const (
	// MetricLoss は検証データの損失（小さいほど良い）
	MetricLoss Metric = "loss"
	// MetricAccuracy は検証データの正解率（大きいほど良い）
	MetricAccuracy Metric = "accuracy"
)

// ParseMetric parses a metric name.
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(s)) {
	case MetricLoss:
		return MetricLoss, nil
	case MetricAccuracy:
		return MetricAccuracy, nil
	}
	return "", errors.NewValidationError("metric", "must be loss or accuracy", s)
}

// Minimize reports whether lower scores are better.
func (m Metric) Minimize() bool { return m != MetricAccuracy }

// ScoreFunc computes the validation score of the current network.
type ScoreFunc func(net backend.Network) (float64, error)

// EarlyStopping handles early stopping logic
//
// After every epoch the network is scored on held-out data. Training stops
// once the score has not improved for Patience epochs, and the network of
// the best epoch is kept as a snapshot so it can be restored.
type EarlyStopping struct {
	Patience        int
	Metric          Metric
	Score           ScoreFunc
	BestScore       float64
	BestEpoch       int
	RoundsNoImprove int

	best []byte
}

// NewEarlyStopping creates a new early stopping handler
func NewEarlyStopping(patience int, metric Metric, score ScoreFunc) *EarlyStopping {
	es := &EarlyStopping{Patience: patience, Metric: metric, Score: score}
	es.Reset()
	return es
}

// Reset forgets every recorded score.
func (es *EarlyStopping) Reset() {
	es.BestScore = math.Inf(1)
	if !es.Metric.Minimize() {
		es.BestScore = math.Inf(-1)
	}
	es.BestEpoch = -1
	es.RoundsNoImprove = 0
	es.best = nil
}

// Update records the score of an epoch and reports whether it improved.
func (es *EarlyStopping) Update(epoch int, score float64) bool {
	var improved bool
	if es.Metric.Minimize() {
		improved = score < es.BestScore
	} else {
		improved = score > es.BestScore
	}
	if improved {
		es.BestScore = score
		es.BestEpoch = epoch
		es.RoundsNoImprove = 0
	} else {
		es.RoundsNoImprove++
	}
	return improved
}

// ShouldStop returns whether training should stop
func (es *EarlyStopping) ShouldStop() bool {
	return es.Patience > 0 && es.RoundsNoImprove >= es.Patience
}

// evaluate scores the network after an epoch and snapshots it on improvement.
func (es *EarlyStopping) evaluate(epoch int, net backend.Network) (float64, error) {
	score, err := es.Score(net)
	if err != nil {
		return 0, errors.Wrapf(err, "validation score at epoch %d", epoch)
	}
	if math.IsNaN(score) {
		return 0, errors.NewNumericalInstabilityError("train.validation", []float64{score}, epoch)
	}
	if es.Update(epoch, score) {
		b, err := net.MarshalBinary()
		if err != nil {
			return 0, errors.NewBackendError("snapshot", err)
		}
		es.best = b
	}
	return score, nil
}

// BestSnapshot returns the serialized network of the best epoch, or nil.
func (es *EarlyStopping) BestSnapshot() []byte { return es.best }
