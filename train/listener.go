package train

import (
	"time"

	"github.com/YuminosukeSato/wekadl/core/opt"
	"github.com/YuminosukeSato/wekadl/pkg/log"
)

// EpochEnv is what listeners see after every epoch.
type EpochEnv struct {
	// Epoch はこのセッション内のエポック番号（0始まり）
	Epoch int
	// EpochsTotal はこれまでの全セッションを通じた学習済みエポック数
	EpochsTotal     int
	Loss            float64
	ValidationScore opt.Optional[float64]
	Batches         int
	BeginTime       time.Time
	EndTime         time.Time
	// StopTraining を true にすると次のエポック境界で学習を終える
	StopTraining bool
}

// Listener is notified at the end of every epoch and once when training ends.
type Listener interface {
	EpochDone(env *EpochEnv) error
	TrainingDone(res *Result) error
}

// ListenerFunc adapts a function to a Listener that ignores the end of training.
type ListenerFunc func(env *EpochEnv) error

func (f ListenerFunc) EpochDone(env *EpochEnv) error { return f(env) }
func (f ListenerFunc) TrainingDone(*Result) error { return nil }

// EpochLogger logs the loss every Period epochs.
type EpochLogger struct {
	Logger log.Logger
	Period int
}

// NewEpochLogger logs every period epochs (every epoch when period < 1).
func NewEpochLogger(logger log.Logger, period int) *EpochLogger {
	if period < 1 {
		period = 1
	}
	return &EpochLogger{Logger: logger, Period: period}
}

func (l *EpochLogger) EpochDone(env *EpochEnv) error {
	if (env.Epoch+1)%l.Period != 0 {
		return nil
	}
	fields := []any{
		log.EpochKey, env.Epoch,
		log.EpochsTotalKey, env.EpochsTotal,
		log.LossKey, env.Loss,
		log.BatchesKey, env.Batches,
		log.DurationMsKey, env.EndTime.Sub(env.BeginTime).Milliseconds(),
	}
	if v, ok := env.ValidationScore.Get(); ok {
		fields = append(fields, log.ValidationScoreKey, v)
	}
	l.Logger.Info("epoch done", fields...)
	return nil
}

func (l *EpochLogger) TrainingDone(res *Result) error {
	l.Logger.Info("training done",
		"epochs", res.Epochs,
		log.LossKey, res.FinalLoss,
		"reason", res.Reason.String(),
	)
	return nil
}

// History records the per-epoch loss and validation score.
type History struct {
	Loss       []float64
	Validation []float64
	// ValidationEpochs はValidationの各値が記録されたエポック
	ValidationEpochs []int
}

func (h *History) EpochDone(env *EpochEnv) error {
	h.Loss = append(h.Loss, env.Loss)
	if v, ok := env.ValidationScore.Get(); ok {
		h.Validation = append(h.Validation, v)
		h.ValidationEpochs = append(h.ValidationEpochs, env.Epoch)
	}
	return nil
}

func (h *History) TrainingDone(*Result) error { return nil }

// Len returns the number of recorded epochs.
func (h *History) Len() int { return len(h.Loss) }
