// Package train runs the epoch loop that fits a backend network on the
// batches of an iterator.
package train

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/core/model"
	"github.com/YuminosukeSato/wekadl/core/opt"
	"github.com/YuminosukeSato/wekadl/dataset"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/pkg/log"
)

// Reason tells why a training run ended.
type Reason int

const (
	// ReasonCompleted は指定エポック数を終えた
	ReasonCompleted Reason = iota
	// ReasonEarlyStopped は検証スコアが改善しなくなった
	ReasonEarlyStopped
	// ReasonStopped は Stop() が呼ばれた
	ReasonStopped
	// ReasonCancelled は context がキャンセルされた
	ReasonCancelled
	// ReasonListener はリスナーが StopTraining を立てた
	ReasonListener
)

func (r Reason) String() string {
	switch r {
	case ReasonCompleted:
		return "completed"
	case ReasonEarlyStopped:
		return "early_stopped"
	case ReasonStopped:
		return "stopped"
	case ReasonCancelled:
		return "cancelled"
	case ReasonListener:
		return "listener"
	default:
		return "unknown"
	}
}

// Result summarises a training run.
type Result struct {
	// Epochs はこの実行で完了したエポック数
	Epochs    int
	FinalLoss float64
	Reason    Reason
	// BestEpoch は早期終了が記録した最良エポック（無効なら -1）
	BestEpoch int
	// BestSnapshot は最良エポックのネットワーク（早期終了なしなら nil）
	BestSnapshot []byte
}

// Driver fits a network epoch by epoch.
//
// Cancellation through the context and Stop are observed only between
// epochs: an epoch that has started always runs to completion.
type Driver struct {
	Epochs        int
	Listeners     []Listener
	EarlyStopping *EarlyStopping
	// State が nil でなければエポックごとにカウンタを進める
	State  *model.TrainingState
	Logger log.Logger

	stop atomic.Bool
}

// NewDriver creates a driver for the given number of epochs.
func NewDriver(epochs int, logger log.Logger) *Driver {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Driver{Epochs: epochs, Logger: logger}
}

// AddListener registers a listener.
func (d *Driver) AddListener(l Listener) {
	d.Listeners = append(d.Listeners, l)
}

// Stop asks the running loop to end after the current epoch.
// It is safe to call from another goroutine.
func (d *Driver) Stop() { d.stop.Store(true) }

// Stopped reports whether Stop has been called since the last Run.
func (d *Driver) Stopped() bool { return d.stop.Load() }

// Run trains net for d.Epochs epochs over it.
//
// A stop request or context cancellation ends training gracefully: the
// returned error is nil and Result.Reason says why training ended. Any batch
// failure aborts with a BackendError carrying the epoch and batch index.
func (d *Driver) Run(ctx context.Context, net backend.Network, it dataset.Iterator) (*Result, error) {
	if d.Epochs < 0 {
		return nil, errors.NewValidationError("epochs", "must be non-negative", d.Epochs)
	}
	if net == nil || it == nil {
		return nil, errors.NewValueError("train.Run", "network and iterator are required")
	}
	logger := d.Logger
	if logger == nil {
		logger = log.GetLogger()
	}
	logger = logger.With(log.OperationKey, log.OperationFit)
	d.stop.Store(false)
	if d.EarlyStopping != nil {
		d.EarlyStopping.Reset()
	}

	res := &Result{Reason: ReasonCompleted, BestEpoch: -1}
	logger.Debug("training started",
		log.EpochsTotalKey, d.Epochs,
		log.BatchSizeKey, it.BatchSize(),
		log.SamplesKey, it.TotalExamples(),
	)

	for epoch := 0; epoch < d.Epochs; epoch++ {
		if reason, done := d.boundary(ctx); done {
			res.Reason = reason
			break
		}
		if epoch > 0 || !it.HasNext() {
			it.Reset()
		}

		begin := time.Now()
		loss, batches, err := d.runEpoch(net, it, epoch)
		if err != nil {
			return res, err
		}
		if err := errors.CheckScalar("train.epoch", loss, epoch); err != nil {
			return res, err
		}
		res.Epochs++
		res.FinalLoss = loss

		env := &EpochEnv{
			Epoch:     epoch,
			Loss:      loss,
			Batches:   batches,
			BeginTime: begin,
		}
		if d.State != nil {
			d.State.EpochDone()
			env.EpochsTotal, _ = d.State.Epochs()
		} else {
			env.EpochsTotal = epoch + 1
		}

		if d.EarlyStopping != nil {
			score, err := d.EarlyStopping.evaluate(epoch, net)
			if err != nil {
				return res, err
			}
			env.ValidationScore = opt.Some(score)
		}
		env.EndTime = time.Now()

		for _, l := range d.Listeners {
			if err := l.EpochDone(env); err != nil {
				return res, errors.Wrapf(err, "listener at epoch %d", epoch)
			}
		}

		if d.EarlyStopping != nil && d.EarlyStopping.ShouldStop() {
			res.Reason = ReasonEarlyStopped
			logger.Info("early stopping",
				log.EpochKey, epoch,
				"best_epoch", d.EarlyStopping.BestEpoch,
				log.ValidationScoreKey, d.EarlyStopping.BestScore,
			)
			break
		}
		if env.StopTraining {
			res.Reason = ReasonListener
			break
		}
	}

	if d.EarlyStopping != nil {
		res.BestEpoch = d.EarlyStopping.BestEpoch
		res.BestSnapshot = d.EarlyStopping.BestSnapshot()
	}
	for _, l := range d.Listeners {
		if err := l.TrainingDone(res); err != nil {
			return res, errors.Wrap(err, "listener at end of training")
		}
	}
	return res, nil
}

// boundary checks the stop flag and the context between epochs.
func (d *Driver) boundary(ctx context.Context) (Reason, bool) {
	if d.stop.Load() {
		return ReasonStopped, true
	}
	select {
	case <-ctx.Done():
		return ReasonCancelled, true
	default:
	}
	return ReasonCompleted, false
}

// runEpoch fits every batch once and returns the mean batch score.
func (d *Driver) runEpoch(net backend.Network, it dataset.Iterator, epoch int) (float64, int, error) {
	var sum float64
	batch := 0
	for it.HasNext() {
		ds, err := it.Next()
		if err != nil {
			return 0, batch, errors.Wrapf(err, "epoch %d batch %d", epoch, batch)
		}
		var score float64
		err = errors.SafeBackendCall("fit", epoch, batch, func() error {
			var ferr error
			score, ferr = net.Fit(ds)
			return ferr
		})
		if err != nil {
			return 0, batch, err
		}
		sum += score
		batch++
	}
	if batch == 0 {
		return 0, 0, errors.Wrapf(errors.ErrEmptyData, "epoch %d produced no batches", epoch)
	}
	return sum / float64(batch), batch, nil
}
