// Package classifiers implements the neural network classifiers.
//
// A classifier turns Instances into DataSets through its iterator, hands
// network construction and fitting to a registered backend, and turns the
// network outputs back into class distributions (or numeric predictions).
//
//	clf := classifiers.NewMLPClassifier(classifiers.WithEpochs(50))
//	if err := clf.BuildClassifier(ctx, insts); err != nil { ... }
//	dist, err := clf.DistributionsForInstances(test)
package classifiers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/wekadl/backend"
	_ "github.com/YuminosukeSato/wekadl/backend/loom" // default backend
	"github.com/YuminosukeSato/wekadl/core/model"
	"github.com/YuminosukeSato/wekadl/dataset"
	"github.com/YuminosukeSato/wekadl/iterators"
	"github.com/YuminosukeSato/wekadl/layers"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/pkg/log"
	"github.com/YuminosukeSato/wekadl/train"
)

// base は全ての推定器が共有する学習ランタイム
//
// 設定（settings）と、構築されたネットワーク・学習状態・エポックループを持つ。
// 1つのインスタンスを複数のゴルーチンから同時に学習させてはならない。
// Stop だけは別のゴルーチンから呼べる。
type base struct {
	name     string
	settings Settings
	defaults Settings

	logger    log.Logger
	listeners []train.Listener
	id        string
	// batchSize は WithBatchSize の値（0なら未指定）
	batchSize int

	state  *model.TrainingState
	net    backend.Network
	driver *train.Driver
	// lastResult は直近の Run の結果
	lastResult *train.Result
}

func newBase(name string, def Settings, opts []Option) base {
	b := base{
		name:     name,
		settings: def.copy(),
		defaults: def,
		id:       uuid.NewString(),
		state:    model.NewTrainingState(),
		driver:   train.NewDriver(def.Epochs, nil),
	}
	for _, o := range opts {
		o(&b)
	}
	return b
}

// applyBatchSize copies a batch size given at construction into cfg.
func (b *base) applyBatchSize(cfg *iterators.Config) {
	if b.batchSize > 0 {
		cfg.BatchSize = b.batchSize
	}
}

// log returns the logger scoped to this estimator.
func (b *base) log() log.Logger {
	logger := b.logger
	if logger == nil {
		logger = log.GetLogger()
	}
	return logger.With(log.ModelNameKey, b.name, log.EstimatorIDKey, b.id)
}

// ID returns the identifier used in log lines of this estimator.
func (b *base) ID() string { return b.id }

// Settings returns a copy of the shared settings.
func (b *base) Settings() Settings { return b.settings.copy() }

// State returns the training state.
func (b *base) State() *model.TrainingState { return b.state }

// Network returns the trained network, or nil before the first build.
func (b *base) Network() backend.Network { return b.net }

// LastResult returns the result of the most recent training run.
func (b *base) LastResult() *train.Result { return b.lastResult }

// SetLogger replaces the logger.
func (b *base) SetLogger(logger log.Logger) { b.logger = logger }

// AddListener registers a training listener.
func (b *base) AddListener(l train.Listener) { b.listeners = append(b.listeners, l) }

// Stop asks a running build to end after the current epoch. The network
// trained so far is kept and the estimator becomes ready for inference.
func (b *base) Stop() { b.driver.Stop() }

// resumable reports whether the existing network is reused.
func (b *base) resumable() bool {
	return b.settings.Resume && b.net != nil && b.state.Current() != model.Uninitialized
}

// build constructs a fresh network and moves the state to Initialized.
func (b *base) build(topo backend.Topology, stack []*layers.Layer) error {
	be, err := backend.Get(b.settings.Backend)
	if err != nil {
		return err
	}
	start := time.Now()
	net, err := be.Build(b.settings.Network, topo, stack)
	if err != nil {
		return err
	}
	b.initialized(net, topo)
	b.log().Info("network built",
		log.OperationKey, log.OperationBuild,
		log.BackendKey, be.Name(),
		log.NumLayersKey, len(stack),
		log.NumParamsKey, net.NumParams(),
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return nil
}

// adopt loads a saved network and moves the state to Initialized.
func (b *base) adopt(raw []byte, topo backend.Topology) error {
	be, err := backend.Get(b.settings.Backend)
	if err != nil {
		return err
	}
	net, err := be.Load(raw)
	if err != nil {
		return err
	}
	b.initialized(net, topo)
	return nil
}

func (b *base) initialized(net backend.Network, topo backend.Topology) {
	b.net = net
	b.state.Reset()
	b.state.MarkInitialized()
	b.state.SetDimensions(topo.InputWidth(), 0, topo.NumOutputs)
}

// fit runs one training session over ds. When score is non-nil, early
// stopping watches it and the best network is restored at the end.
func (b *base) fit(ctx context.Context, ds *dataset.DataSet, cfg *iterators.Config, score train.ScoreFunc) error {
	logger := b.log()
	if err := b.state.BeginSession(); err != nil {
		return err
	}
	nFeatures, _, nClasses := b.state.GetDimensions()
	b.state.SetDimensions(nFeatures, ds.NumExamples(), nClasses)

	batches, closeBatches, err := cfg.Batches(ds)
	if err != nil {
		b.state.MarkInitialized()
		return err
	}
	defer closeBatches()

	d := b.driver
	d.Epochs = b.settings.Epochs
	d.State = b.state
	d.Logger = logger
	d.Listeners = b.listeners
	d.EarlyStopping = nil
	if score != nil {
		es := b.settings.EarlyStop
		d.EarlyStopping = train.NewEarlyStopping(es.Patience, es.Metric, score)
	}

	res, err := d.Run(ctx, b.net, batches)
	b.lastResult = res
	if err != nil {
		b.state.MarkInitialized()
		logger.Error("training failed", err)
		return err
	}
	if res.BestSnapshot != nil && res.BestEpoch < res.Epochs-1 {
		be, err := backend.Get(b.settings.Backend)
		if err != nil {
			return err
		}
		best, err := be.Load(res.BestSnapshot)
		if err != nil {
			return err
		}
		b.net = best
		logger.Info("restored best network", log.EpochKey, res.BestEpoch)
	}
	b.state.Finish()

	total, session := b.state.Epochs()
	logger.Info("training finished",
		"reason", res.Reason.String(),
		"epochs_session", session,
		log.EpochsTotalKey, total,
		log.LossKey, res.FinalLoss,
	)
	return nil
}

// output runs net over features in batches of batchSize rows.
func output(net backend.Network, features *mat.Dense, batchSize int) (*mat.Dense, error) {
	n, _ := features.Dims()
	if n == 0 {
		return nil, errors.WithStack(errors.ErrEmptyData)
	}
	if batchSize <= 0 || batchSize > n {
		batchSize = n
	}
	var res *mat.Dense
	for start, batch := 0, 0; start < n; start, batch = start+batchSize, batch+1 {
		end := start + batchSize
		if end > n {
			end = n
		}
		rows := features.Slice(start, end, 0, features.RawMatrix().Cols).(*mat.Dense)
		var out *mat.Dense
		err := errors.SafeBackendCall("output", -1, batch, func() error {
			var err error
			out, err = net.Output(rows)
			return err
		})
		if err != nil {
			return nil, err
		}
		r, c := out.Dims()
		if r != end-start {
			return nil, errors.NewDimensionError("output", end-start, r, 0)
		}
		if res == nil {
			res = mat.NewDense(n, c, nil)
		}
		res.Slice(start, end, 0, c).(*mat.Dense).Copy(out)
	}
	return res, nil
}
