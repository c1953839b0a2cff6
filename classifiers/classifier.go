package classifiers

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/convert"
	"github.com/YuminosukeSato/wekadl/core/opt"
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/dataset"
	"github.com/YuminosukeSato/wekadl/iterators"
	"github.com/YuminosukeSato/wekadl/layers"
	"github.com/YuminosukeSato/wekadl/metrics"
	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/pkg/log"
	"github.com/YuminosukeSato/wekadl/preprocessing"
	"github.com/YuminosukeSato/wekadl/train"
	"github.com/YuminosukeSato/wekadl/zoo"
)

// classifier は MLPClassifier と RNNSequenceClassifier の共通部分
//
// 学習時にフィットしたフィルタ・ヘッダ・クラスのスケーリング・ZeroR を持ち、
// 推論時は同じ順序で再適用する（再フィットはしない）。
type classifier struct {
	base

	iterator    iterators.InstanceIterator
	newIterator func() iterators.InstanceIterator
	filterType  preprocessing.FilterType
	defFilter   preprocessing.FilterType
	outputType  layers.Type
	allowZoo    bool
	zooModel    zoo.Model

	// 学習で決まる
	filters *preprocessing.Pipeline
	header  *data.Instances
	scaler  opt.Optional[preprocessing.ClassScaler]
	zeroR   *ZeroR
	topo    backend.Topology
}

// Iterator returns the instance iterator.
func (c *classifier) Iterator() iterators.InstanceIterator { return c.iterator }

// SetIterator replaces the instance iterator.
func (c *classifier) SetIterator(it iterators.InstanceIterator) { c.iterator = it }

// FilterType returns how numeric attributes are scaled before training.
func (c *classifier) FilterType() preprocessing.FilterType { return c.filterType }

// SetFilterType sets how numeric attributes are scaled before training.
func (c *classifier) SetFilterType(t preprocessing.FilterType) { c.filterType = t }

// Header returns the training header, or nil before the first build.
func (c *classifier) Header() *data.Instances { return c.header }

// Topology returns the encoded data shape of the trained network.
func (c *classifier) Topology() backend.Topology { return c.topo }

// UsesZeroR reports whether the last build fell back to ZeroR.
func (c *classifier) UsesZeroR() bool { return c.zeroR != nil }

// Options は固定順のオプションを返す
//
//	-S -numEpochs -iterator -normalization [-zooModel] -layer... -updater -lr -l1 -l2
//	[-gradientClip] [-dropout] [-earlyStopping] -backend [-resume] -device
func (c *classifier) Options() []string {
	opts := c.settings.headOptions()
	opts = append(opts, "-iterator", iterators.String(c.iterator), "-normalization", string(c.filterType))
	if c.zooModel != nil {
		opts = append(opts, "-zooModel", zoo.String(c.zooModel))
	}
	opts = append(opts, c.settings.layerOptions()...)
	return append(opts, c.settings.tailOptions()...)
}

// SetOptions parses options. Absent options take their default value, so
// SetOptions(Options()) reproduces the configuration. Nothing changes when
// an error is returned.
func (c *classifier) SetOptions(opts []string) error {
	rest := append([]string(nil), opts...)
	var settings Settings
	if err := settings.parse(&rest, c.defaults); err != nil {
		return err
	}

	it := c.newIterator()
	if v, ok, err := options.GetOption("iterator", &rest); err != nil {
		return err
	} else if ok {
		if it, err = iterators.Parse(v); err != nil {
			return err
		}
	}
	filterType := c.defFilter
	if v, ok, err := options.GetOption("normalization", &rest); err != nil {
		return err
	} else if ok {
		if filterType, err = preprocessing.ParseFilterType(v); err != nil {
			return err
		}
	}
	var zm zoo.Model
	if c.allowZoo {
		if v, ok, err := options.GetOption("zooModel", &rest); err != nil {
			return err
		} else if ok {
			if zm, err = zoo.Parse(v); err != nil {
				return err
			}
		}
	}
	if err := options.CheckAllUsed(c.name, rest); err != nil {
		return err
	}
	c.settings, c.iterator, c.filterType, c.zooModel = settings, it, filterType, zm
	return nil
}

func (c *classifier) String() string {
	return options.String(c.name, c)
}

// BuildClassifier trains the network on insts.
//
// Rows with a missing class are ignored. With no usable rows, or with the
// class as the only attribute, a ZeroR predictor is fitted instead. When
// resume is enabled and a network exists it is trained further with the
// filters fitted by the first build; otherwise a new network is constructed.
// Cancelling ctx or calling Stop ends training at the next epoch boundary
// and keeps the network trained so far.
func (c *classifier) BuildClassifier(ctx context.Context, insts *data.Instances) error {
	if insts == nil {
		return errors.NewValueError(c.name+".BuildClassifier", "instances are nil")
	}
	if insts.ClassIndex() < 0 {
		return errors.NewDataError(c.name+".BuildClassifier", "class index is not set")
	}
	if err := c.validate(insts); err != nil {
		return err
	}
	logger := c.log().With(log.OperationKey, log.OperationBuild)

	usable := insts.DeleteWithMissingClass()
	if dropped := insts.NumInstances() - usable.NumInstances(); dropped > 0 {
		errors.Warn(errors.NewDataConversionWarning("Instances", "DataSet",
			fmt.Sprintf("%d rows with a missing class value were removed", dropped)))
	}
	if usable.NumInstances() == 0 || insts.NumAttributes() < 2 {
		return c.buildZeroR(insts, usable, logger)
	}
	c.zeroR = nil

	resume := c.resumable()
	if resume {
		if ok, reason := c.header.EqualHeaders(insts); !ok {
			return errors.NewDataErrorf(c.name+".BuildClassifier", "cannot resume on data with a different header: %s", reason)
		}
	}

	trainSet, validSet := usable, (*data.Instances)(nil)
	if es := c.settings.EarlyStop; es.Enabled() {
		trainSet, validSet = splitValidation(usable, es.ValidationPct, c.settings.Network.Seed)
	}

	var prepared *data.Instances
	var err error
	if resume {
		if prepared, err = c.transform(trainSet, true); err != nil {
			return err
		}
		topo, err := c.iterator.Prepare(prepared)
		if err != nil {
			return err
		}
		if !sameTopology(topo, c.topo) {
			return errors.NewConfigurationErrorf(c.name, "cannot resume: data shape %s differs from the network's %s", topo, c.topo)
		}
		total, _ := c.state.Epochs()
		logger.Info("resuming training", log.EpochsTotalKey, total)
	} else {
		if prepared, err = c.fitFilters(insts, trainSet); err != nil {
			return err
		}
		if err := c.construct(prepared, logger); err != nil {
			return err
		}
	}

	ds, err := c.encode(prepared)
	if err != nil {
		return err
	}
	var score train.ScoreFunc
	if validSet != nil {
		vprep, err := c.transform(validSet, true)
		if err != nil {
			return err
		}
		vds, err := c.encode(vprep)
		if err != nil {
			return err
		}
		score = c.scorer(vds)
		logger.Debug("validation split",
			log.SamplesKey, trainSet.NumInstances(),
			"validation_samples", validSet.NumInstances(),
		)
	}
	return c.fit(ctx, ds, c.iterator.Config(), score)
}

func (c *classifier) validate(insts *data.Instances) error {
	if err := c.settings.Validate(); err != nil {
		return err
	}
	if err := c.iterator.Config().Validate(); err != nil {
		return err
	}
	if c.settings.EarlyStop.Metric == train.MetricAccuracy && !insts.IsClassification() {
		return errors.NewConfigurationError(c.name, "early stopping on accuracy needs a nominal class")
	}
	return nil
}

func (c *classifier) buildZeroR(insts, usable *data.Instances, logger log.Logger) error {
	z, err := FitZeroR(usable)
	if err != nil {
		return err
	}
	c.zeroR = z
	c.header = insts.CopyHeader()
	c.net = nil
	c.state.Reset()
	c.state.MarkInitialized()
	c.state.SetDimensions(insts.NumAttributes()-1, usable.NumInstances(), insts.NumClasses())
	c.state.Finish()
	logger.Warn("not enough data for a network, using ZeroR",
		log.SamplesKey, usable.NumInstances(),
		log.FeaturesKey, insts.NumAttributes(),
	)
	return nil
}

// fitFilters fits the filter pipeline and the class scaling on trainSet.
func (c *classifier) fitFilters(insts, trainSet *data.Instances) (*data.Instances, error) {
	c.header = insts.CopyHeader()
	if c.iterator.Tabular() {
		c.filters = preprocessing.NewDefaultPipeline(c.filterType)
	} else {
		c.filters = preprocessing.NewPipeline()
	}
	filtered, err := c.filters.FitApply(trainSet)
	if err != nil {
		return nil, err
	}
	c.scaler = opt.None[preprocessing.ClassScaler]()
	if !insts.IsClassification() {
		sc, err := preprocessing.FitClassScaler(filtered)
		if err != nil {
			return nil, err
		}
		filtered = filtered.Copy()
		sc.ApplyToClass(filtered)
		c.scaler = opt.Some(sc)
	}
	return filtered, nil
}

// transform reapplies the fitted filters. withClass also rescales a
// numeric class, which only training and validation data need.
func (c *classifier) transform(insts *data.Instances, withClass bool) (*data.Instances, error) {
	out, err := c.filters.Apply(insts)
	if err != nil {
		return nil, err
	}
	if sc, ok := c.scaler.Get(); ok && withClass {
		out = out.Copy()
		sc.ApplyToClass(out)
	}
	return out, nil
}

// construct builds the network for the filtered training data, or loads a
// pretrained zoo network and fits its head to the class count.
func (c *classifier) construct(prepared *data.Instances, logger log.Logger) error {
	topo, err := c.iterator.Prepare(prepared)
	if err != nil {
		return err
	}
	numeric := !prepared.IsClassification()
	stack, err := c.stack(topo, numeric, logger)
	if err != nil {
		return err
	}
	if c.zooModel != nil && c.zooModel.Pretrained() != "" {
		if err := c.transfer(topo, numeric, logger); err != nil {
			return err
		}
	} else if err := c.build(topo, stack); err != nil {
		return err
	}
	c.topo = topo
	return nil
}

// stack returns the validated layers for topo.
func (c *classifier) stack(topo backend.Topology, numeric bool, logger log.Logger) ([]*layers.Layer, error) {
	var stack []*layers.Layer
	if c.zooModel != nil {
		if c.zooModel.RequiresImage() && !topo.IsImage() {
			return nil, errors.NewConfigurationErrorf(c.name, "zoo model %s needs an image iterator", c.zooModel.Name())
		}
		var shape convert.ImageShape
		if topo.IsImage() {
			shape = *topo.Image
		}
		var err error
		if stack, err = c.zooModel.Layers(shape, topo.NumOutputs); err != nil {
			return nil, err
		}
	} else {
		for _, l := range c.settings.Layers {
			stack = append(stack, l.Copy())
		}
	}
	if err := layers.ValidateStack(stack, c.outputType); err != nil {
		return nil, err
	}
	if c.outputType == layers.TypeOutput && topo.IsSequence() {
		return nil, errors.NewConfigurationErrorf(c.name, "%s does not take sequence input; use RNNSequenceClassifier", c.name)
	}
	for i, l := range stack {
		if l.IsConvolutional() && !topo.IsImage() {
			return nil, errors.NewConfigurationErrorf(c.name,
				"layer %d (%s) needs image input; use ConvolutionInstanceIterator or ImageInstanceIterator", i, l.Type)
		}
		if l.IsRecurrent() && !topo.IsSequence() {
			return nil, errors.NewConfigurationErrorf(c.name,
				"layer %d (%s) needs sequence input; use RelationalInstanceIterator", i, l.Type)
		}
	}
	if numeric {
		out := stack[len(stack)-1]
		if out.Activation() == layers.ActivationSoftmax {
			if err := out.Set(layers.ParamActivation, string(layers.ActivationIdentity)); err != nil {
				return nil, err
			}
			if err := out.Set(layers.ParamLoss, string(layers.LossMSE)); err != nil {
				return nil, err
			}
			logger.Info("numeric class: output layer switched to identity activation and mse loss",
				log.LayerIndexKey, len(stack)-1,
				log.LayerTypeKey, string(out.Type),
			)
		}
	}
	return stack, nil
}

func (c *classifier) transfer(topo backend.Topology, numeric bool, logger log.Logger) error {
	if numeric {
		return errors.NewConfigurationErrorf(c.name, "pretrained zoo model %s needs a nominal class", c.zooModel.Name())
	}
	raw, err := zoo.LoadPretrained(c.zooModel)
	if err != nil {
		return err
	}
	if err := c.adopt(raw, topo); err != nil {
		return err
	}
	have := c.net.Topology()
	if have.InputWidth() != topo.InputWidth() {
		return errors.NewConfigurationErrorf(c.name, "pretrained network expects input %s, data has %s", have, topo)
	}
	if have.NumOutputs != topo.NumOutputs {
		err := errors.SafeBackendCall("replaceHead", -1, -1, func() error {
			return c.net.ReplaceHead(topo.NumOutputs)
		})
		if err != nil {
			return err
		}
		logger.Info("replaced output head of pretrained network",
			"from_outputs", have.NumOutputs,
			log.ClassesKey, topo.NumOutputs,
		)
	}
	return nil
}

func (c *classifier) encode(insts *data.Instances) (*dataset.DataSet, error) {
	ds, err := c.iterator.Encode(insts)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: encode", c.name)
	}
	return ds, nil
}

// networkOutputs returns one row of per-class outputs per example. For
// sequences it picks the last valid step of each row.
func (c *classifier) networkOutputs(net backend.Network, ds *dataset.DataSet) (*mat.Dense, error) {
	out, err := output(net, ds.Features, c.iterator.Config().BatchSize)
	if err != nil {
		return nil, err
	}
	return c.lastSteps(out, ds)
}

func (c *classifier) lastSteps(m *mat.Dense, ds *dataset.DataSet) (*mat.Dense, error) {
	if !c.topo.IsSequence() {
		return m, nil
	}
	mask := ds.LabelsMask
	if mask == nil {
		mask = ds.FeaturesMask
	}
	if mask == nil {
		return nil, errors.NewDataError(c.name, "sequence data has no mask")
	}
	return convert.StepOutputs(m, convert.LastValidSteps(mask), c.topo.NumOutputs)
}

// scorer computes the early stopping score on the validation data.
func (c *classifier) scorer(valid *dataset.DataSet) train.ScoreFunc {
	metric := c.settings.EarlyStop.Metric
	return func(net backend.Network) (float64, error) {
		out, err := c.networkOutputs(net, valid)
		if err != nil {
			return 0, err
		}
		labels, err := c.lastSteps(valid.Labels, valid)
		if err != nil {
			return 0, err
		}
		if _, ok := c.scaler.Get(); ok {
			return metrics.MSE(labels.RawMatrix().Data, mat.DenseCopyOf(out).RawMatrix().Data)
		}
		truth := metrics.Predictions(labels)
		if metric == train.MetricAccuracy {
			return metrics.Accuracy(truth, metrics.Predictions(out))
		}
		probs := mat.DenseCopyOf(out)
		normalizeRows(probs)
		return metrics.LogLoss(truth, probs)
	}
}

// DistributionsForInstances returns one row per instance: the class
// distribution for a nominal class, or the single prediction for a
// numeric class.
func (c *classifier) DistributionsForInstances(insts *data.Instances) (*mat.Dense, error) {
	if err := c.state.RequireReady(c.name, "DistributionsForInstances"); err != nil {
		return nil, err
	}
	if insts == nil || insts.NumInstances() == 0 {
		return nil, errors.WithStack(errors.ErrEmptyData)
	}
	if ok, reason := c.header.EqualHeaders(insts); !ok {
		return nil, errors.NewDataErrorf(c.name+".DistributionsForInstances", "data does not match the training header: %s", reason)
	}
	if c.zeroR != nil {
		return c.zeroR.Distributions(insts.NumInstances()), nil
	}

	filtered, err := c.transform(insts, false)
	if err != nil {
		return nil, err
	}
	ds, err := c.encode(filtered)
	if err != nil {
		return nil, err
	}
	out, err := c.networkOutputs(c.net, ds)
	if err != nil {
		return nil, err
	}
	res := mat.DenseCopyOf(out)
	if sc, ok := c.scaler.Get(); ok {
		rescaleRows(res, sc)
	} else {
		normalizeRows(res)
	}
	return res, nil
}

// DistributionForInstance classifies one row that follows header.
func (c *classifier) DistributionForInstance(header *data.Instances, inst *data.Instance) ([]float64, error) {
	if header == nil || inst == nil {
		return nil, errors.NewValueError(c.name+".DistributionForInstance", "header and instance are required")
	}
	one := header.Subset(nil)
	if err := one.Add(inst); err != nil {
		return nil, err
	}
	dist, err := c.DistributionsForInstances(one)
	if err != nil {
		return nil, err
	}
	return dist.RawRowView(0), nil
}

// ClassifyInstance returns the index of the most probable class, or the
// prediction for a numeric class.
func (c *classifier) ClassifyInstance(header *data.Instances, inst *data.Instance) (float64, error) {
	dist, err := c.DistributionForInstance(header, inst)
	if err != nil {
		return 0, err
	}
	if len(dist) == 1 && c.header != nil && !c.header.IsClassification() {
		return dist[0], nil
	}
	return float64(metrics.Argmax(dist)), nil
}

// splitValidation holds out pct percent of the rows, chosen with seed.
func splitValidation(insts *data.Instances, pct float64, seed int64) (trainSet, valid *data.Instances) {
	n := insts.NumInstances()
	nValid := int(math.Round(float64(n) * pct / 100))
	if nValid == 0 || nValid >= n {
		return insts, nil
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	validRows := append([]int(nil), perm[:nValid]...)
	trainRows := append([]int(nil), perm[nValid:]...)
	sort.Ints(validRows)
	sort.Ints(trainRows)
	return insts.Subset(trainRows), insts.Subset(validRows)
}

func sameTopology(a, b backend.Topology) bool {
	if a.NumInputs != b.NumInputs || a.SeqLength != b.SeqLength ||
		a.SeqFeatures != b.SeqFeatures || a.NumOutputs != b.NumOutputs {
		return false
	}
	if a.IsImage() != b.IsImage() {
		return false
	}
	return !a.IsImage() || *a.Image == *b.Image
}
