package classifiers

import (
	"context"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/convert"
	"github.com/YuminosukeSato/wekadl/core/model"
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
)

// RNNForecaster は数値の時系列の次のステップを予測する
//
// 各行が1ステップで、数値属性がそのまま系列の列になる（クラス属性は区別しない）。
// 長さ SeqLength の窓から、Targets に挙げた列の次の値を予測する。
// Forecast は予測値を窓に戻しながら任意のステップ数先まで予測する。
// 目標以外の列は最後の既知の値のまま進める。
type RNNForecaster struct {
	base

	Batch     iterators.Config
	SeqLength int
	// Targets は予測する属性名（空なら全ての数値属性）
	Targets []string

	header  *data.Instances
	filters *preprocessing.Pipeline
	columns []int
	targets []int
	topo    backend.Topology
}

func defaultForecastLayers() []*layers.Layer {
	return []*layers.Layer{
		layers.NewLSTM(layers.NOut(32), layers.Act(layers.ActivationTanh)),
		layers.NewRnnOutput(layers.Act(layers.ActivationIdentity), layers.Loss(layers.LossMSE)),
	}
}

// NewRNNForecaster creates a forecaster over windows of 10 steps.
func NewRNNForecaster(opts ...Option) *RNNForecaster {
	f := &RNNForecaster{
		base:      newBase("RNNForecaster", defaultSettings(defaultForecastLayers()...), opts),
		Batch:     iterators.DefaultConfig(),
		SeqLength: 10,
	}
	f.applyBatchSize(&f.Batch)
	return f
}

// Options は固定順のオプションを返す
//
//	-S -numEpochs -seqLength [-targets] <batch options> -layer... <network options>
func (f *RNNForecaster) Options() []string {
	opts := f.settings.headOptions()
	opts = append(opts, "-seqLength", strconv.Itoa(f.SeqLength))
	if len(f.Targets) > 0 {
		opts = append(opts, "-targets", strings.Join(f.Targets, ","))
	}
	opts = append(opts, f.Batch.Options()...)
	opts = append(opts, f.settings.layerOptions()...)
	return append(opts, f.settings.tailOptions()...)
}

// SetOptions parses options; absent options take their default.
func (f *RNNForecaster) SetOptions(opts []string) error {
	rest := append([]string(nil), opts...)
	var settings Settings
	if err := settings.parse(&rest, f.defaults); err != nil {
		return err
	}
	seqLength := 10
	if err := intOption("seqLength", &rest, &seqLength); err != nil {
		return err
	}
	if seqLength <= 0 {
		return errors.NewValidationError("seqLength", "must be positive", seqLength)
	}
	var targets []string
	if v, ok, err := options.GetOption("targets", &rest); err != nil {
		return err
	} else if ok {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				targets = append(targets, t)
			}
		}
	}
	var batch iterators.Config
	if err := batch.ConsumeOptions(&rest); err != nil {
		return err
	}
	if err := options.CheckAllUsed(f.name, rest); err != nil {
		return err
	}
	f.settings, f.SeqLength, f.Targets, f.Batch = settings, seqLength, targets, batch
	return nil
}

func (f *RNNForecaster) String() string {
	return options.String(f.name, f)
}

// TargetNames returns the names of the forecast attributes, in output
// column order. It is empty before the first build.
func (f *RNNForecaster) TargetNames() []string {
	names := make([]string, len(f.targets))
	for j, k := range f.targets {
		names[j] = f.header.Attribute(f.columns[k]).Name
	}
	return names
}

// seriesView hides the class index: every numeric attribute is a column.
func seriesView(insts *data.Instances) *data.Instances {
	v := *insts
	v.ClassIdx = -1
	return &v
}

// resolveColumns picks the numeric attributes and the target positions.
func (f *RNNForecaster) resolveColumns(insts *data.Instances) (columns, targets []int, err error) {
	pos := map[string]int{}
	for j, a := range insts.Attributes {
		if a.IsNumeric() {
			pos[a.Name] = len(columns)
			columns = append(columns, j)
		}
	}
	if len(columns) == 0 {
		return nil, nil, errors.NewDataError(f.name, "no numeric attribute to forecast")
	}
	if len(f.Targets) == 0 {
		for k := range columns {
			targets = append(targets, k)
		}
		return columns, targets, nil
	}
	for _, name := range f.Targets {
		k, ok := pos[name]
		if !ok {
			return nil, nil, errors.NewDataErrorf(f.name, "target %q is not a numeric attribute", name)
		}
		targets = append(targets, k)
	}
	return columns, targets, nil
}

// series extracts the filtered numeric columns as an N×K matrix.
func (f *RNNForecaster) series(insts *data.Instances) (*mat.Dense, error) {
	filtered, err := f.filters.Apply(seriesView(insts))
	if err != nil {
		return nil, err
	}
	n := filtered.NumInstances()
	if n == 0 {
		return nil, errors.WithStack(errors.ErrEmptyData)
	}
	out := mat.NewDense(n, len(f.columns), nil)
	for i, r := range filtered.Rows {
		for k, j := range f.columns {
			v := r.Value(j)
			if data.IsMissingValue(v) {
				v = 0
			}
			out.Set(i, k, v)
		}
	}
	return out, nil
}

// Build trains the forecaster on the series in insts.
func (f *RNNForecaster) Build(ctx context.Context, insts *data.Instances) error {
	if insts == nil {
		return errors.NewValueError(f.name+".Build", "instances are nil")
	}
	if err := f.settings.Validate(); err != nil {
		return err
	}
	if err := f.Batch.Validate(); err != nil {
		return err
	}
	if f.settings.EarlyStop.Metric == train.MetricAccuracy {
		return errors.NewConfigurationError(f.name, "early stopping on accuracy needs a nominal class")
	}
	logger := f.log().With(log.OperationKey, log.OperationBuild)
	view := seriesView(insts)

	resume := f.resumable()
	if resume {
		if ok, reason := f.header.EqualHeaders(view); !ok {
			return errors.NewDataErrorf(f.name+".Build", "cannot resume on data with a different header: %s", reason)
		}
	} else {
		columns, targets, err := f.resolveColumns(insts)
		if err != nil {
			return err
		}
		f.columns, f.targets = columns, targets
		f.header = view.CopyHeader()
		// 早期終了用の末尾の窓が読む行はフィルタのフィットに使わない
		fitRows := make([]int, insts.NumInstances()-f.validationWindows(insts.NumInstances()))
		for i := range fitRows {
			fitRows[i] = i
		}
		f.filters = preprocessing.NewPipeline(preprocessing.NewReplaceMissingValues(), preprocessing.NewNormalize())
		if _, err := f.filters.FitApply(view.Subset(fitRows)); err != nil {
			return err
		}
	}

	series, err := f.series(insts)
	if err != nil {
		return err
	}
	ds, err := convert.Windows(series, f.SeqLength, f.targets)
	if err != nil {
		return err
	}
	topo := backend.Topology{SeqLength: f.SeqLength, SeqFeatures: len(f.columns), NumOutputs: len(f.targets)}
	if resume {
		if !sameTopology(topo, f.topo) {
			return errors.NewConfigurationErrorf(f.name, "cannot resume: data shape %s differs from the network's %s", topo, f.topo)
		}
	} else {
		stack, err := f.stack(logger)
		if err != nil {
			return err
		}
		if err := f.build(topo, stack); err != nil {
			return err
		}
		f.topo = topo
	}

	var score train.ScoreFunc
	if nValid := f.validationWindows(insts.NumInstances()); nValid > 0 {
		m := ds.NumExamples()
		valid := ds.Range(m-nValid, m)
		ds = ds.Range(0, m-nValid)
		score = f.scorer(valid)
	}
	return f.fit(ctx, ds, &f.Batch, score)
}

// validationWindows is the number of tail windows held out for early
// stopping on a series of n rows. The remaining training windows read only
// rows [0, n-validationWindows(n)).
func (f *RNNForecaster) validationWindows(n int) int {
	es := f.settings.EarlyStop
	m := n - f.SeqLength
	if !es.Enabled() || m <= 0 {
		return 0
	}
	nValid := int(math.Round(float64(m) * es.ValidationPct / 100))
	if nValid >= m {
		return 0
	}
	return nValid
}

func (f *RNNForecaster) stack(logger log.Logger) ([]*layers.Layer, error) {
	stack := make([]*layers.Layer, 0, len(f.settings.Layers))
	for _, l := range f.settings.Layers {
		stack = append(stack, l.Copy())
	}
	if err := layers.ValidateStack(stack, layers.TypeRnnOutput); err != nil {
		return nil, err
	}
	for i, l := range stack {
		if l.IsConvolutional() {
			return nil, errors.NewConfigurationErrorf(f.name, "layer %d (%s) needs image input", i, l.Type)
		}
	}
	out := stack[len(stack)-1]
	if out.Activation() == layers.ActivationSoftmax {
		if err := out.Set(layers.ParamActivation, string(layers.ActivationIdentity)); err != nil {
			return nil, err
		}
		if err := out.Set(layers.ParamLoss, string(layers.LossMSE)); err != nil {
			return nil, err
		}
		logger.Info("forecasting: output layer switched to identity activation and mse loss",
			log.LayerIndexKey, len(stack)-1)
	}
	return stack, nil
}

// lastOutputs returns the outputs at the last valid step of each window.
func (f *RNNForecaster) lastOutputs(net backend.Network, ds *dataset.DataSet) (*mat.Dense, error) {
	out, err := output(net, ds.Features, f.Batch.BatchSize)
	if err != nil {
		return nil, err
	}
	return convert.StepOutputs(out, convert.LastValidSteps(ds.LabelsMask), len(f.targets))
}

func (f *RNNForecaster) scorer(valid *dataset.DataSet) train.ScoreFunc {
	return func(net backend.Network) (float64, error) {
		out, err := f.lastOutputs(net, valid)
		if err != nil {
			return 0, err
		}
		labels, err := convert.StepOutputs(valid.Labels, convert.LastValidSteps(valid.LabelsMask), len(f.targets))
		if err != nil {
			return 0, err
		}
		return metrics.MSE(labels.RawMatrix().Data, out.RawMatrix().Data)
	}
}

func (f *RNNForecaster) checkReady(method string, insts *data.Instances) error {
	if err := f.state.RequireReady(f.name, method); err != nil {
		return err
	}
	if insts == nil {
		return errors.NewValueError(f.name+"."+method, "instances are nil")
	}
	if ok, reason := f.header.EqualHeaders(seriesView(insts)); !ok {
		return errors.NewDataErrorf(f.name+"."+method, "data does not match the training header: %s", reason)
	}
	return nil
}

// unscale maps a normalised target value back to the data scale.
func (f *RNNForecaster) unscale(k int, v float64) float64 {
	norm, ok := f.filters.Filters[len(f.filters.Filters)-1].(*preprocessing.Normalize)
	if !ok {
		return v
	}
	return norm.InverseValue(f.columns[f.targets[k]], v)
}

// OneStepAhead predicts every step after the first SeqLength steps of
// insts from the window before it. Row i of the result is step
// SeqLength+i, one column per target.
func (f *RNNForecaster) OneStepAhead(insts *data.Instances) (*mat.Dense, error) {
	if err := f.checkReady("OneStepAhead", insts); err != nil {
		return nil, err
	}
	series, err := f.series(insts)
	if err != nil {
		return nil, err
	}
	ds, err := convert.Windows(series, f.SeqLength, f.targets)
	if err != nil {
		return nil, err
	}
	out, err := f.lastOutputs(f.net, ds)
	if err != nil {
		return nil, err
	}
	res := mat.DenseCopyOf(out)
	res.Apply(func(_, k int, v float64) float64 { return f.unscale(k, v) }, res)
	return res, nil
}

// Forecast predicts the next steps after the end of history, feeding each
// prediction back into the window. The result has one row per step and
// one column per target, in the data scale.
func (f *RNNForecaster) Forecast(history *data.Instances, steps int) (*mat.Dense, error) {
	if err := f.checkReady("Forecast", history); err != nil {
		return nil, err
	}
	if steps <= 0 {
		return nil, errors.NewValidationError("steps", "must be positive", steps)
	}
	series, err := f.series(history)
	if err != nil {
		return nil, err
	}
	n, k := series.Dims()
	if n < f.SeqLength {
		return nil, errors.NewDataErrorf(f.name+".Forecast", "history has %d steps, need at least %d", n, f.SeqLength)
	}
	window := mat.DenseCopyOf(series.Slice(n-f.SeqLength, n, 0, k))
	nt := len(f.targets)
	res := mat.NewDense(steps, nt, nil)
	next := make([]float64, k)

	for s := 0; s < steps; s++ {
		feats, err := convert.WindowFeatures(window, f.SeqLength)
		if err != nil {
			return nil, err
		}
		out, err := output(f.net, mat.NewDense(1, len(feats), feats), 1)
		if err != nil {
			return nil, err
		}
		pred := out.RawRowView(0)[(f.SeqLength-1)*nt : f.SeqLength*nt]

		copy(next, window.RawRowView(f.SeqLength-1))
		for j, c := range f.targets {
			next[c] = pred[j]
			res.Set(s, j, f.unscale(j, pred[j]))
		}
		// 窓を1ステップ進める
		raw := window.RawMatrix().Data
		copy(raw, raw[k:])
		window.SetRow(f.SeqLength-1, next)
	}
	f.log().Debug("forecast", log.OperationKey, log.OperationPredict, "steps", steps)
	return res, nil
}

// Snapshot captures the forecaster.
func (f *RNNForecaster) Snapshot() (*ForecasterSnapshot, error) {
	raw, err := f.networkBytes()
	if err != nil {
		return nil, err
	}
	return &ForecasterSnapshot{
		ID:       f.id,
		Options:  f.Options(),
		State:    f.state.GetState(),
		Network:  raw,
		Topology: f.topo,
		Filters:  f.filters,
		Header:   f.header,
		Columns:  f.columns,
		Targets:  f.targets,
	}, nil
}

// Restore replaces the forecaster with a snapshot.
func (f *RNNForecaster) Restore(s *ForecasterSnapshot) error {
	if s == nil {
		return errors.NewValueError(f.name+".Restore", "snapshot is nil")
	}
	if err := f.SetOptions(s.Options); err != nil {
		return errors.Wrap(err, "restore options")
	}
	if err := f.restoreNetwork(s.Network); err != nil {
		return err
	}
	if s.ID != "" {
		f.id = s.ID
	}
	f.topo, f.filters, f.header = s.Topology, s.Filters, s.Header
	f.columns, f.targets = s.Columns, s.Targets
	f.state.SetState(s.State)
	return nil
}

// SaveFile writes the forecaster to path.
func (f *RNNForecaster) SaveFile(path string) error {
	s, err := f.Snapshot()
	if err != nil {
		return err
	}
	return model.SaveModel(s, path)
}

// LoadFile reads a forecaster written by SaveFile.
func (f *RNNForecaster) LoadFile(path string) error {
	var s ForecasterSnapshot
	if err := model.LoadModel(&s, path); err != nil {
		return err
	}
	return f.Restore(&s)
}

// ForecasterSnapshot is the gob form of an RNNForecaster.
type ForecasterSnapshot struct {
	ID       string
	Options  []string
	State    model.Snapshot
	Network  []byte
	Topology backend.Topology
	Filters  *preprocessing.Pipeline
	Header   *data.Instances
	Columns  []int
	Targets  []int
}
