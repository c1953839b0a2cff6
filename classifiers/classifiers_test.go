package classifiers

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/core/model"
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/layers"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/pkg/log"
	"github.com/YuminosukeSato/wekadl/preprocessing"
	"github.com/YuminosukeSato/wekadl/train"
	"github.com/YuminosukeSato/wekadl/zoo"
)

// irisLike は4つの数値属性と3クラスの名義クラスを持つ150行のデータ
func irisLike(t *testing.T) *data.Instances {
	t.Helper()
	insts := data.NewInstances("iris", []*data.Attribute{
		data.NewNumericAttribute("sepallength"),
		data.NewNumericAttribute("sepalwidth"),
		data.NewNumericAttribute("petallength"),
		data.NewNumericAttribute("petalwidth"),
		data.NewNominalAttribute("class", "setosa", "versicolor", "virginica"),
	}, 150)
	for i := 0; i < 150; i++ {
		cls := i % 3
		row := make([]float64, 5)
		for j := 0; j < 4; j++ {
			row[j] = float64(cls*(j+1)) + 0.3*math.Sin(float64(i*(j+2)))
		}
		row[4] = float64(cls)
		require.NoError(t, insts.Add(data.NewDenseInstance(1, row)))
	}
	require.NoError(t, insts.SetClassIndex(4))
	return insts
}

func regressionData(t *testing.T, n int) *data.Instances {
	t.Helper()
	insts := data.NewInstances("reg", []*data.Attribute{
		data.NewNumericAttribute("x1"),
		data.NewNumericAttribute("x2"),
		data.NewNumericAttribute("y"),
	}, n)
	for i := 0; i < n; i++ {
		x1, x2 := float64(i)/float64(n), math.Cos(float64(i))
		require.NoError(t, insts.Add(data.NewDenseInstance(1, []float64{x1, x2, 100 + 20*x1 - 5*x2})))
	}
	require.NoError(t, insts.SetClassIndex(2))
	return insts
}

func sequences(t *testing.T) *data.Instances {
	t.Helper()
	step := data.NewInstances("step", []*data.Attribute{
		data.NewNumericAttribute("a"),
		data.NewNumericAttribute("b"),
	}, 0)
	seq := data.NewRelationalAttribute("seq", step)
	insts := data.NewInstances("seqs", []*data.Attribute{seq, data.NewNominalAttribute("label", "up", "down")}, 8)
	for i, length := range []int{4, 6, 3, 5, 6, 2, 4, 5} {
		bag := step.CopyHeader()
		sign := 1.0
		if i%2 == 1 {
			sign = -1
		}
		for s := 0; s < length; s++ {
			require.NoError(t, bag.Add(data.NewDenseInstance(1, []float64{sign * float64(s), float64(i)})))
		}
		idx, err := seq.AddBag(bag)
		require.NoError(t, err)
		require.NoError(t, insts.Add(data.NewDenseInstance(1, []float64{float64(idx), float64(i % 2)})))
	}
	require.NoError(t, insts.SetClassIndex(1))
	return insts
}

func assertDistributions(t *testing.T, rows, cols int, c Classifier, insts *data.Instances) {
	t.Helper()
	dist, err := c.DistributionsForInstances(insts)
	require.NoError(t, err)
	r, k := dist.Dims()
	require.Equal(t, rows, r)
	require.Equal(t, cols, k)
	for i := 0; i < r; i++ {
		row := dist.RawRowView(i)
		assert.InDelta(t, 1, floats.Sum(row), 1e-9, "row %d", i)
		for _, v := range row {
			assert.GreaterOrEqual(t, v, 0.0)
		}
	}
}

func fakeNet(t *testing.T, c interface{ Network() backend.Network }) *fakeNetwork {
	t.Helper()
	n, ok := c.Network().(*fakeNetwork)
	require.True(t, ok, "network is %T", c.Network())
	return n
}

func TestMLPClassifier_OptionsRoundTrip(t *testing.T) {
	c := NewMLPClassifier(
		WithEpochs(7),
		WithSeed(42),
		WithLayers(layers.NewDense(layers.NOut(8), layers.Act(layers.ActivationReLU)), layers.NewOutput()),
		WithEarlyStopping(3, 10, train.MetricLoss),
		WithBackend(fakeBackendName),
	)
	opts := c.Options()

	d := NewMLPClassifier()
	require.NoError(t, d.SetOptions(opts))
	assert.Equal(t, opts, d.Options())
	assert.Equal(t, 7, d.Settings().Epochs)
	assert.Len(t, d.Settings().Layers, 2)

	err := d.SetOptions([]string{"-numEpochs", "3", "-bogus", "1"})
	require.Error(t, err)
	assert.Equal(t, opts, d.Options(), "a failed SetOptions must not change anything")
}

func TestMLPClassifier_SetOptionsDefaults(t *testing.T) {
	c := NewMLPClassifier(WithEpochs(50))
	require.NoError(t, c.SetOptions(nil))
	assert.Equal(t, 10, c.Settings().Epochs)
	assert.Equal(t, preprocessing.FilterStandardize, c.FilterType())

	r := NewRNNSequenceClassifier()
	require.NoError(t, r.SetOptions(nil))
	assert.Equal(t, preprocessing.FilterNone, r.FilterType())
}

func TestMLPClassifier_IrisShaped(t *testing.T) {
	insts := irisLike(t)
	logger, _ := log.NewTestLogger(log.LevelDebug)
	history := &train.History{}
	c := NewMLPClassifier(
		WithBackend(fakeBackendName),
		WithEpochs(20),
		WithBatchSize(16),
		WithLogger(logger),
		WithListeners(history),
	)
	require.NoError(t, c.BuildClassifier(context.Background(), insts))

	assert.Equal(t, model.Ready, c.State().Current())
	total, session := c.State().Epochs()
	assert.Equal(t, 20, total)
	assert.Equal(t, 20, session)
	require.Equal(t, 20, history.Len())
	assert.Less(t, history.Loss[19], history.Loss[0])
	assert.Equal(t, 20*10, fakeNet(t, c).Fits, "150 rows in batches of 16")

	assertDistributions(t, 150, 3, c, insts)
	assert.True(t, logger.ContainsMessage("training finished"))
	assert.True(t, logger.ContainsMessage("network built"))

	pred, err := c.ClassifyInstance(insts, insts.Instance(0))
	require.NoError(t, err)
	assert.True(t, pred >= 0 && pred < 3)
}

func TestMLPClassifier_NotFitted(t *testing.T) {
	c := NewMLPClassifier(WithBackend(fakeBackendName))
	_, err := c.DistributionsForInstances(irisLike(t))
	var nf *errors.NotFittedError
	assert.True(t, errors.As(err, &nf))
}

func TestMLPClassifier_RejectsOtherHeader(t *testing.T) {
	c := NewMLPClassifier(WithBackend(fakeBackendName), WithEpochs(1))
	require.NoError(t, c.BuildClassifier(context.Background(), irisLike(t)))

	_, err := c.DistributionsForInstances(regressionData(t, 5))
	var de *errors.DataError
	assert.True(t, errors.As(err, &de))
}

func TestFakeNetwork_MarshalAndLoad(t *testing.T) {
	b, err := backend.Get(fakeBackendName)
	require.NoError(t, err)
	net, err := b.Build(backend.DefaultNetworkConfig(), backend.Topology{NumInputs: 2, NumOutputs: 1}, nil)
	require.NoError(t, err)
	fn := net.(*fakeNetwork)
	fn.W = []float64{0.5, -1.5}
	fn.Fits = 7

	raw, err := net.MarshalBinary()
	require.NoError(t, err)
	loaded, err := b.Load(raw)
	require.NoError(t, err)
	assert.Equal(t, fn, loaded.(*fakeNetwork))
}

func TestMLPClassifier_Resume(t *testing.T) {
	ctx := context.Background()
	insts := irisLike(t)
	c := NewMLPClassifier(WithBackend(fakeBackendName), WithEpochs(3), WithBatchSize(50), WithResume(true))
	require.NoError(t, c.BuildClassifier(ctx, insts))
	total, _ := c.State().Epochs()
	require.Equal(t, 3, total)
	before, err := c.DistributionsForInstances(insts)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.Save(&buf))

	d := NewMLPClassifier()
	require.NoError(t, d.Load(&buf))
	assert.Equal(t, model.Ready, d.State().Current())
	assert.Equal(t, c.ID(), d.ID())
	restored, err := d.DistributionsForInstances(insts)
	require.NoError(t, err)
	assert.Equal(t, before.RawMatrix().Data, restored.RawMatrix().Data)

	require.NoError(t, d.BuildClassifier(ctx, insts))
	total, session := d.State().Epochs()
	assert.Equal(t, 6, total)
	assert.Equal(t, 3, session)
	assert.Equal(t, 2*3*3, fakeNet(t, d).Fits)

	// 別のヘッダでは再開できない
	err = d.BuildClassifier(ctx, regressionData(t, 20))
	var de *errors.DataError
	assert.True(t, errors.As(err, &de))
	total, _ = d.State().Epochs()
	assert.Equal(t, 6, total)
}

func TestMLPClassifier_WithoutResumeStartsOver(t *testing.T) {
	ctx := context.Background()
	c := NewMLPClassifier(WithBackend(fakeBackendName), WithEpochs(2))
	require.NoError(t, c.BuildClassifier(ctx, irisLike(t)))
	require.NoError(t, c.BuildClassifier(ctx, irisLike(t)))
	total, _ := c.State().Epochs()
	assert.Equal(t, 2, total)
}

func TestMLPClassifier_ZeroRFallback(t *testing.T) {
	t.Run("class only", func(t *testing.T) {
		insts := data.NewInstances("c", []*data.Attribute{data.NewNominalAttribute("class", "a", "b", "c")}, 4)
		for _, v := range []float64{0, 0, 1, 2} {
			require.NoError(t, insts.Add(data.NewDenseInstance(1, []float64{v})))
		}
		require.NoError(t, insts.SetClassIndex(0))

		c := NewMLPClassifier(WithBackend(fakeBackendName))
		require.NoError(t, c.BuildClassifier(context.Background(), insts))
		assert.True(t, c.UsesZeroR())
		assert.Nil(t, c.Network())

		want, err := FitZeroR(insts)
		require.NoError(t, err)
		dist, err := c.DistributionForInstance(insts, insts.Instance(0))
		require.NoError(t, err)
		assert.InDeltaSlice(t, want.Distribution(), dist, 1e-12)
		assert.InDeltaSlice(t, []float64{3.0 / 7, 2.0 / 7, 2.0 / 7}, dist, 1e-12)
	})

	t.Run("every class missing", func(t *testing.T) {
		insts := irisLike(t)
		for _, r := range insts.Rows {
			r.SetValue(4, data.Missing)
		}
		c := NewMLPClassifier(WithBackend(fakeBackendName))
		require.NoError(t, c.BuildClassifier(context.Background(), insts))
		assert.True(t, c.UsesZeroR())
		assertDistributions(t, 150, 3, c, insts)
		dist, err := c.DistributionForInstance(insts, insts.Instance(7))
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, dist, 1e-12)
	})
}

func TestMLPClassifier_NumericClass(t *testing.T) {
	insts := regressionData(t, 60)
	c := NewMLPClassifier(WithBackend(fakeBackendName), WithEpochs(5))
	require.NoError(t, c.BuildClassifier(context.Background(), insts))

	dist, err := c.DistributionsForInstances(insts)
	require.NoError(t, err)
	r, k := dist.Dims()
	assert.Equal(t, 60, r)
	assert.Equal(t, 1, k)

	pred, err := c.ClassifyInstance(insts, insts.Instance(3))
	require.NoError(t, err)
	assert.InDelta(t, dist.At(3, 0), pred, 1e-9)
	assert.False(t, math.IsNaN(pred))
}

func TestMLPClassifier_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		stack []*layers.Layer
	}{
		{"convolution without image", []*layers.Layer{
			layers.NewConvolution(layers.NOut(4)),
			layers.NewOutput(),
		}},
		{"no output layer", []*layers.Layer{layers.NewDense(layers.NOut(4))}},
		{"recurrent output", []*layers.Layer{layers.NewDense(layers.NOut(4)), layers.NewRnnOutput()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewMLPClassifier(WithBackend(fakeBackendName), WithLayers(tt.stack...))
			err := c.BuildClassifier(context.Background(), irisLike(t))
			var ce *errors.ConfigurationError
			assert.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, model.Uninitialized, c.State().Current())
		})
	}
}

func TestMLPClassifier_AccuracyMetricNeedsNominalClass(t *testing.T) {
	c := NewMLPClassifier(WithBackend(fakeBackendName), WithEarlyStopping(2, 20, train.MetricAccuracy))
	err := c.BuildClassifier(context.Background(), regressionData(t, 30))
	var ce *errors.ConfigurationError
	assert.True(t, errors.As(err, &ce))
}

func TestMLPClassifier_EarlyStopping(t *testing.T) {
	c := NewMLPClassifier(
		WithBackend(frozenBackendName),
		WithEpochs(20),
		WithEarlyStopping(2, 20, train.MetricLoss),
	)
	require.NoError(t, c.BuildClassifier(context.Background(), irisLike(t)))

	res := c.LastResult()
	require.NotNil(t, res)
	assert.Equal(t, train.ReasonEarlyStopped, res.Reason)
	assert.Equal(t, 3, res.Epochs)
	assert.Equal(t, 0, res.BestEpoch)
	assert.Equal(t, model.Ready, c.State().Current())
	total, _ := c.State().Epochs()
	assert.Equal(t, 3, total)
}

func TestMLPClassifier_Stop(t *testing.T) {
	c := NewMLPClassifier(WithBackend(fakeBackendName), WithEpochs(50))
	c.AddListener(train.ListenerFunc(func(env *train.EpochEnv) error {
		if env.Epoch == 1 {
			c.Stop()
		}
		return nil
	}))
	require.NoError(t, c.BuildClassifier(context.Background(), irisLike(t)))

	assert.Equal(t, train.ReasonStopped, c.LastResult().Reason)
	assert.Equal(t, 2, c.LastResult().Epochs)
	assert.Equal(t, model.Ready, c.State().Current())
	assertDistributions(t, 150, 3, c, irisLike(t))
}

func TestMLPClassifier_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewMLPClassifier(WithBackend(fakeBackendName), WithEpochs(50))
	c.AddListener(train.ListenerFunc(func(env *train.EpochEnv) error {
		if env.Epoch == 2 {
			cancel()
		}
		return nil
	}))
	require.NoError(t, c.BuildClassifier(ctx, irisLike(t)))
	assert.Equal(t, train.ReasonCancelled, c.LastResult().Reason)
	assert.Equal(t, 3, c.LastResult().Epochs)
}

func TestMLPClassifier_SaveFileAndLoadFile(t *testing.T) {
	insts := irisLike(t)
	c := NewMLPClassifier(WithBackend(fakeBackendName), WithEpochs(2))
	require.NoError(t, c.BuildClassifier(context.Background(), insts))

	path := filepath.Join(t.TempDir(), "mlp.model")
	require.NoError(t, c.SaveFile(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	_, ok := loaded.(*MLPClassifier)
	require.True(t, ok)
	assert.Equal(t, c.Options(), loaded.Options())

	want, err := c.DistributionsForInstances(insts)
	require.NoError(t, err)
	got, err := loaded.DistributionsForInstances(insts)
	require.NoError(t, err)
	assert.Equal(t, want.RawMatrix().Data, got.RawMatrix().Data)
}

func TestRestore_RejectsOtherModel(t *testing.T) {
	s, err := NewRNNSequenceClassifier().Snapshot()
	require.NoError(t, err)
	var de *errors.DataError
	assert.True(t, errors.As(NewMLPClassifier().Restore(s), &de))
}

func TestNew(t *testing.T) {
	c, err := New("rnn", WithEpochs(2))
	require.NoError(t, err)
	_, ok := c.(*RNNSequenceClassifier)
	assert.True(t, ok)

	_, err = New("svm")
	var ce *errors.ConfigurationError
	assert.True(t, errors.As(err, &ce))
}

func TestRNNSequenceClassifier(t *testing.T) {
	insts := sequences(t)
	c := NewRNNSequenceClassifier(WithBackend(fakeBackendName), WithEpochs(4), WithBatchSize(3))
	require.NoError(t, c.BuildClassifier(context.Background(), insts))

	topo := c.Topology()
	assert.True(t, topo.IsSequence())
	assert.Equal(t, 6, topo.SeqLength)
	assert.Equal(t, 2, topo.SeqFeatures)
	assert.Equal(t, 2, topo.NumOutputs)
	assert.Equal(t, 4*3, fakeNet(t, c).Fits)

	assertDistributions(t, 8, 2, c, insts)
}

func TestRNNSequenceClassifier_RejectsFlatData(t *testing.T) {
	c := NewRNNSequenceClassifier(WithBackend(fakeBackendName))
	c.SetIterator(NewMLPClassifier().Iterator())
	err := c.BuildClassifier(context.Background(), irisLike(t))
	var ce *errors.ConfigurationError
	assert.True(t, errors.As(err, &ce), "got %v", err)
}

func TestSplitValidation(t *testing.T) {
	insts := irisLike(t)
	trainSet, valid := splitValidation(insts, 20, 1)
	require.NotNil(t, valid)
	assert.Equal(t, 30, valid.NumInstances())
	assert.Equal(t, 120, trainSet.NumInstances())

	again, _ := splitValidation(insts, 20, 1)
	assert.Equal(t, trainSet.Rows, again.Rows)

	all, none := splitValidation(insts, 0.1, 1)
	assert.Nil(t, none)
	assert.Equal(t, 150, all.NumInstances())
}

func TestNormalizeRows(t *testing.T) {
	out := mat.NewDense(4, 3, []float64{
		2, 2, 4,
		-1, math.NaN(), 3,
		0, 0, 0,
		-5, -1, -2,
	})
	normalizeRows(out)
	assert.InDeltaSlice(t, []float64{0.25, 0.25, 0.5}, out.RawRowView(0), 1e-12)
	assert.InDeltaSlice(t, []float64{0, 0, 1}, out.RawRowView(1), 1e-12)
	assert.InDeltaSlice(t, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, out.RawRowView(2), 1e-12)
	assert.InDeltaSlice(t, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, out.RawRowView(3), 1e-12)
}

func TestEarlyStoppingString(t *testing.T) {
	es := EarlyStopping{Patience: 5, ValidationPct: 10, Metric: train.MetricAccuracy}
	parsed, err := ParseEarlyStopping(es.String())
	require.NoError(t, err)
	assert.Equal(t, es, parsed)

	_, err = ParseEarlyStopping("five")
	assert.Error(t, err)
}

func TestMLPClassifier_PretrainedZooModel(t *testing.T) {
	ctx := context.Background()
	source := NewMLPClassifier(WithBackend(fakeBackendName), WithEpochs(2))
	zm, err := zoo.Parse("MLP -hidden 8")
	require.NoError(t, err)
	source.SetZooModel(zm)
	require.NoError(t, source.BuildClassifier(ctx, irisLike(t)))

	raw, err := source.NetworkBytes()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "source.net")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	// 同じ4属性で2クラスのデータ
	binary := data.NewInstances("binary", []*data.Attribute{
		data.NewNumericAttribute("f1"),
		data.NewNumericAttribute("f2"),
		data.NewNumericAttribute("f3"),
		data.NewNumericAttribute("f4"),
		data.NewNominalAttribute("class", "no", "yes"),
	}, 20)
	for i := 0; i < 20; i++ {
		v := float64(i)
		require.NoError(t, binary.Add(data.NewDenseInstance(1, []float64{v, -v, v / 2, 1, float64(i % 2)})))
	}
	require.NoError(t, binary.SetClassIndex(4))

	target := NewMLPClassifier(WithBackend(fakeBackendName), WithEpochs(1))
	require.NoError(t, target.SetOptions([]string{"-backend", fakeBackendName, "-numEpochs", "1",
		"-zooModel", "MLP -hidden 8 -pretrained " + path}))
	require.NoError(t, target.BuildClassifier(ctx, binary))
	assert.Equal(t, 2, target.Topology().NumOutputs)
	assert.Equal(t, 2, fakeNet(t, target).Topo.NumOutputs)
	assertDistributions(t, 20, 2, target, binary)

	// 入力幅が違えば転移できない
	wide := NewMLPClassifier()
	require.NoError(t, wide.SetOptions([]string{"-backend", fakeBackendName, "-zooModel", "MLP -pretrained " + path}))
	err = wide.BuildClassifier(ctx, regressionData(t, 10))
	assert.Error(t, err)
}
