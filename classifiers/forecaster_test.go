package classifiers

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/wekadl/core/model"
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/preprocessing"
	"github.com/YuminosukeSato/wekadl/train"
)

func series(t *testing.T, n int) *data.Instances {
	t.Helper()
	insts := data.NewInstances("series", []*data.Attribute{
		data.NewNumericAttribute("time"),
		data.NewNumericAttribute("a"),
		data.NewNominalAttribute("tag", "x", "y"),
		data.NewNumericAttribute("b"),
	}, n)
	for i := 0; i < n; i++ {
		v := float64(i)
		require.NoError(t, insts.Add(data.NewDenseInstance(1, []float64{v, 10 + 3*math.Sin(v/4), float64(i % 2), math.Cos(v / 3)})))
	}
	// クラス属性は系列の列としては区別しない
	require.NoError(t, insts.SetClassIndex(2))
	return insts
}

func TestRNNForecaster(t *testing.T) {
	insts := series(t, 40)
	f := NewRNNForecaster(WithBackend(fakeBackendName), WithEpochs(3), WithBatchSize(8))
	f.SeqLength = 5
	f.Targets = []string{"a"}
	require.NoError(t, f.Build(context.Background(), insts))

	assert.Equal(t, model.Ready, f.State().Current())
	assert.Equal(t, []int{0, 1, 3}, f.columns)
	assert.Equal(t, []int{1}, f.targets)
	assert.Equal(t, 5, f.topo.SeqLength)
	assert.Equal(t, 3, f.topo.SeqFeatures)
	assert.Equal(t, 1, f.topo.NumOutputs)
	assert.Equal(t, 3*5, fakeNet(t, f).Fits, "35 windows in batches of 8")

	ahead, err := f.OneStepAhead(insts)
	require.NoError(t, err)
	r, c := ahead.Dims()
	assert.Equal(t, 35, r)
	assert.Equal(t, 1, c)

	fc, err := f.Forecast(insts, 4)
	require.NoError(t, err)
	r, c = fc.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 1, c)
	for _, v := range fc.RawMatrix().Data {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}

	path := filepath.Join(t.TempDir(), "forecaster.model")
	require.NoError(t, f.SaveFile(path))
	g := NewRNNForecaster()
	require.NoError(t, g.LoadFile(path))
	assert.Equal(t, f.Options(), g.Options())
	again, err := g.Forecast(insts, 4)
	require.NoError(t, err)
	assert.InDeltaSlice(t, fc.RawMatrix().Data, again.RawMatrix().Data, 1e-12)
}

func TestRNNForecaster_UntrainedNetworkForecastsTheMinimum(t *testing.T) {
	// 学習しないネットワークの出力は常に0で、正規化を戻すと最小値になる
	insts := series(t, 30)
	f := NewRNNForecaster(WithBackend(frozenBackendName), WithEpochs(1))
	f.SeqLength = 4
	f.Targets = []string{"time", "b"}
	require.NoError(t, f.Build(context.Background(), insts))

	fc, err := f.Forecast(insts, 2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, -1, 0, -1}, fc.RawMatrix().Data, 0.02)
}

func TestRNNForecaster_OptionsRoundTrip(t *testing.T) {
	f := NewRNNForecaster(WithEpochs(4), WithBackend(fakeBackendName))
	f.SeqLength = 12
	f.Targets = []string{"a", "b"}
	opts := f.Options()

	g := NewRNNForecaster()
	require.NoError(t, g.SetOptions(opts))
	assert.Equal(t, opts, g.Options())
	assert.Equal(t, 12, g.SeqLength)
	assert.Equal(t, []string{"a", "b"}, g.Targets)

	assert.Error(t, g.SetOptions([]string{"-seqLength", "0"}))
	assert.Equal(t, 12, g.SeqLength)
}

func TestRNNForecaster_Errors(t *testing.T) {
	ctx := context.Background()

	f := NewRNNForecaster(WithBackend(fakeBackendName))
	f.Targets = []string{"tag"}
	var de *errors.DataError
	assert.True(t, errors.As(f.Build(ctx, series(t, 30)), &de), "nominal target")

	f = NewRNNForecaster(WithBackend(fakeBackendName))
	f.SeqLength = 30
	assert.Error(t, f.Build(ctx, series(t, 30)), "series no longer than the window")

	f = NewRNNForecaster(WithBackend(fakeBackendName), WithEarlyStopping(2, 20, train.MetricAccuracy))
	var ce *errors.ConfigurationError
	assert.True(t, errors.As(f.Build(ctx, series(t, 30)), &ce))

	f = NewRNNForecaster(WithBackend(fakeBackendName), WithEpochs(1))
	_, err := f.Forecast(series(t, 30), 3)
	var nf *errors.NotFittedError
	assert.True(t, errors.As(err, &nf))

	require.NoError(t, f.Build(ctx, series(t, 30)))
	_, err = f.Forecast(series(t, 30), 0)
	assert.Error(t, err)
	_, err = f.Forecast(series(t, 5), 1)
	assert.Error(t, err, "history shorter than the window")
}

func TestRNNForecaster_EarlyStoppingOnTailWindows(t *testing.T) {
	f := NewRNNForecaster(WithBackend(frozenBackendName), WithEpochs(10), WithEarlyStopping(1, 20, train.MetricLoss))
	f.SeqLength = 5
	require.NoError(t, f.Build(context.Background(), series(t, 40)))
	res := f.LastResult()
	require.NotNil(t, res)
	assert.Equal(t, train.ReasonEarlyStopped, res.Reason)
	assert.Equal(t, 2, res.Epochs)
	_, nSamples, _ := f.State().GetDimensions()
	assert.Equal(t, 28, nSamples, "7 of 35 windows held out")
}

func TestRNNForecaster_FiltersIgnoreHeldOutRows(t *testing.T) {
	insts := series(t, 40)
	// 検証用の末尾の窓だけが読む行に外れ値を置く
	insts.Rows[39].Vals[1] = 1e6
	f := NewRNNForecaster(WithBackend(fakeBackendName), WithEpochs(1), WithEarlyStopping(1, 20, train.MetricLoss))
	f.SeqLength = 5
	require.NoError(t, f.Build(context.Background(), insts))

	assert.Equal(t, 7, f.validationWindows(40))
	norm, ok := f.filters.Filters[1].(*preprocessing.Normalize)
	require.True(t, ok)
	assert.Less(t, norm.DataMax[1], 14.0, "max of a over the first 33 rows")

	plain := NewRNNForecaster(WithBackend(fakeBackendName), WithEpochs(1))
	plain.SeqLength = 5
	require.NoError(t, plain.Build(context.Background(), insts))
	assert.Zero(t, plain.validationWindows(40))
	assert.Equal(t, 1e6, plain.filters.Filters[1].(*preprocessing.Normalize).DataMax[1])
}
