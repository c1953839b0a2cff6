package loom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/convert"
	"github.com/YuminosukeSato/wekadl/core/opt"
	"github.com/YuminosukeSato/wekadl/dataset"
	"github.com/YuminosukeSato/wekadl/layers"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/pkg/log"
)

func mlpStack() []*layers.Layer {
	return []*layers.Layer{
		layers.NewDense(layers.NOut(8)),
		layers.NewOutput(),
	}
}

func TestCompile_MLP(t *testing.T) {
	topo := backend.Topology{NumInputs: 4, NumOutputs: 3}
	p, err := compile(backend.DefaultNetworkConfig(), topo, mlpStack(), log.Nop())
	require.NoError(t, err)

	require.Len(t, p.Def.Layers, 3)
	assert.Equal(t, layerDef{Type: "dense", Activation: "relu", InputHeight: 4, OutputHeight: 8}, p.Def.Layers[0])
	assert.Equal(t, layerDef{Type: "dense", Activation: "linear", InputHeight: 8, OutputHeight: 3}, p.Def.Layers[1])
	assert.Equal(t, layerDef{Type: "softmax", SoftmaxVariant: "standard", SoftmaxRows: 1, SoftmaxCols: 3}, p.Def.Layers[2])
	assert.Equal(t, 3, p.Def.LayersPerCell)
	assert.Equal(t, 1, p.HeadStart)
	assert.Equal(t, []int{0, 1, 1}, p.Origins)
	assert.Equal(t, lossCrossEntropy, p.Loss)

	js, err := p.JSON()
	require.NoError(t, err)
	assert.Contains(t, js, `"layers_per_cell":3`)
	assert.Contains(t, js, `"input_height":4`)
}

func TestCompile_Regression(t *testing.T) {
	stack := []*layers.Layer{
		layers.NewDense(layers.NOut(4), layers.Act(layers.ActivationTanh)),
		layers.NewOutput(layers.Act(layers.ActivationIdentity), layers.Loss(layers.LossMSE)),
	}
	p, err := compile(backend.DefaultNetworkConfig(), backend.Topology{NumInputs: 2, NumOutputs: 1}, stack, log.Nop())
	require.NoError(t, err)
	require.Len(t, p.Def.Layers, 2)
	assert.Equal(t, "linear", p.Def.Layers[1].Activation)
	assert.Equal(t, lossMSE, p.Loss)
}

func TestCompile_Convolution(t *testing.T) {
	shape := &convert.ImageShape{Channels: 1, Height: 8, Width: 8, Order: convert.ChannelsFirst}
	stack := []*layers.Layer{
		layers.NewConvolution(layers.NOut(4), layers.Pair(layers.ParamKernelSize, 3, 3)),
		layers.NewConvolution(layers.NOut(6), layers.Pair(layers.ParamKernelSize, 4, 4),
			layers.Pair(layers.ParamStride, 2, 2), layers.Str(layers.ParamConvMode, "same")),
		layers.NewBatchNormalization(),
		layers.NewOutput(),
	}
	p, err := compile(backend.DefaultNetworkConfig(), backend.Topology{Image: shape, NumOutputs: 2}, stack, log.Nop())
	require.NoError(t, err)

	first := p.Def.Layers[0]
	assert.Equal(t, 6, first.OutputHeight)
	assert.Equal(t, 6, first.OutputWidth)
	second := p.Def.Layers[1]
	assert.Equal(t, 4, second.InputChannels)
	assert.Equal(t, 3, second.OutputHeight)
	assert.Equal(t, 1, second.Padding)
	assert.Equal(t, "layer_norm", p.Def.Layers[2].Type)
	assert.Equal(t, 6*3*3, p.Def.Layers[2].NormSize)
	assert.Equal(t, 6*3*3, p.Def.Layers[3].InputHeight)
}

func TestCompile_Sequence(t *testing.T) {
	stack := []*layers.Layer{
		layers.NewLSTM(layers.NOut(6)),
		layers.NewDropout(),
		layers.NewLSTM(layers.NOut(5)),
		layers.NewRnnOutput(),
	}
	topo := backend.Topology{SeqLength: 4, SeqFeatures: 3, NumOutputs: 2}
	p, err := compile(backend.DefaultNetworkConfig(), topo, stack, log.Nop())
	require.NoError(t, err)
	require.Len(t, p.Def.Layers, 4)
	assert.Equal(t, layerDef{Type: "lstm", Activation: "tanh", InputSize: 3, HiddenSize: 6, SeqLength: 4}, p.Def.Layers[0])
	assert.Equal(t, 6, p.Def.Layers[1].InputSize)
	assert.Equal(t, 20, p.Def.Layers[2].InputHeight)
	assert.Equal(t, 8, p.Def.Layers[2].OutputHeight)
	assert.Equal(t, layerDef{Type: "softmax", SoftmaxVariant: "grid", SoftmaxRows: 4, SoftmaxCols: 2}, p.Def.Layers[3])
	assert.Equal(t, []int{0, 2, 3, 3}, p.Origins)
	assert.Equal(t, 4, p.HeadSteps)
}

func TestCompile_Rejects(t *testing.T) {
	flat := backend.Topology{NumInputs: 4, NumOutputs: 2}
	img := backend.Topology{Image: &convert.ImageShape{Channels: 1, Height: 4, Width: 4, Order: convert.ChannelsFirst}, NumOutputs: 2}
	seq := backend.Topology{SeqLength: 3, SeqFeatures: 2, NumOutputs: 2}

	tests := []struct {
		name  string
		topo  backend.Topology
		stack []*layers.Layer
	}{
		{"no layers", flat, nil},
		{"pooling", img, []*layers.Layer{layers.NewSubsampling(), layers.NewOutput()}},
		{"conv on flat input", flat, []*layers.Layer{layers.NewConvolution(layers.NOut(2)), layers.NewOutput()}},
		{"lstm on flat input", flat, []*layers.Layer{layers.NewLSTM(layers.NOut(2)), layers.NewOutput()}},
		{"dense on sequence", seq, []*layers.Layer{layers.NewDense(layers.NOut(2)), layers.NewRnnOutput()}},
		{"rnn output for flat", flat, []*layers.Layer{layers.NewDense(layers.NOut(2)), layers.NewRnnOutput()}},
		{"mae loss", flat, []*layers.Layer{layers.NewOutput(layers.Loss(layers.LossMAE))}},
		{"hidden softmax", flat, []*layers.Layer{layers.NewDense(layers.NOut(2), layers.Act(layers.ActivationSoftmax)), layers.NewOutput()}},
		{"rectangular kernel", img, []*layers.Layer{layers.NewConvolution(layers.NOut(2), layers.Pair(layers.ParamKernelSize, 3, 2)), layers.NewOutput()}},
		{"kernel too large", img, []*layers.Layer{layers.NewConvolution(layers.NOut(2), layers.Pair(layers.ParamKernelSize, 5, 5)), layers.NewOutput()}},
		{"strict mode remainder", img, []*layers.Layer{layers.NewConvolution(layers.NOut(2), layers.Pair(layers.ParamStride, 2, 2), layers.Str(layers.ParamConvMode, "strict")), layers.NewOutput()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compile(backend.DefaultNetworkConfig(), tt.topo, tt.stack, log.Nop())
			var ce *errors.ConfigurationError
			require.Error(t, err)
			assert.True(t, errors.As(err, &ce), "got %v", err)
		})
	}
}

func TestConvOutput(t *testing.T) {
	tests := []struct {
		mode             layers.ConvolutionMode
		in, k, s, p      int
		wantPad, wantOut int
	}{
		{layers.ConvTruncate, 28, 5, 1, 0, 0, 24},
		{layers.ConvTruncate, 28, 3, 2, 1, 1, 14},
		{layers.ConvTruncate, 7, 2, 2, 0, 0, 3},
		{layers.ConvSame, 28, 3, 1, 0, 1, 28},
		{layers.ConvSame, 8, 4, 2, 0, 1, 4},
		{layers.ConvStrict, 8, 2, 2, 0, 0, 4},
	}
	for _, tt := range tests {
		pad, out, err := convOutput(tt.mode, tt.in, tt.k, tt.s, tt.p)
		require.NoError(t, err)
		assert.Equal(t, tt.wantPad, pad, "%+v", tt)
		assert.Equal(t, tt.wantOut, out, "%+v", tt)
	}
}

func TestDecay(t *testing.T) {
	ws := []float32{1, -1, 0}
	decay(ws, penalty{L1: 0.5, L2: 1}, 0.1)
	assert.InDelta(t, 1-0.1*(1+0.5), ws[0], 1e-6)
	assert.InDelta(t, -1+0.1*(1+0.5), ws[1], 1e-6)
	assert.Equal(t, float32(0), ws[2])
}

func TestInitializerIsSeeded(t *testing.T) {
	a := make([]float32, 32)
	b := make([]float32, 32)
	(&initializer{rng: newRand(7)}).fill(a, layers.WeightInitXavier, 4, 8)
	(&initializer{rng: newRand(7)}).fill(b, layers.WeightInitXavier, 4, 8)
	assert.Equal(t, a, b)
	limit := float32(math.Sqrt(6.0 / 12))
	for _, v := range a {
		assert.LessOrEqual(t, v, limit)
		assert.GreaterOrEqual(t, v, -limit)
	}
	z := []float32{1, 2}
	(&initializer{rng: newRand(1)}).fill(z, layers.WeightInitZero, 1, 1)
	assert.Equal(t, []float32{0, 0}, z)
}

func toyBatch(rows int) *dataset.DataSet {
	x := mat.NewDense(rows, 4, nil)
	y := mat.NewDense(rows, 3, nil)
	for r := 0; r < rows; r++ {
		c := r % 3
		x.Set(r, c, 1)
		x.Set(r, 3, float64(c)/2)
		y.Set(r, c, 1)
	}
	ds, _ := dataset.New(x, y)
	return ds
}

func TestNetwork_BuildFitOutputLoad(t *testing.T) {
	b := New().WithLogger(log.Nop())
	cfg := backend.DefaultNetworkConfig()
	cfg.Seed = 42
	topo := backend.Topology{NumInputs: 4, NumOutputs: 3}

	net, err := b.Build(cfg, topo, mlpStack())
	require.NoError(t, err)
	assert.Equal(t, 4*8+8+8*3+3, net.NumParams())
	assert.Contains(t, net.Summary(), "softmax")

	batch := toyBatch(12)
	loss, err := net.Fit(batch)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss))

	out, err := net.Output(batch.Features)
	require.NoError(t, err)
	r, c := out.Dims()
	assert.Equal(t, 12, r)
	assert.Equal(t, 3, c)
	assert.InDelta(t, 1.0, floats.Sum(out.RawRowView(0)), 1e-3)

	blob, err := net.MarshalBinary()
	require.NoError(t, err)
	restored, err := b.Load(blob)
	require.NoError(t, err)
	again, err := restored.Output(batch.Features)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(out, again, 1e-5))
	assert.Equal(t, topo, restored.Topology())
}

func TestNetwork_AdamWReportsLossAndKeepsOptimizer(t *testing.T) {
	b := New().WithLogger(log.Nop())
	cfg := backend.DefaultNetworkConfig()
	cfg.Seed = 3
	cfg.Updater = backend.Updater{Type: backend.UpdaterAdamW, LearningRate: 0.01}
	cfg.GradientClip = opt.Some(5.0)

	net, err := b.Build(cfg, backend.Topology{NumInputs: 4, NumOutputs: 3}, mlpStack())
	require.NoError(t, err)
	ln := net.(*Network)
	batch := toyBatch(12)

	var losses []float64
	for i := 0; i < 30; i++ {
		loss, err := net.Fit(batch)
		require.NoError(t, err)
		require.False(t, math.IsNaN(loss))
		assert.Greater(t, loss, 0.0, "fit %d", i)
		losses = append(losses, loss)
	}
	optimizer := ln.net.GetOptimizer()
	require.NotNil(t, optimizer)
	_, err = net.Fit(batch)
	require.NoError(t, err)
	assert.Same(t, optimizer, ln.net.GetOptimizer(), "moments carry over between batches")
	assert.Less(t, losses[len(losses)-1], losses[0])
}

func TestClipGradients(t *testing.T) {
	b := New().WithLogger(log.Nop())
	net, err := b.Build(backend.DefaultNetworkConfig(), backend.Topology{NumInputs: 4, NumOutputs: 3}, mlpStack())
	require.NoError(t, err)
	ln := net.(*Network).net

	state := ln.InitStepState(4)
	state.SetInput([]float32{1, 0, 0, 0.5})
	ln.StepForward(state)
	ln.StepBackward(state, []float32{100, -100, 100})

	norm := func() float64 {
		var sq float64
		for i := 0; i < ln.TotalLayers(); i++ {
			for _, g := range ln.GetKernelGradients(i) {
				sq += float64(g) * float64(g)
			}
			for _, g := range ln.GetBiasGradients(i) {
				sq += float64(g) * float64(g)
			}
		}
		return math.Sqrt(sq)
	}
	before := norm()
	require.Greater(t, before, 0.0)

	clipGradients(ln, float32(before/2))
	assert.InDelta(t, before/2, norm(), before*1e-4)

	clipGradients(ln, float32(before))
	assert.InDelta(t, before/2, norm(), before*1e-4, "already within the limit")
}

func seqBatch(rows, steps, feats, classes int) *dataset.DataSet {
	x := mat.NewDense(rows, steps*feats, nil)
	y := mat.NewDense(rows, steps*classes, nil)
	for r := 0; r < rows; r++ {
		c := r % classes
		for s := 0; s < steps; s++ {
			x.Set(r, s*feats+c%feats, 1)
			y.Set(r, s*classes+c, 1)
		}
	}
	ds, _ := dataset.New(x, y)
	return ds
}

func TestNetwork_RnnOutputIgnoresLaterSteps(t *testing.T) {
	const steps, feats, classes = 5, 2, 2
	b := New().WithLogger(log.Nop())
	cfg := backend.DefaultNetworkConfig()
	cfg.Seed = 11
	stack := []*layers.Layer{layers.NewLSTM(layers.NOut(4)), layers.NewRnnOutput()}
	net, err := b.Build(cfg, backend.Topology{SeqLength: steps, SeqFeatures: feats, NumOutputs: classes}, stack)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := net.Fit(seqBatch(6, steps, feats, classes))
		require.NoError(t, err)
	}

	// 2 ステップの系列: ゼロ埋めと、末尾に大きな値を入れたもの
	padded := []float64{1, 0, 0, 1, 0, 0, 0, 0, 0, 0}
	noisy := []float64{1, 0, 0, 1, 9, -9, 7, 7, -5, 3}
	out, err := net.Output(mat.NewDense(2, steps*feats, append(padded, noisy...)))
	require.NoError(t, err)

	last := 1
	assert.InDeltaSlice(t, out.RawRowView(0)[:(last+1)*classes], out.RawRowView(1)[:(last+1)*classes], 1e-6)
	assert.False(t, floats.EqualApprox(out.RawRowView(0)[(last+1)*classes:], out.RawRowView(1)[(last+1)*classes:], 1e-6))
}

func TestTieStepHead(t *testing.T) {
	p, err := compile(backend.DefaultNetworkConfig(), backend.Topology{SeqLength: 3, SeqFeatures: 2, NumOutputs: 2},
		[]*layers.Layer{layers.NewLSTM(layers.NOut(2)), layers.NewRnnOutput()}, log.Nop())
	require.NoError(t, err)
	net, err := buildFromPlan(p)
	require.NoError(t, err)
	initWeights(net, p, 5)

	r, c, l := position(net, p.HeadStart)
	head := net.GetLayer(r, c, l)
	require.Len(t, head.Kernel, 6*6)
	// ブロック (t, s) の (h, o) 成分
	at := func(k []float32, row, col, h, o int) float32 { return k[(row*2+h)*6+col*2+o] }
	assert.Equal(t, at(head.Kernel, 0, 0, 1, 0), at(head.Kernel, 2, 2, 1, 0))
	assert.Zero(t, at(head.Kernel, 0, 1, 0, 0))

	// 対角外の更新は消え、対角ブロックは平均される
	head.Kernel[(0*2+0)*6+1*2+0] = 3
	before := at(head.Kernel, 0, 0, 0, 1)
	head.Kernel[(1*2+0)*6+1*2+1] = before + 0.3
	head.Bias[4] += 0.6
	bias := head.Bias[0]
	net.SetLayer(r, c, l, *head)
	tieStepHead(net, p)

	head = net.GetLayer(r, c, l)
	assert.Zero(t, at(head.Kernel, 0, 1, 0, 0))
	for s := 0; s < 3; s++ {
		assert.InDelta(t, before+0.1, at(head.Kernel, s, s, 0, 1), 1e-6)
		assert.InDelta(t, bias+0.2, head.Bias[s*2], 1e-6)
	}
}

func TestNetwork_SameSeedSameOutput(t *testing.T) {
	b := New().WithLogger(log.Nop())
	cfg := backend.DefaultNetworkConfig()
	topo := backend.Topology{NumInputs: 4, NumOutputs: 3}
	n1, err := b.Build(cfg, topo, mlpStack())
	require.NoError(t, err)
	n2, err := b.Build(cfg, topo, mlpStack())
	require.NoError(t, err)

	x := toyBatch(3).Features
	o1, err := n1.Output(x)
	require.NoError(t, err)
	o2, err := n2.Output(x)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(o1, o2, 1e-6))
}

func TestNetwork_DimensionChecks(t *testing.T) {
	b := New().WithLogger(log.Nop())
	net, err := b.Build(backend.DefaultNetworkConfig(), backend.Topology{NumInputs: 4, NumOutputs: 3}, mlpStack())
	require.NoError(t, err)

	_, err = net.Output(mat.NewDense(2, 5, nil))
	var de *errors.DimensionError
	assert.True(t, errors.As(err, &de))

	bad, _ := dataset.New(mat.NewDense(2, 4, nil), mat.NewDense(2, 2, nil))
	_, err = net.Fit(bad)
	assert.True(t, errors.As(err, &de))
}

func TestNetwork_ReplaceHead(t *testing.T) {
	b := New().WithLogger(log.Nop())
	net, err := b.Build(backend.DefaultNetworkConfig(), backend.Topology{NumInputs: 4, NumOutputs: 3}, mlpStack())
	require.NoError(t, err)

	require.NoError(t, net.ReplaceHead(5))
	assert.Equal(t, 5, net.Topology().NumOutputs)
	out, err := net.Output(mat.NewDense(1, 4, []float64{1, 0, 0, 0.5}))
	require.NoError(t, err)
	_, c := out.Dims()
	assert.Equal(t, 5, c)
	assert.Equal(t, 4*8+8+8*5+5, net.NumParams())

	assert.Error(t, net.ReplaceHead(0))
}

func TestLoad_Garbage(t *testing.T) {
	_, err := New().WithLogger(log.Nop()).Load([]byte("not a network"))
	var be *errors.BackendError
	assert.True(t, errors.As(err, &be))
}

func TestRegistered(t *testing.T) {
	b, err := backend.Get(Name)
	require.NoError(t, err)
	assert.Equal(t, Name, b.Name())
}
