package loom

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/openfluke/loom/nn"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/dataset"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/pkg/log"
)

// formatVersion is bumped when savedNetwork changes incompatibly.
const formatVersion = 1

// Network wraps a loom network built from a compiled plan.
//
// loom keeps per-layer activations inside the network, so every call that
// runs a forward pass holds the mutex.
type Network struct {
	mu     sync.Mutex
	net    *nn.Network
	plan   *plan
	cfg    backend.NetworkConfig
	topo   backend.Topology
	logger log.Logger
}

var _ backend.Network = (*Network)(nil)

// newNetwork builds a loom network from the plan and initialises it.
func newNetwork(p *plan, cfg backend.NetworkConfig, topo backend.Topology, logger log.Logger) (*Network, error) {
	net, err := buildFromPlan(p)
	if err != nil {
		return nil, err
	}
	initWeights(net, p, cfg.Seed)
	return &Network{net: net, plan: p, cfg: cfg, topo: topo, logger: logger}, nil
}

func buildFromPlan(p *plan) (*nn.Network, error) {
	js, err := p.JSON()
	if err != nil {
		return nil, err
	}
	var net *nn.Network
	err = errors.SafeBackendCall("build", -1, -1, func() error {
		n, err := nn.BuildNetworkFromJSON(js)
		if err != nil {
			return err
		}
		n.BatchSize = 1
		n.InitializeWeights()
		net = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	if got := net.TotalLayers(); got != len(p.Def.Layers) {
		return nil, errors.NewBackendError("build", errors.Newf("built %d layers, described %d", got, len(p.Def.Layers)))
	}
	return net, nil
}

// Topology returns the shape the network was built for.
func (n *Network) Topology() backend.Topology { return n.topo }

func toFloat32(row []float64) []float32 {
	out := make([]float32, len(row))
	for i, v := range row {
		out[i] = float32(v)
	}
	return out
}

// forward runs one row through the network. The caller holds the mutex.
func (n *Network) forward(in []float32) ([]float32, error) {
	var out []float32
	err := errors.SafeExecute("forward", func() error {
		out, _ = n.net.ForwardCPU(in)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if want := n.topo.OutputWidth(); len(out) != want {
		return nil, errors.NewDimensionError("loom.forward", want, len(out), 1)
	}
	return out, nil
}

// targets builds the training targets of a batch. Positions outside the
// labels mask get the network's current output as their target, so that
// they contribute no gradient.
func (n *Network) targets(batch *dataset.DataSet, inputs [][]float32) ([][]float32, error) {
	rows := batch.NumExamples()
	width := n.topo.NumOutputs
	out := make([][]float32, rows)
	for r := 0; r < rows; r++ {
		out[r] = toFloat32(batch.Labels.RawRowView(r))
		if batch.LabelsMask == nil {
			continue
		}
		var current []float32
		for t := 0; t < n.topo.SeqLength; t++ {
			if batch.LabelsMask.At(r, t) != 0 {
				continue
			}
			if current == nil {
				var err error
				if current, err = n.forward(inputs[r]); err != nil {
					return nil, err
				}
			}
			copy(out[r][t*width:(t+1)*width], current[t*width:(t+1)*width])
		}
	}
	return out, nil
}

// Fit runs one pass of the configured updater over the rows of the batch
// and returns loom's loss for it.
func (n *Network) Fit(batch *dataset.DataSet) (float64, error) {
	if err := batch.Validate(); err != nil {
		return 0, err
	}
	if got, want := batch.NumFeatures(), n.topo.InputWidth(); got != want {
		return 0, errors.NewDimensionError("loom.Fit", want, got, 1)
	}
	if got, want := batch.NumOutcomes(), n.topo.OutputWidth(); got != want {
		return 0, errors.NewDimensionError("loom.Fit", want, got, 1)
	}
	if batch.LabelsMask != nil && !n.topo.IsSequence() {
		return 0, errors.NewDataError("loom.Fit", "labels mask given for a non-sequence network")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	rows := batch.NumExamples()
	inputs := make([][]float32, rows)
	for r := range inputs {
		inputs[r] = toFloat32(batch.Features.RawRowView(r))
	}
	targets, err := n.targets(batch, inputs)
	if err != nil {
		return 0, err
	}
	samples := make([]nn.TrainingBatch, rows)
	for r := range samples {
		samples[r] = nn.TrainingBatch{Input: inputs[r], Target: targets[r]}
	}

	lr := n.cfg.Updater.LearningRate
	var loss float64
	err = errors.SafeExecute("fit", func() error {
		switch n.cfg.Updater.Type {
		case backend.UpdaterAdamW:
			loss = n.fitAdamW(samples, float32(lr))
		default:
			res, err := n.net.Train(samples, &nn.TrainingConfig{
				Epochs:          1,
				LearningRate:    float32(lr),
				UseGPU:          n.cfg.Device == backend.DeviceGPU,
				PrintEveryBatch: 0,
				GradientClip:    float32(n.cfg.GradientClip.OrElse(0)),
				LossType:        n.plan.Loss,
				Verbose:         false,
			})
			if err != nil {
				return err
			}
			loss = float64(res.FinalLoss)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	applyPenalties(n.net, n.plan, lr)
	tieStepHead(n.net, n.plan)
	return loss, nil
}

// adamWWeightDecay is loom's default AdamW decoupled weight decay.
const adamWWeightDecay = 0.01

// fitAdamW steps every sample through loom's stepping API and returns the
// mean squared error of the forward passes. The optimizer lives on the loom
// network, so Adam's moment estimates carry over between batches and epochs
// and restart only when the network is rebuilt (load or head replacement).
func (n *Network) fitAdamW(samples []nn.TrainingBatch, lr float32) float64 {
	if n.net.GetOptimizer() == nil {
		n.net.SetOptimizer(nn.NewAdamWOptimizer(0.9, 0.999, 1e-8, adamWWeightDecay))
	}
	if len(samples) == 0 {
		return 0
	}
	clip := float32(n.cfg.GradientClip.OrElse(0))
	state := n.net.InitStepState(len(samples[0].Input))

	var sum float64
	for _, sm := range samples {
		state.SetInput(sm.Input)
		n.net.StepForward(state)
		out := state.GetOutput()
		grad := make([]float32, len(out))
		var loss float32
		for i := range out {
			d := out[i] - sm.Target[i]
			loss += d * d
			grad[i] = 2 * d / float32(len(out))
		}
		sum += float64(loss / float32(len(out)))
		n.net.StepBackward(state, grad)
		if clip > 0 {
			clipGradients(n.net, clip)
		}
		n.net.ApplyGradients(lr)
	}
	return sum / float64(len(samples))
}

// clipGradients rescales the stored gradients so their global L2 norm is
// at most maxNorm.
func clipGradients(net *nn.Network, maxNorm float32) {
	var grads [][]float32
	for i := 0; i < net.TotalLayers(); i++ {
		grads = append(grads, net.GetKernelGradients(i), net.GetBiasGradients(i))
	}
	var sq float64
	for _, g := range grads {
		for _, v := range g {
			sq += float64(v) * float64(v)
		}
	}
	norm := float32(math.Sqrt(sq))
	if norm <= maxNorm {
		return
	}
	scale := maxNorm / norm
	for _, g := range grads {
		for j := range g {
			g[j] *= scale
		}
	}
}

// Output runs every row of features through the network.
func (n *Network) Output(features *mat.Dense) (*mat.Dense, error) {
	rows, cols := features.Dims()
	if want := n.topo.InputWidth(); cols != want {
		return nil, errors.NewDimensionError("loom.Output", want, cols, 1)
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	out := mat.NewDense(rows, n.topo.OutputWidth(), nil)
	for r := 0; r < rows; r++ {
		act, err := n.forward(toFloat32(features.RawRowView(r)))
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", r)
		}
		dst := out.RawRowView(r)
		for j, v := range act {
			dst[j] = float64(v)
		}
	}
	return out, nil
}

// NumParams counts every trainable value.
func (n *Network) NumParams() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for i := 0; i < n.net.TotalLayers(); i++ {
		r, c, l := position(n.net, i)
		total += readWeights(n.net.GetLayer(r, c, l)).count()
	}
	return total
}

// ReplaceHead swaps the output head for a freshly initialised one with
// numOutputs units per step. The layers before the head keep their weights.
func (n *Network) ReplaceHead(numOutputs int) error {
	if numOutputs <= 0 {
		return errors.NewValidationError("numOutputs", "must be positive", numOutputs)
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	rows := 1
	if n.topo.IsSequence() {
		rows = n.topo.SeqLength
	}
	p := *n.plan
	p.Def.Layers = append([]layerDef(nil), n.plan.Def.Layers...)
	for i := p.HeadStart; i < len(p.Def.Layers); i++ {
		switch p.Def.Layers[i].Type {
		case "dense":
			p.Def.Layers[i].OutputHeight = rows * numOutputs
		case "softmax":
			p.Def.Layers[i].SoftmaxCols = numOutputs
		}
	}

	old := snapshotWeights(n.net)
	net, err := buildFromPlan(&p)
	if err != nil {
		return err
	}
	initWeights(net, &p, n.cfg.Seed+1)
	restoreWeights(net, old[:p.HeadStart])

	topo := n.topo
	topo.NumOutputs = numOutputs
	n.logger.Info("output head replaced", "from", n.topo.NumOutputs, "to", numOutputs)
	n.net, n.plan, n.topo = net, &p, topo
	return nil
}

// Summary lists the loom layers with the declared layer each came from.
func (n *Network) Summary() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "loom network %s, %d layers\n", n.topo, len(n.plan.Def.Layers))
	for i, d := range n.plan.Def.Layers {
		r, c, l := position(n.net, i)
		params := readWeights(n.net.GetLayer(r, c, l)).count()
		fmt.Fprintf(&b, "  %2d  %-10s from layer %d  %s  params=%d\n", i, d.Type, n.plan.Origins[i], describe(d), params)
	}
	return b.String()
}

func describe(d layerDef) string {
	switch d.Type {
	case "dense":
		return fmt.Sprintf("%d -> %d %s", d.InputHeight, d.OutputHeight, d.Activation)
	case "conv2d":
		return fmt.Sprintf("%dx%dx%d -> %dx%dx%d k=%d s=%d p=%d %s",
			d.InputChannels, d.InputHeight, d.InputWidth, d.Filters, d.OutputHeight, d.OutputWidth,
			d.KernelSize, d.Stride, d.Padding, d.Activation)
	case "lstm":
		return fmt.Sprintf("%d steps, %d -> %d", d.SeqLength, d.InputSize, d.HiddenSize)
	case "layer_norm":
		return fmt.Sprintf("%d eps=%g", d.NormSize, d.Epsilon)
	case "softmax":
		return fmt.Sprintf("%s %dx%d", d.SoftmaxVariant, d.SoftmaxRows, d.SoftmaxCols)
	}
	return ""
}

// savedNetwork is the persisted form: the plan rebuilds the architecture,
// the weights restore the state.
type savedNetwork struct {
	Version  int
	Plan     *plan
	Config   backend.NetworkConfig
	Topology backend.Topology
	Weights  []layerWeights
}

// MarshalBinary encodes the plan, configuration and weights with gob.
func (n *Network) MarshalBinary() ([]byte, error) {
	n.mu.Lock()
	saved := savedNetwork{
		Version:  formatVersion,
		Plan:     n.plan,
		Config:   n.cfg,
		Topology: n.topo,
		Weights:  snapshotWeights(n.net),
	}
	n.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&saved); err != nil {
		return nil, errors.Wrap(err, "encode loom network")
	}
	return buf.Bytes(), nil
}

func unmarshalNetwork(b []byte, logger log.Logger) (*Network, error) {
	var saved savedNetwork
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&saved); err != nil {
		return nil, errors.NewBackendError(log.OperationLoad, errors.Wrap(err, "decode loom network"))
	}
	if saved.Version != formatVersion {
		return nil, errors.NewBackendError(log.OperationLoad, errors.Newf("unsupported format version %d", saved.Version))
	}
	if saved.Plan == nil || len(saved.Weights) != len(saved.Plan.Def.Layers) {
		return nil, errors.NewBackendError(log.OperationLoad, errors.New("saved network is incomplete"))
	}
	net, err := buildFromPlan(saved.Plan)
	if err != nil {
		return nil, err
	}
	restoreWeights(net, saved.Weights)
	return &Network{net: net, plan: saved.Plan, cfg: saved.Config, topo: saved.Topology, logger: logger}, nil
}
