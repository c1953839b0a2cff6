package loom

import (
	"math"
	"math/rand"

	"github.com/openfluke/loom/nn"

	"github.com/YuminosukeSato/wekadl/layers"
)

// position maps a flat layer index to loom's grid coordinates.
func position(n *nn.Network, i int) (row, col, layer int) {
	row = i / (n.GridCols * n.LayersPerCell)
	col = (i / n.LayersPerCell) % n.GridCols
	layer = i % n.LayersPerCell
	return row, col, layer
}

// gates は LSTM の4つのゲート（input, forget, cell, output）の順
const (
	gateI = iota
	gateF
	gateG
	gateO
)

// layerWeights holds the trainable values of one loom layer.
type layerWeights struct {
	Kernel []float32
	Bias   []float32
	IH     [4][]float32
	HH     [4][]float32
	BH     [4][]float32
	Gamma  []float32
	Beta   []float32
}

func (w layerWeights) count() int {
	n := len(w.Kernel) + len(w.Bias) + len(w.Gamma) + len(w.Beta)
	for g := 0; g < 4; g++ {
		n += len(w.IH[g]) + len(w.HH[g]) + len(w.BH[g])
	}
	return n
}

func readWeights(cfg *nn.LayerConfig) layerWeights {
	return layerWeights{
		Kernel: cfg.Kernel,
		Bias:   cfg.Bias,
		IH:     [4][]float32{cfg.WeightIH_i, cfg.WeightIH_f, cfg.WeightIH_g, cfg.WeightIH_o},
		HH:     [4][]float32{cfg.WeightHH_i, cfg.WeightHH_f, cfg.WeightHH_g, cfg.WeightHH_o},
		BH:     [4][]float32{cfg.BiasH_i, cfg.BiasH_f, cfg.BiasH_g, cfg.BiasH_o},
		Gamma:  cfg.Gamma,
		Beta:   cfg.Beta,
	}
}

func writeWeights(cfg *nn.LayerConfig, w layerWeights) {
	cfg.Kernel, cfg.Bias = w.Kernel, w.Bias
	cfg.WeightIH_i, cfg.WeightIH_f, cfg.WeightIH_g, cfg.WeightIH_o = w.IH[gateI], w.IH[gateF], w.IH[gateG], w.IH[gateO]
	cfg.WeightHH_i, cfg.WeightHH_f, cfg.WeightHH_g, cfg.WeightHH_o = w.HH[gateI], w.HH[gateF], w.HH[gateG], w.HH[gateO]
	cfg.BiasH_i, cfg.BiasH_f, cfg.BiasH_g, cfg.BiasH_o = w.BH[gateI], w.BH[gateF], w.BH[gateG], w.BH[gateO]
	cfg.Gamma, cfg.Beta = w.Gamma, w.Beta
}

// snapshotWeights copies the weights of every layer.
func snapshotWeights(n *nn.Network) []layerWeights {
	out := make([]layerWeights, n.TotalLayers())
	for i := range out {
		r, c, l := position(n, i)
		w := readWeights(n.GetLayer(r, c, l))
		out[i] = layerWeights{
			Kernel: clone(w.Kernel), Bias: clone(w.Bias),
			Gamma: clone(w.Gamma), Beta: clone(w.Beta),
		}
		for g := 0; g < 4; g++ {
			out[i].IH[g] = clone(w.IH[g])
			out[i].HH[g] = clone(w.HH[g])
			out[i].BH[g] = clone(w.BH[g])
		}
	}
	return out
}

// restoreWeights writes saved weights back, layer by layer.
func restoreWeights(n *nn.Network, ws []layerWeights) {
	for i, w := range ws {
		r, c, l := position(n, i)
		cfg := n.GetLayer(r, c, l)
		writeWeights(cfg, w)
		n.SetLayer(r, c, l, *cfg)
	}
}

func clone(v []float32) []float32 {
	if v == nil {
		return nil
	}
	return append([]float32(nil), v...)
}

// initializer draws initial weights from a seeded source so that two builds
// with the same seed produce the same network.
type initializer struct {
	rng *rand.Rand
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func (in *initializer) fill(dst []float32, scheme layers.WeightInit, fanIn, fanOut int) {
	if fanIn < 1 {
		fanIn = 1
	}
	switch scheme {
	case layers.WeightInitZero:
		for j := range dst {
			dst[j] = 0
		}
	case layers.WeightInitReLU:
		std := math.Sqrt(2 / float64(fanIn))
		for j := range dst {
			dst[j] = float32(in.rng.NormFloat64() * std)
		}
	case layers.WeightInitNormal:
		std := 1 / math.Sqrt(float64(fanIn))
		for j := range dst {
			dst[j] = float32(in.rng.NormFloat64() * std)
		}
	case layers.WeightInitUniform:
		in.uniform(dst, 1/math.Sqrt(float64(fanIn)))
	default:
		in.uniform(dst, math.Sqrt(6/float64(fanIn+fanOut)))
	}
}

func (in *initializer) uniform(dst []float32, limit float64) {
	for j := range dst {
		dst[j] = float32((in.rng.Float64()*2 - 1) * limit)
	}
}

func constant(n int, v float64) []float32 {
	out := make([]float32, n)
	for j := range out {
		out[j] = float32(v)
	}
	return out
}

// initWeights overwrites loom's own initialisation of every trainable
// layer with seeded values following each layer's weight init scheme.
func initWeights(n *nn.Network, p *plan, seed int64) {
	in := &initializer{rng: newRand(seed)}
	for i := 0; i < n.TotalLayers(); i++ {
		r, c, l := position(n, i)
		cfg := n.GetLayer(r, c, l)
		spec := p.Inits[i]
		switch cfg.Type {
		case nn.LayerDense:
			if cfg.InputHeight <= 0 || cfg.OutputHeight <= 0 {
				continue
			}
			if i == p.HeadStart && p.HeadSteps > 1 {
				steps := p.HeadSteps
				shared := make([]float32, cfg.InputHeight/steps*(cfg.OutputHeight/steps))
				in.fill(shared, spec.Scheme, cfg.InputHeight/steps, cfg.OutputHeight/steps)
				writeStepHead(cfg, steps, shared, constant(cfg.OutputHeight/steps, spec.Bias))
				break
			}
			cfg.Kernel = make([]float32, cfg.InputHeight*cfg.OutputHeight)
			in.fill(cfg.Kernel, spec.Scheme, cfg.InputHeight, cfg.OutputHeight)
			cfg.Bias = constant(cfg.OutputHeight, spec.Bias)
		case nn.LayerConv2D:
			if cfg.Filters <= 0 || cfg.InputChannels <= 0 || cfg.KernelSize <= 0 {
				continue
			}
			area := cfg.KernelSize * cfg.KernelSize
			cfg.Kernel = make([]float32, cfg.Filters*cfg.InputChannels*area)
			in.fill(cfg.Kernel, spec.Scheme, cfg.InputChannels*area, cfg.Filters*area)
			cfg.Bias = constant(cfg.Filters, spec.Bias)
		case nn.LayerLSTM:
			if cfg.RNNInputSize <= 0 || cfg.HiddenSize <= 0 {
				continue
			}
			var w layerWeights
			for g := 0; g < 4; g++ {
				w.IH[g] = make([]float32, cfg.HiddenSize*cfg.RNNInputSize)
				in.fill(w.IH[g], spec.Scheme, cfg.RNNInputSize, cfg.HiddenSize)
				w.HH[g] = make([]float32, cfg.HiddenSize*cfg.HiddenSize)
				in.fill(w.HH[g], spec.Scheme, cfg.HiddenSize, cfg.HiddenSize)
				w.BH[g] = constant(cfg.HiddenSize, spec.Bias)
			}
			w.BH[gateF] = constant(cfg.HiddenSize, spec.ForgetBias)
			cfg.WeightIH_i, cfg.WeightIH_f, cfg.WeightIH_g, cfg.WeightIH_o = w.IH[gateI], w.IH[gateF], w.IH[gateG], w.IH[gateO]
			cfg.WeightHH_i, cfg.WeightHH_f, cfg.WeightHH_g, cfg.WeightHH_o = w.HH[gateI], w.HH[gateF], w.HH[gateG], w.HH[gateO]
			cfg.BiasH_i, cfg.BiasH_f, cfg.BiasH_g, cfg.BiasH_o = w.BH[gateI], w.BH[gateF], w.BH[gateG], w.BH[gateO]
		case nn.LayerNorm:
			if cfg.NormSize <= 0 {
				continue
			}
			cfg.Gamma = constant(cfg.NormSize, 1)
			cfg.Beta = constant(cfg.NormSize, 0)
		default:
			continue
		}
		n.SetLayer(r, c, l, *cfg)
	}
}

// writeStepHead lays a shared hidden×classes kernel and bias out as the
// block-diagonal kernel of a dense layer over steps×hidden inputs, so the
// outputs of step t see only the hidden state of step t.
func writeStepHead(cfg *nn.LayerConfig, steps int, shared, bias []float32) {
	in, out := cfg.InputHeight/steps, cfg.OutputHeight/steps
	cfg.Kernel = make([]float32, cfg.InputHeight*cfg.OutputHeight)
	cfg.Bias = make([]float32, cfg.OutputHeight)
	for t := 0; t < steps; t++ {
		for h := 0; h < in; h++ {
			row := (t*in + h) * cfg.OutputHeight
			copy(cfg.Kernel[row+t*out:row+(t+1)*out], shared[h*out:(h+1)*out])
		}
		copy(cfg.Bias[t*out:(t+1)*out], bias)
	}
}

// tieStepHead restores the per-step head after loom updated the dense
// kernel as a whole: the diagonal blocks are averaged into one shared
// kernel and everything off the diagonal is zeroed again.
func tieStepHead(n *nn.Network, p *plan) {
	steps := p.HeadSteps
	if steps <= 1 || p.HeadStart >= n.TotalLayers() {
		return
	}
	r, c, l := position(n, p.HeadStart)
	cfg := n.GetLayer(r, c, l)
	if cfg == nil || cfg.Type != nn.LayerDense || cfg.InputHeight%steps != 0 || cfg.OutputHeight%steps != 0 ||
		len(cfg.Kernel) != cfg.InputHeight*cfg.OutputHeight || len(cfg.Bias) != cfg.OutputHeight {
		return
	}
	in, out := cfg.InputHeight/steps, cfg.OutputHeight/steps
	shared := make([]float32, in*out)
	bias := make([]float32, out)
	for t := 0; t < steps; t++ {
		for h := 0; h < in; h++ {
			row := (t*in + h) * cfg.OutputHeight
			for o := 0; o < out; o++ {
				shared[h*out+o] += cfg.Kernel[row+t*out+o]
			}
		}
		for o := 0; o < out; o++ {
			bias[o] += cfg.Bias[t*out+o]
		}
	}
	inv := 1 / float32(steps)
	for j := range shared {
		shared[j] *= inv
	}
	for o := range bias {
		bias[o] *= inv
	}
	writeStepHead(cfg, steps, shared, bias)
	n.SetLayer(r, c, l, *cfg)
}

// applyPenalties shrinks the weights (not the biases) of every layer with
// an l1 or l2 penalty by one gradient step of the penalty term.
func applyPenalties(n *nn.Network, p *plan, lr float64) {
	for i := 0; i < n.TotalLayers() && i < len(p.Penalties); i++ {
		pen := p.Penalties[i]
		if pen.L1 == 0 && pen.L2 == 0 {
			continue
		}
		r, c, l := position(n, i)
		cfg := n.GetLayer(r, c, l)
		w := readWeights(cfg)
		decay(w.Kernel, pen, lr)
		for g := 0; g < 4; g++ {
			decay(w.IH[g], pen, lr)
			decay(w.HH[g], pen, lr)
		}
		writeWeights(cfg, w)
		n.SetLayer(r, c, l, *cfg)
	}
}

func decay(ws []float32, pen penalty, lr float64) {
	for j, w := range ws {
		g := pen.L2 * float64(w)
		switch {
		case w > 0:
			g += pen.L1
		case w < 0:
			g -= pen.L1
		}
		ws[j] = w - float32(lr*g)
	}
}
