package loom

import (
	"encoding/json"
	"fmt"

	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/layers"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/pkg/log"
)

// loom の損失関数名
const (
	lossMSE          = "mse"
	lossCrossEntropy = "cross_entropy"
)

// layerDef is one entry of loom's JSON network description.
type layerDef struct {
	Type       string `json:"type"`
	Activation string `json:"activation,omitempty"`

	InputHeight  int `json:"input_height,omitempty"`
	OutputHeight int `json:"output_height,omitempty"`
	InputWidth   int `json:"input_width,omitempty"`
	OutputWidth  int `json:"output_width,omitempty"`

	InputChannels int `json:"input_channels,omitempty"`
	Filters       int `json:"filters,omitempty"`
	KernelSize    int `json:"kernel_size,omitempty"`
	Stride        int `json:"stride,omitempty"`
	Padding       int `json:"padding,omitempty"`

	InputSize  int `json:"input_size,omitempty"`
	HiddenSize int `json:"hidden_size,omitempty"`
	SeqLength  int `json:"seq_length,omitempty"`

	NormSize int     `json:"norm_size,omitempty"`
	Epsilon  float64 `json:"epsilon,omitempty"`

	SoftmaxVariant string `json:"softmax_variant,omitempty"`
	SoftmaxRows    int    `json:"softmax_rows,omitempty"`
	SoftmaxCols    int    `json:"softmax_cols,omitempty"`
}

// netDef is the top level of loom's JSON network description. Every
// network is a single cell holding the layers in order.
type netDef struct {
	ID            string     `json:"id"`
	BatchSize     int        `json:"batch_size"`
	GridRows      int        `json:"grid_rows"`
	GridCols      int        `json:"grid_cols"`
	LayersPerCell int        `json:"layers_per_cell"`
	Layers        []layerDef `json:"layers"`
}

// penalty is the weight regularization applied after every update.
type penalty struct {
	L1, L2 float64
}

// initSpec controls the seeded initialisation of one backend layer.
type initSpec struct {
	Scheme     layers.WeightInit
	Bias       float64
	ForgetBias float64
}

// plan is a compiled network: the loom description plus everything loom
// itself does not track. It is persisted together with the weights.
type plan struct {
	Def netDef
	// Origins は各バックエンドレイヤーの元になった宣言レイヤーの番号
	Origins   []int
	Penalties []penalty
	Inits     []initSpec
	// HeadStart は出力ヘッド（dense とその softmax）の最初のレイヤー
	HeadStart int
	// HeadSteps が 1 より大きいとき、ヘッドの dense はステップごとの共有カーネル
	HeadSteps int
	Loss      string
}

func (p *plan) JSON() (string, error) {
	b, err := json.Marshal(p.Def)
	if err != nil {
		return "", errors.Wrap(err, "encode loom network description")
	}
	return string(b), nil
}

// activationName maps an activation to loom's JSON name. Softmax is not a
// loom activation and is compiled into a separate softmax layer.
func activationName(a layers.Activation) (string, error) {
	switch a {
	case layers.ActivationIdentity:
		return "linear", nil
	case layers.ActivationReLU:
		return "relu", nil
	case layers.ActivationLeakyReLU:
		return "leaky_relu", nil
	case layers.ActivationSigmoid, layers.ActivationTanh, layers.ActivationSoftplus,
		layers.ActivationGELU, layers.ActivationSwish:
		return string(a), nil
	}
	return "", errors.NewConfigurationErrorf(Name, "activation %q is not supported here", a)
}

func lossName(l layers.LossFunction) (string, error) {
	switch l {
	case layers.LossMCXENT, layers.LossNLL, layers.LossXENT:
		return lossCrossEntropy, nil
	case layers.LossMSE:
		return lossMSE, nil
	}
	return "", errors.NewConfigurationErrorf(Name, "loss function %q is not supported", l)
}

// flow is the shape of the activations between two layers.
type flow struct {
	// image
	c, h, w int
	// sequence
	steps, feat int
	// flat
	width int
}

func (f flow) isImage() bool    { return f.c > 0 }
func (f flow) isSequence() bool { return f.steps > 0 }

func (f flow) size() int {
	switch {
	case f.isImage():
		return f.c * f.h * f.w
	case f.isSequence():
		return f.steps * f.feat
	}
	return f.width
}

func (f flow) String() string {
	switch {
	case f.isImage():
		return fmt.Sprintf("%dx%dx%d", f.c, f.h, f.w)
	case f.isSequence():
		return fmt.Sprintf("%d steps x %d", f.steps, f.feat)
	}
	return fmt.Sprintf("%d", f.width)
}

// compiler walks the declared layers once, tracking the activation shape.
type compiler struct {
	cfg    backend.NetworkConfig
	topo   backend.Topology
	logger log.Logger
	p      *plan
	cur    flow
}

// compile turns layer specifications into a loom network description. It
// rejects everything loom cannot express before any weights exist.
func compile(cfg backend.NetworkConfig, topo backend.Topology, stack []*layers.Layer, logger log.Logger) (*plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	want := layers.TypeOutput
	if topo.IsSequence() {
		want = layers.TypeRnnOutput
	}
	if err := layers.ValidateStack(stack, want); err != nil {
		return nil, err
	}

	c := &compiler{
		cfg:    cfg,
		topo:   topo,
		logger: logger,
		p:      &plan{Def: netDef{ID: "wekadl", BatchSize: 1, GridRows: 1, GridCols: 1}},
	}
	switch {
	case topo.IsImage():
		c.cur = flow{c: topo.Image.Channels, h: topo.Image.Height, w: topo.Image.Width}
	case topo.IsSequence():
		c.cur = flow{steps: topo.SeqLength, feat: topo.SeqFeatures}
	default:
		c.cur = flow{width: topo.NumInputs}
	}
	if v, ok := cfg.Dropout.Get(); ok && v > 0 {
		logger.Warn("dropout is not applied by this backend", "dropout", v)
	}

	for i, l := range stack {
		if err := c.layer(i, l); err != nil {
			return nil, errors.Wrapf(err, "layer %d (%s)", i, l.Name())
		}
	}
	c.p.Def.LayersPerCell = len(c.p.Def.Layers)
	if got := c.cur.size(); got != topo.OutputWidth() {
		return nil, errors.NewDimensionError("loom.compile", topo.OutputWidth(), got, 1)
	}
	return c.p, nil
}

func (c *compiler) emit(origin int, l *layers.Layer, def layerDef) {
	c.p.Def.Layers = append(c.p.Def.Layers, def)
	c.p.Origins = append(c.p.Origins, origin)
	c.p.Penalties = append(c.p.Penalties, penalty{
		L1: l.GetFloat(layers.ParamL1).OrElse(c.cfg.L1),
		L2: l.GetFloat(layers.ParamL2).OrElse(c.cfg.L2),
	})
	c.p.Inits = append(c.p.Inits, initSpec{
		Scheme:     layers.WeightInit(l.GetString(layers.ParamWeightInit).OrElse(string(layers.WeightInitXavier))),
		Bias:       l.GetFloat(layers.ParamBiasInit).OrElse(0),
		ForgetBias: l.GetFloat(layers.ParamForgetBias).OrElse(1),
	})
}

func (c *compiler) layer(i int, l *layers.Layer) error {
	if v, ok := l.GetFloat(layers.ParamDropout).Get(); ok && v > 0 && l.Type != layers.TypeDropout {
		c.logger.Warn("layer dropout is not applied by this backend",
			log.LayerIndexKey, i, log.LayerTypeKey, string(l.Type), "dropout", v)
	}
	switch l.Type {
	case layers.TypeDense:
		return c.dense(i, l)
	case layers.TypeConvolution:
		return c.convolution(i, l)
	case layers.TypeBatchNorm:
		return c.norm(i, l)
	case layers.TypeLSTM:
		return c.lstm(i, l)
	case layers.TypeOutput:
		return c.output(i, l)
	case layers.TypeRnnOutput:
		return c.rnnOutput(i, l)
	case layers.TypeDropout:
		c.logger.Info("dropout layer elided", log.LayerIndexKey, i)
		return nil
	case layers.TypeSubsampling, layers.TypeGlobalPooling:
		return errors.NewConfigurationErrorf(Name, "%s has no equivalent in this backend; downsample with a strided ConvolutionLayer instead", l.Type)
	}
	return errors.NewConfigurationErrorf(Name, "unsupported layer type %s", l.Type)
}

// flatten turns an image flow into a flat one, the way a dense layer sees it.
func (c *compiler) flatten(l *layers.Layer) error {
	if c.cur.isSequence() {
		return errors.NewConfigurationErrorf(Name, "%s cannot consume a sequence; use LSTM and RnnOutputLayer", l.Type)
	}
	c.cur = flow{width: c.cur.size()}
	return nil
}

func (c *compiler) dense(i int, l *layers.Layer) error {
	if err := c.flatten(l); err != nil {
		return err
	}
	act := l.Activation()
	if act == layers.ActivationSoftmax {
		return errors.NewConfigurationError(Name, "softmax is only available on output layers")
	}
	name, err := activationName(act)
	if err != nil {
		return err
	}
	nOut := l.NOut().OrElse(0)
	c.emit(i, l, layerDef{Type: "dense", Activation: name, InputHeight: c.cur.width, OutputHeight: nOut})
	c.cur = flow{width: nOut}
	return nil
}

// head emits the final dense layer, plus a softmax layer over rows×cols
// when the output activation is softmax.
func (c *compiler) head(i int, l *layers.Layer, in, rows, cols int) error {
	loss, err := lossName(l.LossFunction())
	if err != nil {
		return err
	}
	c.p.Loss = loss
	c.p.HeadStart = len(c.p.Def.Layers)

	act := l.Activation()
	name := "linear"
	if act != layers.ActivationSoftmax {
		if name, err = activationName(act); err != nil {
			return err
		}
	}
	c.emit(i, l, layerDef{Type: "dense", Activation: name, InputHeight: in, OutputHeight: rows * cols})
	if act == layers.ActivationSoftmax {
		variant := "standard"
		if rows > 1 {
			variant = "grid"
		}
		c.emit(i, l, layerDef{Type: "softmax", SoftmaxVariant: variant, SoftmaxRows: rows, SoftmaxCols: cols})
	}
	return nil
}

func (c *compiler) output(i int, l *layers.Layer) error {
	if err := c.flatten(l); err != nil {
		return err
	}
	n := c.topo.NumOutputs
	if err := c.head(i, l, c.cur.width, 1, n); err != nil {
		return err
	}
	c.cur = flow{width: n}
	return nil
}

func (c *compiler) rnnOutput(i int, l *layers.Layer) error {
	if !c.cur.isSequence() {
		return errors.NewConfigurationError(Name, "RnnOutputLayer requires a sequence input")
	}
	steps, n := c.cur.steps, c.topo.NumOutputs
	if err := c.head(i, l, c.cur.size(), steps, n); err != nil {
		return err
	}
	c.p.HeadSteps = steps
	c.cur = flow{steps: steps, feat: n}
	return nil
}

func (c *compiler) lstm(i int, l *layers.Layer) error {
	if !c.cur.isSequence() {
		return errors.NewConfigurationError(Name, "LSTM requires a sequence input")
	}
	if a := l.Activation(); a != layers.ActivationTanh {
		return errors.NewConfigurationErrorf(Name, "LSTM activation must be tanh, got %s", a)
	}
	if g := l.GetString(layers.ParamGateActivation).OrElse(string(layers.ActivationSigmoid)); g != string(layers.ActivationSigmoid) {
		return errors.NewConfigurationErrorf(Name, "LSTM gate activation must be sigmoid, got %s", g)
	}
	hidden := l.NOut().OrElse(0)
	c.emit(i, l, layerDef{Type: "lstm", Activation: "tanh", InputSize: c.cur.feat, HiddenSize: hidden, SeqLength: c.cur.steps})
	c.cur = flow{steps: c.cur.steps, feat: hidden}
	return nil
}

func (c *compiler) norm(i int, l *layers.Layer) error {
	if a := l.Activation(); a != layers.ActivationIdentity {
		return errors.NewConfigurationErrorf(Name, "BatchNormalization activation must be identity, got %s", a)
	}
	eps := l.GetFloat(layers.ParamEps).OrElse(1e-5)
	c.emit(i, l, layerDef{Type: "layer_norm", NormSize: c.cur.size(), Epsilon: eps})
	return nil
}

func (c *compiler) convolution(i int, l *layers.Layer) error {
	if !c.cur.isImage() {
		return errors.NewConfigurationError(Name, "ConvolutionLayer requires an image input")
	}
	k := l.GetPair(layers.ParamKernelSize).OrElse([2]int{3, 3})
	s := l.GetPair(layers.ParamStride).OrElse([2]int{1, 1})
	p := l.GetPair(layers.ParamPadding).OrElse([2]int{0, 0})
	if k[0] != k[1] || s[0] != s[1] || p[0] != p[1] {
		return errors.NewConfigurationErrorf(Name, "kernel %v, stride %v and padding %v must be square", k, s, p)
	}
	mode := layers.ConvolutionMode(l.GetString(layers.ParamConvMode).OrElse(string(layers.ConvTruncate)))
	pad, outH, err := convOutput(mode, c.cur.h, k[0], s[0], p[0])
	if err != nil {
		return err
	}
	padW, outW, err := convOutput(mode, c.cur.w, k[0], s[0], p[0])
	if err != nil {
		return err
	}
	if pad != padW {
		return errors.NewConfigurationErrorf(Name, "same mode needs different padding for %dx%d input", c.cur.h, c.cur.w)
	}
	name, err := activationName(l.Activation())
	if err != nil {
		return err
	}
	filters := l.NOut().OrElse(0)
	c.emit(i, l, layerDef{
		Type: "conv2d", Activation: name,
		InputChannels: c.cur.c, Filters: filters, KernelSize: k[0], Stride: s[0], Padding: pad,
		InputHeight: c.cur.h, InputWidth: c.cur.w, OutputHeight: outH, OutputWidth: outW,
	})
	c.cur = flow{c: filters, h: outH, w: outW}
	return nil
}

// convOutput returns the padding used and the output size of one spatial
// dimension.
func convOutput(mode layers.ConvolutionMode, in, k, s, p int) (pad, out int, err error) {
	switch mode {
	case layers.ConvSame:
		out = (in + s - 1) / s
		total := (out-1)*s + k - in
		if total < 0 {
			total = 0
		}
		if total%2 != 0 {
			return 0, 0, errors.NewConfigurationErrorf(Name, "same mode with kernel %d and stride %d needs asymmetric padding for size %d", k, s, in)
		}
		return total / 2, out, nil
	case layers.ConvStrict:
		if (in+2*p-k)%s != 0 {
			return 0, 0, errors.NewConfigurationErrorf(Name, "strict mode: (size %d + 2*padding %d - kernel %d) is not divisible by stride %d", in, p, k, s)
		}
	}
	if in+2*p < k {
		return 0, 0, errors.NewConfigurationErrorf(Name, "kernel %d is larger than the padded input %d", k, in+2*p)
	}
	return p, (in+2*p-k)/s + 1, nil
}
