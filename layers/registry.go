package layers

import (
	"sort"

	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// schemas はレイヤー型ごとのパラメータ宣言（オプションの出力順）
var schemas = map[Type][]Param{
	TypeDense: {
		pName, pNOut, pActivation(ActivationReLU), pWeightInit, pBiasInit, pDropout, pL1, pL2,
	},
	TypeOutput: {
		pName, pActivation(ActivationSoftmax), pLoss, pWeightInit, pBiasInit, pL1, pL2,
	},
	TypeConvolution: {
		pName, pNOut, pKernel("3,3"), pStride("1,1"), pPadding, pConvMode,
		pActivation(ActivationReLU), pWeightInit, pBiasInit, pDropout, pL1, pL2,
	},
	TypeSubsampling: {
		pName, pPooling, pKernel("2,2"), pStride("2,2"), pPadding, pConvMode,
		{Name: ParamPNorm, Kind: KindInt, Doc: "The p of p-norm pooling."},
	},
	TypeBatchNorm: {
		pName,
		{Name: ParamEps, Kind: KindFloat, Default: "1e-05", Doc: "Epsilon added to the variance."},
		{Name: ParamDecay, Kind: KindFloat, Default: "0.9", Doc: "Decay of the running statistics."},
		pActivation(ActivationIdentity),
	},
	TypeLSTM: {
		pName, pNOut, pActivation(ActivationTanh),
		{Name: ParamGateActivation, Kind: KindEnum, Default: string(ActivationSigmoid), Choices: Activations, Doc: "The gate activation function."},
		{Name: ParamForgetBias, Kind: KindFloat, Default: "1", Doc: "The initial forget gate bias."},
		pWeightInit, pDropout, pL1, pL2,
	},
	TypeRnnOutput: {
		pName, pActivation(ActivationSoftmax), pLoss, pWeightInit, pBiasInit, pL1, pL2,
	},
	TypeDropout: {
		pName,
		{Name: ParamDropout, Kind: KindFloat, Default: "0.5", Doc: "The dropout probability."},
	},
	TypeGlobalPooling: {
		pName, pPooling,
		{Name: ParamCollapse, Kind: KindBool, Default: "true", Doc: "Collapse the pooled dimensions."},
	},
}

// backendKeys はバックエンドのレイヤー名から対応するレイヤー型への対応
var backendKeys = map[string]Type{
	"dense":      TypeDense,
	"conv2d":     TypeConvolution,
	"lstm":       TypeLSTM,
	"layer_norm": TypeBatchNorm,
	"softmax":    TypeOutput,
}

// Types returns every registered layer type, sorted.
func Types() []Type {
	out := make([]Type, 0, len(schemas))
	for t := range schemas {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lookup returns the constructor of a layer type.
func Lookup(name string) (func(...Setting) *Layer, error) {
	t := Type(name)
	if _, ok := schemas[t]; !ok {
		return nil, errors.NewConfigurationErrorf("layers", "unknown layer type %q (known: %v)", name, Types())
	}
	return func(settings ...Setting) *Layer { return New(t, settings...) }, nil
}

// ForBackendKey returns a default layer of the type that the backend layer
// key corresponds to.
func ForBackendKey(key string) (*Layer, error) {
	t, ok := backendKeys[key]
	if !ok {
		return nil, errors.NewConfigurationErrorf("layers", "no layer type for backend layer %q", key)
	}
	return New(t), nil
}

// Parse は "<Type> <options>" 形式の文字列からレイヤーを作る
func Parse(spec string) (*Layer, error) {
	name, opts, err := options.SplitSpec(spec)
	if err != nil {
		return nil, err
	}
	ctor, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	l := ctor()
	if err := l.SetOptions(opts); err != nil {
		return nil, errors.Wrapf(err, "parse %s", name)
	}
	return l, nil
}

// ValidateStack checks a layer list before a network is built from it: at
// least one layer, every layer valid, and an output layer of the wanted type last.
func ValidateStack(stack []*Layer, wantOutput Type) error {
	if len(stack) == 0 {
		return errors.NewConfigurationError("layers", "no layers configured")
	}
	for i, l := range stack {
		if err := l.Validate(); err != nil {
			return errors.Wrapf(err, "layer %d", i)
		}
		if l.IsOutput() && i != len(stack)-1 {
			return errors.NewConfigurationErrorf("layers", "layer %d (%s) is an output layer but not the last layer", i, l.Type)
		}
	}
	last := stack[len(stack)-1]
	if last.Type != wantOutput {
		return errors.NewConfigurationErrorf("layers", "the last layer must be %s, got %s", wantOutput, last.Type)
	}
	return nil
}
