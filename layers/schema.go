package layers

import (
	"strconv"
	"strings"

	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// ParamName is the option flag of a hyperparameter, without the leading dash.
type ParamName string

const (
	ParamLayerName      ParamName = "name"
	ParamNOut           ParamName = "nOut"
	ParamActivation     ParamName = "activation"
	ParamGateActivation ParamName = "gateActivation"
	ParamWeightInit     ParamName = "weightInit"
	ParamBiasInit       ParamName = "biasInit"
	ParamDropout        ParamName = "dropout"
	ParamL1             ParamName = "l1"
	ParamL2             ParamName = "l2"
	ParamLoss           ParamName = "lossFn"
	ParamKernelSize     ParamName = "kernelSize"
	ParamStride         ParamName = "stride"
	ParamPadding        ParamName = "padding"
	ParamConvMode       ParamName = "convolutionMode"
	ParamPoolingType    ParamName = "poolingType"
	ParamPNorm          ParamName = "pnorm"
	ParamEps            ParamName = "eps"
	ParamDecay          ParamName = "decay"
	ParamForgetBias     ParamName = "forgetGateBiasInit"
	ParamCollapse       ParamName = "collapseDimensions"
)

// Kind is the value type of a parameter.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindBool
	KindString
	KindEnum
	// KindPair は "3,3" 形式の2次元の整数（カーネルサイズ、ストライドなど）
	KindPair
)

func (k Kind) String() string {
	return [...]string{"int", "float", "bool", "string", "enum", "int,int"}[k]
}

// Param はレイヤーの1つのハイパーパラメータの宣言
//
// Default が空文字列のパラメータは未設定にでき、その場合は
// バックエンドの既定値が使われる。Default を持つパラメータは
// Unset すると Default に戻る。
type Param struct {
	Name     ParamName
	Kind     Kind
	Default  string
	Choices  []string
	Required bool
	Doc      string
}

// Activation is a layer activation function.
type Activation string

const (
	ActivationIdentity  Activation = "identity"
	ActivationReLU      Activation = "relu"
	ActivationLeakyReLU Activation = "leakyrelu"
	ActivationSigmoid   Activation = "sigmoid"
	ActivationTanh      Activation = "tanh"
	ActivationSoftmax   Activation = "softmax"
	ActivationSoftplus  Activation = "softplus"
	ActivationGELU      Activation = "gelu"
	ActivationSwish     Activation = "swish"
)

// Activations lists every activation in declaration order.
var Activations = []string{
	string(ActivationIdentity), string(ActivationReLU), string(ActivationLeakyReLU),
	string(ActivationSigmoid), string(ActivationTanh), string(ActivationSoftmax),
	string(ActivationSoftplus), string(ActivationGELU), string(ActivationSwish),
}

// LossFunction is the loss of an output layer.
type LossFunction string

const (
	LossMCXENT LossFunction = "mcxent"
	LossMSE    LossFunction = "mse"
	LossXENT   LossFunction = "xent"
	LossNLL    LossFunction = "negativeloglikelihood"
	LossMAE    LossFunction = "mae"
)

// LossFunctions lists every loss in declaration order.
var LossFunctions = []string{string(LossMCXENT), string(LossMSE), string(LossXENT), string(LossNLL), string(LossMAE)}

// WeightInit is a weight initialisation scheme.
type WeightInit string

const (
	WeightInitXavier  WeightInit = "xavier"
	WeightInitReLU    WeightInit = "relu"
	WeightInitUniform WeightInit = "uniform"
	WeightInitNormal  WeightInit = "normal"
	WeightInitZero    WeightInit = "zero"
)

// WeightInits lists every scheme in declaration order.
var WeightInits = []string{string(WeightInitXavier), string(WeightInitReLU), string(WeightInitUniform), string(WeightInitNormal), string(WeightInitZero)}

// PoolingType is the reduction of a pooling layer.
type PoolingType string

const (
	PoolingMax   PoolingType = "max"
	PoolingAvg   PoolingType = "avg"
	PoolingSum   PoolingType = "sum"
	PoolingPNorm PoolingType = "pnorm"
)

// PoolingTypes lists every pooling type in declaration order.
var PoolingTypes = []string{string(PoolingMax), string(PoolingAvg), string(PoolingSum), string(PoolingPNorm)}

// ConvolutionMode controls output size rounding of convolutions.
type ConvolutionMode string

const (
	ConvTruncate ConvolutionMode = "truncate"
	ConvSame     ConvolutionMode = "same"
	ConvStrict   ConvolutionMode = "strict"
)

// ConvolutionModes lists every mode in declaration order.
var ConvolutionModes = []string{string(ConvTruncate), string(ConvSame), string(ConvStrict)}

// 共通のパラメータ宣言
var (
	pName       = Param{Name: ParamLayerName, Kind: KindString, Doc: "The name of the layer."}
	pNOut       = Param{Name: ParamNOut, Kind: KindInt, Required: true, Doc: "The number of outputs (units, filters)."}
	pActivation = func(def Activation) Param {
		return Param{Name: ParamActivation, Kind: KindEnum, Default: string(def), Choices: Activations, Doc: "The activation function."}
	}
	pWeightInit = Param{Name: ParamWeightInit, Kind: KindEnum, Default: string(WeightInitXavier), Choices: WeightInits, Doc: "The weight initialisation scheme."}
	pBiasInit   = Param{Name: ParamBiasInit, Kind: KindFloat, Default: "0", Doc: "The initial bias value."}
	pDropout    = Param{Name: ParamDropout, Kind: KindFloat, Doc: "The dropout probability of the layer input."}
	pL1         = Param{Name: ParamL1, Kind: KindFloat, Doc: "L1 regularization of the weights. Unset uses the network value."}
	pL2         = Param{Name: ParamL2, Kind: KindFloat, Doc: "L2 regularization of the weights. Unset uses the network value."}
	pLoss       = Param{Name: ParamLoss, Kind: KindEnum, Default: string(LossMCXENT), Choices: LossFunctions, Doc: "The loss function."}
	pKernel     = func(def string) Param {
		return Param{Name: ParamKernelSize, Kind: KindPair, Default: def, Doc: "The kernel size (rows,columns)."}
	}
	pStride = func(def string) Param {
		return Param{Name: ParamStride, Kind: KindPair, Default: def, Doc: "The stride (rows,columns)."}
	}
	pPadding  = Param{Name: ParamPadding, Kind: KindPair, Default: "0,0", Doc: "The zero padding (rows,columns)."}
	pConvMode = Param{Name: ParamConvMode, Kind: KindEnum, Default: string(ConvTruncate), Choices: ConvolutionModes, Doc: "The convolution mode."}
	pPooling  = Param{Name: ParamPoolingType, Kind: KindEnum, Default: string(PoolingMax), Choices: PoolingTypes, Doc: "The pooling type."}
)

// parseValue checks that s is a valid value of the parameter.
func (p Param) parseValue(s string) (interface{}, error) {
	invalid := func(reason string) error {
		return errors.NewValidationError(string(p.Name), reason, s)
	}
	switch p.Kind {
	case KindInt:
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, invalid("must be an integer")
		}
		return v, nil
	case KindFloat:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, invalid("must be a number")
		}
		return v, nil
	case KindBool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return nil, invalid("must be true or false")
		}
		return v, nil
	case KindEnum:
		for _, c := range p.Choices {
			if strings.EqualFold(c, s) {
				return c, nil
			}
		}
		return nil, invalid("must be one of " + strings.Join(p.Choices, ", "))
	case KindPair:
		parts := strings.Split(s, ",")
		if len(parts) != 2 {
			return nil, invalid("must be two integers separated by a comma")
		}
		var pair [2]int
		for i, part := range parts {
			v, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, invalid("must be two integers separated by a comma")
			}
			pair[i] = v
		}
		return pair, nil
	default:
		return s, nil
	}
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case [2]int:
		return strconv.Itoa(x[0]) + "," + strconv.Itoa(x[1])
	case string:
		return x
	}
	return ""
}

// Option returns the usage line of the parameter.
func (p Param) Option() options.Option {
	synopsis := "-" + string(p.Name) + " <" + p.Kind.String() + ">"
	desc := p.Doc
	if len(p.Choices) > 0 {
		desc += " One of: " + strings.Join(p.Choices, ", ") + "."
	}
	if p.Default != "" {
		desc += " (default " + p.Default + ")"
	}
	return options.Option{Flag: string(p.Name), Synopsis: synopsis, Description: desc}
}
