// Package layers declares the network layer specifications and their
// option-string protocol.
//
// Every layer type is described by a declarative schema ([]Param). A Layer
// stores only the parameters that were explicitly set; everything else reads
// as the schema default or, when the schema has none, as unset so that the
// backend default applies.
package layers

import (
	"strconv"

	"github.com/YuminosukeSato/wekadl/core/opt"
	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// Type is the name of a layer type as used in option strings.
type Type string

const (
	TypeDense         Type = "DenseLayer"
	TypeOutput        Type = "OutputLayer"
	TypeConvolution   Type = "ConvolutionLayer"
	TypeSubsampling   Type = "SubsamplingLayer"
	TypeBatchNorm     Type = "BatchNormalization"
	TypeLSTM          Type = "LSTM"
	TypeRnnOutput     Type = "RnnOutputLayer"
	TypeDropout       Type = "DropoutLayer"
	TypeGlobalPooling Type = "GlobalPoolingLayer"
)

// Layer は1つのレイヤーの設定
//
// Values には明示的に設定されたパラメータだけを正規化した文字列で保持する。
type Layer struct {
	Type   Type
	Values map[ParamName]string

	// err は構築時の設定エラー。Validate で返す
	err error
}

// Setting configures a layer at construction time.
type Setting func(*Layer) error

// Int sets an integer parameter.
func Int(name ParamName, v int) Setting {
	return func(l *Layer) error { return l.Set(name, strconv.Itoa(v)) }
}

// Float sets a float parameter.
func Float(name ParamName, v float64) Setting {
	return func(l *Layer) error { return l.Set(name, strconv.FormatFloat(v, 'g', -1, 64)) }
}

// Bool sets a boolean parameter.
func Bool(name ParamName, v bool) Setting {
	return func(l *Layer) error { return l.Set(name, strconv.FormatBool(v)) }
}

// Str sets a string or enum parameter.
func Str(name ParamName, v string) Setting {
	return func(l *Layer) error { return l.Set(name, v) }
}

// Pair sets a two-dimensional parameter such as the kernel size.
func Pair(name ParamName, rows, cols int) Setting {
	return func(l *Layer) error { return l.Set(name, strconv.Itoa(rows)+","+strconv.Itoa(cols)) }
}

// Act sets the activation function.
func Act(a Activation) Setting { return Str(ParamActivation, string(a)) }

// Loss sets the loss function of an output layer.
func Loss(f LossFunction) Setting { return Str(ParamLoss, string(f)) }

// Named sets the layer name.
func Named(name string) Setting { return Str(ParamLayerName, name) }

// NOut sets the number of outputs.
func NOut(n int) Setting { return Int(ParamNOut, n) }

// New は指定した型のレイヤーを作る。設定エラーは Validate で報告される
func New(t Type, settings ...Setting) *Layer {
	l := &Layer{Type: t, Values: make(map[ParamName]string)}
	if _, ok := schemas[t]; !ok {
		l.err = errors.NewConfigurationErrorf("layers.New", "unknown layer type %q", t)
		return l
	}
	for _, s := range settings {
		if err := s(l); err != nil && l.err == nil {
			l.err = err
		}
	}
	return l
}

// NewDense creates a fully connected layer.
func NewDense(settings ...Setting) *Layer { return New(TypeDense, settings...) }

// NewOutput creates the output layer of a feed-forward network.
func NewOutput(settings ...Setting) *Layer { return New(TypeOutput, settings...) }

// NewConvolution creates a 2-d convolution layer.
func NewConvolution(settings ...Setting) *Layer { return New(TypeConvolution, settings...) }

// NewSubsampling creates a 2-d pooling layer.
func NewSubsampling(settings ...Setting) *Layer { return New(TypeSubsampling, settings...) }

// NewBatchNormalization creates a batch normalization layer.
func NewBatchNormalization(settings ...Setting) *Layer { return New(TypeBatchNorm, settings...) }

// NewLSTM creates an LSTM layer.
func NewLSTM(settings ...Setting) *Layer { return New(TypeLSTM, settings...) }

// NewRnnOutput creates the per-step output layer of a recurrent network.
func NewRnnOutput(settings ...Setting) *Layer { return New(TypeRnnOutput, settings...) }

// NewDropout creates a dropout layer.
func NewDropout(settings ...Setting) *Layer { return New(TypeDropout, settings...) }

// NewGlobalPooling creates a global pooling layer.
func NewGlobalPooling(settings ...Setting) *Layer { return New(TypeGlobalPooling, settings...) }

// Schema returns the parameter declarations of the layer type.
func (l *Layer) Schema() []Param { return schemas[l.Type] }

func (l *Layer) param(name ParamName) (Param, error) {
	for _, p := range l.Schema() {
		if p.Name == name {
			return p, nil
		}
	}
	return Param{}, errors.NewConfigurationErrorf(string(l.Type), "unknown parameter %q", name)
}

// Set は文字列の値をパラメータの型として検証して設定する
func (l *Layer) Set(name ParamName, value string) error {
	p, err := l.param(name)
	if err != nil {
		return err
	}
	v, err := p.parseValue(value)
	if err != nil {
		return err
	}
	if l.Values == nil {
		l.Values = make(map[ParamName]string)
	}
	l.Values[name] = formatValue(v)
	return nil
}

// Unset clears an explicit value; the parameter reads as its default again.
func (l *Layer) Unset(name ParamName) {
	delete(l.Values, name)
}

// IsSet reports whether the parameter was set explicitly.
func (l *Layer) IsSet(name ParamName) bool {
	_, ok := l.Values[name]
	return ok
}

// raw returns the explicit value, else the default, else unset.
func (l *Layer) raw(name ParamName) (Param, opt.Optional[interface{}]) {
	p, err := l.param(name)
	if err != nil {
		return p, opt.None[interface{}]()
	}
	s, ok := l.Values[name]
	if !ok {
		s = p.Default
	}
	if s == "" {
		return p, opt.None[interface{}]()
	}
	v, err := p.parseValue(s)
	if err != nil {
		return p, opt.None[interface{}]()
	}
	return p, opt.Some(v)
}

// GetInt returns an integer parameter.
func (l *Layer) GetInt(name ParamName) opt.Optional[int] {
	_, v := l.raw(name)
	if x, ok := v.Value.(int); ok && v.Valid {
		return opt.Some(x)
	}
	return opt.None[int]()
}

// GetFloat returns a float parameter.
func (l *Layer) GetFloat(name ParamName) opt.Optional[float64] {
	_, v := l.raw(name)
	if x, ok := v.Value.(float64); ok && v.Valid {
		return opt.Some(x)
	}
	return opt.None[float64]()
}

// GetBool returns a boolean parameter.
func (l *Layer) GetBool(name ParamName) opt.Optional[bool] {
	_, v := l.raw(name)
	if x, ok := v.Value.(bool); ok && v.Valid {
		return opt.Some(x)
	}
	return opt.None[bool]()
}

// GetString returns a string or enum parameter.
func (l *Layer) GetString(name ParamName) opt.Optional[string] {
	_, v := l.raw(name)
	if x, ok := v.Value.(string); ok && v.Valid {
		return opt.Some(x)
	}
	return opt.None[string]()
}

// GetPair returns a two-dimensional parameter.
func (l *Layer) GetPair(name ParamName) opt.Optional[[2]int] {
	_, v := l.raw(name)
	if x, ok := v.Value.([2]int); ok && v.Valid {
		return opt.Some(x)
	}
	return opt.None[[2]int]()
}

// Name returns the layer name, or the type name when unset.
func (l *Layer) Name() string {
	return l.GetString(ParamLayerName).OrElse(string(l.Type))
}

// Activation returns the activation function. Layers without one read as identity.
func (l *Layer) Activation() Activation {
	return Activation(l.GetString(ParamActivation).OrElse(string(ActivationIdentity)))
}

// LossFunction returns the loss of an output layer.
func (l *Layer) LossFunction() LossFunction {
	return LossFunction(l.GetString(ParamLoss).OrElse(string(LossMCXENT)))
}

// NOut returns the number of outputs if set.
func (l *Layer) NOut() opt.Optional[int] { return l.GetInt(ParamNOut) }

// IsOutput reports whether the layer can terminate a network.
func (l *Layer) IsOutput() bool {
	return l.Type == TypeOutput || l.Type == TypeRnnOutput
}

// IsConvolutional reports whether the layer needs image-shaped input.
func (l *Layer) IsConvolutional() bool {
	return l.Type == TypeConvolution || l.Type == TypeSubsampling
}

// IsRecurrent reports whether the layer needs sequence input.
func (l *Layer) IsRecurrent() bool {
	return l.Type == TypeLSTM || l.Type == TypeRnnOutput
}

// Options は schema の順に "-name value" を返す
// 明示値のないパラメータは既定値を出力し、既定値もなければ省略する。
func (l *Layer) Options() []string {
	var out []string
	for _, p := range l.Schema() {
		s, ok := l.Values[p.Name]
		if !ok {
			s = p.Default
		}
		if s == "" && !ok {
			continue
		}
		out = append(out, "-"+string(p.Name), s)
	}
	return out
}

// SetOptions は全パラメータを opts の値、なければ既定値にする
func (l *Layer) SetOptions(opts []string) error {
	rest := append([]string(nil), opts...)
	values := make(map[ParamName]string)
	for _, p := range l.Schema() {
		v, ok, err := options.GetOption(string(p.Name), &rest)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		parsed, err := p.parseValue(v)
		if err != nil {
			return err
		}
		values[p.Name] = formatValue(parsed)
	}
	if err := options.CheckAllUsed(string(l.Type), rest); err != nil {
		return err
	}
	l.Values = values
	return nil
}

// ListOptions implements options.Describer.
func (l *Layer) ListOptions() []options.Option {
	out := make([]options.Option, 0, len(l.Schema()))
	for _, p := range l.Schema() {
		out = append(out, p.Option())
	}
	return out
}

// String returns the layer specification "<Type> <options>".
func (l *Layer) String() string {
	return options.String(string(l.Type), l)
}

// Copy returns a deep copy.
func (l *Layer) Copy() *Layer {
	c := &Layer{Type: l.Type, Values: make(map[ParamName]string, len(l.Values)), err: l.err}
	for k, v := range l.Values {
		c.Values[k] = v
	}
	return c
}

// Validate は構築時のエラー、必須パラメータ、値の範囲を検査する
func (l *Layer) Validate() error {
	if l.err != nil {
		return l.err
	}
	if _, ok := schemas[l.Type]; !ok {
		return errors.NewConfigurationErrorf("layers", "unknown layer type %q", l.Type)
	}
	for _, p := range l.Schema() {
		if p.Required && !l.IsSet(p.Name) {
			return errors.NewConfigurationErrorf(l.Name(), "parameter -%s is required", p.Name)
		}
	}
	if n, ok := l.NOut().Get(); ok && n <= 0 {
		return errors.NewConfigurationErrorf(l.Name(), "-nOut must be positive, got %d", n)
	}
	if d, ok := l.GetFloat(ParamDropout).Get(); ok && (d < 0 || d >= 1) {
		return errors.NewConfigurationErrorf(l.Name(), "-dropout must be in [0, 1), got %g", d)
	}
	for _, name := range []ParamName{ParamKernelSize, ParamStride} {
		if v, ok := l.GetPair(name).Get(); ok && (v[0] <= 0 || v[1] <= 0) {
			return errors.NewConfigurationErrorf(l.Name(), "-%s must be positive, got %d,%d", name, v[0], v[1])
		}
	}
	if v, ok := l.GetPair(ParamPadding).Get(); ok && (v[0] < 0 || v[1] < 0) {
		return errors.NewConfigurationErrorf(l.Name(), "-padding must not be negative, got %d,%d", v[0], v[1])
	}
	if e, ok := l.GetFloat(ParamEps).Get(); ok && e <= 0 {
		return errors.NewConfigurationErrorf(l.Name(), "-eps must be positive, got %g", e)
	}
	for _, name := range []ParamName{ParamL1, ParamL2} {
		if v, ok := l.GetFloat(name).Get(); ok && v < 0 {
			return errors.NewConfigurationErrorf(l.Name(), "-%s must not be negative, got %g", name, v)
		}
	}
	return nil
}
