// Package zoo holds predefined network architectures.
//
// A zoo model produces the layer stack for a given input shape and class
// count. With -pretrained it also names a saved network whose weights are
// reused; the classifier then swaps the output head for one sized to the
// new data (transfer learning).
package zoo

import (
	"encoding/gob"
	"os"
	"sort"

	"github.com/YuminosukeSato/wekadl/convert"
	"github.com/YuminosukeSato/wekadl/layers"
	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// Model is a predefined architecture.
type Model interface {
	options.Handler
	Name() string
	// Layers は入力形状とクラス数に合わせたレイヤー列を返す
	Layers(shape convert.ImageShape, numClasses int) ([]*layers.Layer, error)
	// InputShape は設計時の入力形状
	InputShape() convert.ImageShape
	// RequiresImage reports whether the model needs an image iterator.
	RequiresImage() bool
	// Pretrained は学習済みネットワークのパス（なければ空）
	Pretrained() string
}

func init() {
	gob.Register(&LeNet{})
	gob.Register(&SimpleCNN{})
	gob.Register(&VGG16{})
	gob.Register(&MLP{})
}

var registry = map[string]func() Model{
	"LeNet":     func() Model { return &LeNet{} },
	"SimpleCNN": func() Model { return &SimpleCNN{} },
	"VGG16":     func() Model { return &VGG16{} },
	"MLP":       func() Model { return NewMLP() },
}

// Names returns the registered model names.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Parse builds a model from "<Name> <options...>".
func Parse(spec string) (Model, error) {
	name, opts, err := options.SplitSpec(spec)
	if err != nil {
		return nil, err
	}
	ctor, ok := registry[name]
	if !ok {
		return nil, errors.NewConfigurationErrorf("zoo", "unknown model %q (known: %v)", name, Names())
	}
	m := ctor()
	if err := m.SetOptions(opts); err != nil {
		return nil, errors.Wrapf(err, "zoo model %s", name)
	}
	return m, nil
}

// String renders a model as its specification.
func String(m Model) string {
	return options.String(m.Name(), m)
}

// LoadPretrained reads the saved network a model points to.
func LoadPretrained(m Model) ([]byte, error) {
	path := m.Pretrained()
	if path == "" {
		return nil, errors.NewConfigurationErrorf(m.Name(), "no pretrained network configured")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigurationErrorf(m.Name(), "read pretrained network: %v", err)
	}
	return b, nil
}

// Pretraining holds the -pretrained option every model shares.
type Pretraining struct {
	Path string
}

func (p *Pretraining) Pretrained() string { return p.Path }

func (p *Pretraining) Options() []string {
	if p.Path == "" {
		return nil
	}
	return []string{"-pretrained", p.Path}
}

func (p *Pretraining) setOptions(name string, opts []string) error {
	rest := append([]string(nil), opts...)
	path, _, err := options.GetOption("pretrained", &rest)
	if err != nil {
		return err
	}
	if err := options.CheckAllUsed(name, rest); err != nil {
		return err
	}
	p.Path = path
	return nil
}

func checkClasses(name string, numClasses int) error {
	if numClasses <= 0 {
		return errors.NewConfigurationErrorf(name, "class count must be positive, got %d", numClasses)
	}
	return nil
}

func checkMinSize(name string, shape convert.ImageShape, min int) error {
	if err := shape.Validate(); err != nil {
		return err
	}
	if shape.Height < min || shape.Width < min {
		return errors.NewConfigurationErrorf(name, "input %s is smaller than the %dx%d minimum", shape, min, min)
	}
	return nil
}

func conv(nOut, kernel, stride int, mode layers.ConvolutionMode) *layers.Layer {
	return layers.NewConvolution(
		layers.NOut(nOut),
		layers.Pair(layers.ParamKernelSize, kernel, kernel),
		layers.Pair(layers.ParamStride, stride, stride),
		layers.Str(layers.ParamConvMode, string(mode)),
		layers.Act(layers.ActivationReLU),
		layers.Str(layers.ParamWeightInit, string(layers.WeightInitReLU)),
	)
}

// downsample は2x2プーリングの代わりのストライド2の畳み込み
func downsample(nOut int) *layers.Layer {
	return conv(nOut, 2, 2, layers.ConvTruncate)
}

func dense(nOut int) *layers.Layer {
	return layers.NewDense(
		layers.NOut(nOut),
		layers.Act(layers.ActivationReLU),
		layers.Str(layers.ParamWeightInit, string(layers.WeightInitReLU)),
	)
}

func output() *layers.Layer {
	return layers.NewOutput(layers.Act(layers.ActivationSoftmax), layers.Loss(layers.LossMCXENT))
}
