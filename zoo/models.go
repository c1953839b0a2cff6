package zoo

import (
	"strconv"

	"github.com/YuminosukeSato/wekadl/convert"
	"github.com/YuminosukeSato/wekadl/layers"
	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// LeNet is the classic two stage convolutional network for 28x28 digits.
type LeNet struct{ Pretraining }

func (m *LeNet) Name() string                   { return "LeNet" }
func (m *LeNet) RequiresImage() bool            { return true }
func (m *LeNet) SetOptions(opts []string) error { return m.setOptions(m.Name(), opts) }
func (m *LeNet) InputShape() convert.ImageShape {
	return convert.ImageShape{Channels: 1, Height: 28, Width: 28, Order: convert.ChannelsFirst}
}

func (m *LeNet) Layers(shape convert.ImageShape, numClasses int) ([]*layers.Layer, error) {
	if err := checkClasses(m.Name(), numClasses); err != nil {
		return nil, err
	}
	if err := checkMinSize(m.Name(), shape, 16); err != nil {
		return nil, err
	}
	return []*layers.Layer{
		conv(20, 5, 1, layers.ConvTruncate),
		downsample(20),
		conv(50, 5, 1, layers.ConvTruncate),
		downsample(50),
		dense(500),
		output(),
	}, nil
}

// SimpleCNN is a small three block network with normalisation.
type SimpleCNN struct{ Pretraining }

func (m *SimpleCNN) Name() string                   { return "SimpleCNN" }
func (m *SimpleCNN) RequiresImage() bool            { return true }
func (m *SimpleCNN) SetOptions(opts []string) error { return m.setOptions(m.Name(), opts) }
func (m *SimpleCNN) InputShape() convert.ImageShape {
	return convert.ImageShape{Channels: 3, Height: 48, Width: 48, Order: convert.ChannelsFirst}
}

func (m *SimpleCNN) Layers(shape convert.ImageShape, numClasses int) ([]*layers.Layer, error) {
	if err := checkClasses(m.Name(), numClasses); err != nil {
		return nil, err
	}
	if err := checkMinSize(m.Name(), shape, 8); err != nil {
		return nil, err
	}
	var stack []*layers.Layer
	for _, filters := range []int{16, 32, 64} {
		stack = append(stack,
			conv(filters, 3, 1, layers.ConvSame),
			layers.NewBatchNormalization(),
			downsample(filters),
		)
	}
	return append(stack, dense(128), output()), nil
}

// VGG16 follows the VGG-16 layout. Each max pooling stage is replaced by a
// strided convolution with the same number of filters.
type VGG16 struct{ Pretraining }

func (m *VGG16) Name() string                   { return "VGG16" }
func (m *VGG16) RequiresImage() bool            { return true }
func (m *VGG16) SetOptions(opts []string) error { return m.setOptions(m.Name(), opts) }
func (m *VGG16) InputShape() convert.ImageShape {
	return convert.ImageShape{Channels: 3, Height: 224, Width: 224, Order: convert.ChannelsFirst}
}

func (m *VGG16) Layers(shape convert.ImageShape, numClasses int) ([]*layers.Layer, error) {
	if err := checkClasses(m.Name(), numClasses); err != nil {
		return nil, err
	}
	if err := checkMinSize(m.Name(), shape, 32); err != nil {
		return nil, err
	}
	blocks := []struct{ filters, convs int }{
		{64, 2}, {128, 2}, {256, 3}, {512, 3}, {512, 3},
	}
	var stack []*layers.Layer
	for _, b := range blocks {
		for i := 0; i < b.convs; i++ {
			stack = append(stack, conv(b.filters, 3, 1, layers.ConvSame))
		}
		stack = append(stack, downsample(b.filters))
	}
	return append(stack, dense(4096), dense(4096), output()), nil
}

// MLP is a plain dense network for tabular data.
type MLP struct {
	Pretraining
	Hidden []int
}

// NewMLP creates a 64-32 hidden unit network.
func NewMLP() *MLP { return &MLP{Hidden: []int{64, 32}} }

func (m *MLP) Name() string        { return "MLP" }
func (m *MLP) RequiresImage() bool { return false }

// InputShape is unused for dense networks; any shape is flattened.
func (m *MLP) InputShape() convert.ImageShape { return convert.ImageShape{} }

func (m *MLP) Options() []string {
	opts := make([]string, 0, 2*len(m.Hidden)+2)
	for _, h := range m.Hidden {
		opts = append(opts, "-hidden", strconv.Itoa(h))
	}
	return append(opts, m.Pretraining.Options()...)
}

func (m *MLP) SetOptions(opts []string) error {
	rest := append([]string(nil), opts...)
	values, err := options.GetOptions("hidden", &rest)
	if err != nil {
		return err
	}
	hidden := NewMLP().Hidden
	if len(values) > 0 {
		hidden = hidden[:0]
		for _, v := range values {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return errors.NewValidationError("hidden", "must be a positive integer", v)
			}
			hidden = append(hidden, n)
		}
	}
	if err := m.setOptions(m.Name(), rest); err != nil {
		return err
	}
	m.Hidden = hidden
	return nil
}

func (m *MLP) Layers(_ convert.ImageShape, numClasses int) ([]*layers.Layer, error) {
	if err := checkClasses(m.Name(), numClasses); err != nil {
		return nil, err
	}
	stack := make([]*layers.Layer, 0, len(m.Hidden)+1)
	for _, h := range m.Hidden {
		stack = append(stack, dense(h))
	}
	return append(stack, output()), nil
}
