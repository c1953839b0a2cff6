package iterators

import (
	"strconv"

	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/convert"
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/dataset"
	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// ConvolutionInstanceIterator reads each row's attributes as the pixels of
// one image. The channel order of the attributes must be given explicitly.
type ConvolutionInstanceIterator struct {
	Batch    Config
	Shape    convert.ImageShape
	Prepared bool
}

// NewConvolution creates an iterator for 28x28 single channel images in CHW order.
func NewConvolution() *ConvolutionInstanceIterator {
	return &ConvolutionInstanceIterator{
		Batch: DefaultConfig(),
		Shape: convert.ImageShape{Channels: 1, Height: 28, Width: 28, Order: convert.ChannelsFirst},
	}
}

func (c *ConvolutionInstanceIterator) Name() string    { return "ConvolutionInstanceIterator" }
func (c *ConvolutionInstanceIterator) Config() *Config { return &c.Batch }
func (c *ConvolutionInstanceIterator) Tabular() bool   { return true }

func (c *ConvolutionInstanceIterator) Options() []string {
	return append(shapeOptions(c.Shape, true), c.Batch.Options()...)
}

func (c *ConvolutionInstanceIterator) SetOptions(opts []string) error {
	rest := append([]string(nil), opts...)
	shape, err := setShapeOptions(&rest, NewConvolution().Shape, true)
	if err != nil {
		return err
	}
	if err := c.Batch.ConsumeOptions(&rest); err != nil {
		return err
	}
	c.Shape = shape
	c.Prepared = false
	return options.CheckAllUsed(c.Name(), rest)
}

func (c *ConvolutionInstanceIterator) Prepare(insts *data.Instances) (backend.Topology, error) {
	if err := c.Shape.Validate(); err != nil {
		return backend.Topology{}, err
	}
	outputs, err := convert.NumOutcomes(insts)
	if err != nil {
		return backend.Topology{}, err
	}
	if got := insts.NumAttributes() - 1; got != c.Shape.Size() {
		return backend.Topology{}, errors.NewDataErrorf(c.Name(),
			"%d feature attributes do not match image shape %s (%d values)", got, c.Shape, c.Shape.Size())
	}
	c.Prepared = true
	shape := c.Shape
	shape.Order = convert.ChannelsFirst
	return backend.Topology{Image: &shape, NumOutputs: outputs}, nil
}

func (c *ConvolutionInstanceIterator) Encode(insts *data.Instances) (*dataset.DataSet, error) {
	if err := checkPrepared(c.Name(), c.Prepared); err != nil {
		return nil, err
	}
	ds, err := convert.InstancesToDataSet(insts)
	if err != nil {
		return nil, err
	}
	return convert.ReshapeImages(ds, c.Shape)
}

func shapeOptions(s convert.ImageShape, withOrder bool) []string {
	opts := []string{
		"-height", strconv.Itoa(s.Height),
		"-width", strconv.Itoa(s.Width),
		"-numChannels", strconv.Itoa(s.Channels),
	}
	if withOrder {
		order := "chw"
		if s.Order == convert.ChannelsLast {
			order = "hwc"
		}
		opts = append(opts, "-channelOrder", order)
	}
	return opts
}

func setShapeOptions(opts *[]string, def convert.ImageShape, withOrder bool) (convert.ImageShape, error) {
	s := def
	if err := intOption("height", opts, &s.Height); err != nil {
		return s, err
	}
	if err := intOption("width", opts, &s.Width); err != nil {
		return s, err
	}
	if err := intOption("numChannels", opts, &s.Channels); err != nil {
		return s, err
	}
	if withOrder {
		if v, ok, err := options.GetOption("channelOrder", opts); err != nil {
			return s, err
		} else if ok {
			order, err := convert.ParseChannelOrder(v)
			if err != nil {
				return s, err
			}
			s.Order = order
		}
	}
	return s, s.Validate()
}
