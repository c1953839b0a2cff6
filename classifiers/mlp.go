package classifiers

import (
	"github.com/YuminosukeSato/wekadl/iterators"
	"github.com/YuminosukeSato/wekadl/layers"
	"github.com/YuminosukeSato/wekadl/preprocessing"
	"github.com/YuminosukeSato/wekadl/zoo"
)

// MLPClassifier is a feed forward network over tabular or image data.
//
// The default network is a single OutputLayer on DefaultInstanceIterator.
// Convolution layers need ConvolutionInstanceIterator or
// ImageInstanceIterator. A zoo model, when set, replaces the layer list.
type MLPClassifier struct {
	classifier
}

// NewMLPClassifier creates a classifier with the default settings.
func NewMLPClassifier(opts ...Option) *MLPClassifier {
	c := &MLPClassifier{}
	c.classifier = classifier{
		base:        newBase("MLPClassifier", defaultSettings(layers.NewOutput()), opts),
		newIterator: func() iterators.InstanceIterator { return iterators.NewDefault() },
		filterType:  preprocessing.FilterStandardize,
		defFilter:   preprocessing.FilterStandardize,
		outputType:  layers.TypeOutput,
		allowZoo:    true,
	}
	c.iterator = c.newIterator()
	c.applyBatchSize(c.iterator.Config())
	return c
}

// ZooModel returns the zoo model, or nil when the layer list is used.
func (c *MLPClassifier) ZooModel() zoo.Model { return c.zooModel }

// SetZooModel replaces the layer list with a zoo architecture. Nil goes back
// to the layer list.
func (c *MLPClassifier) SetZooModel(m zoo.Model) { c.zooModel = m }
