package classifiers

import (
	"github.com/YuminosukeSato/wekadl/iterators"
	"github.com/YuminosukeSato/wekadl/layers"
	"github.com/YuminosukeSato/wekadl/preprocessing"
)

// RNNSequenceClassifier classifies whole sequences.
//
// Each row holds one sequence in a relational attribute. The network sees
// every step and the class is read from the output at the last valid step.
type RNNSequenceClassifier struct {
	classifier
}

func defaultRecurrentLayers() []*layers.Layer {
	return []*layers.Layer{
		layers.NewLSTM(layers.NOut(32), layers.Act(layers.ActivationTanh)),
		layers.NewRnnOutput(),
	}
}

// NewRNNSequenceClassifier creates an LSTM classifier on
// RelationalInstanceIterator.
func NewRNNSequenceClassifier(opts ...Option) *RNNSequenceClassifier {
	c := &RNNSequenceClassifier{}
	c.classifier = classifier{
		base:        newBase("RNNSequenceClassifier", defaultSettings(defaultRecurrentLayers()...), opts),
		newIterator: func() iterators.InstanceIterator { return iterators.NewRelational() },
		filterType:  preprocessing.FilterNone,
		defFilter:   preprocessing.FilterNone,
		outputType:  layers.TypeRnnOutput,
	}
	c.iterator = c.newIterator()
	c.applyBatchSize(c.iterator.Config())
	return c
}
