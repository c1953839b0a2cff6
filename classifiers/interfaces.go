package classifiers

import (
	"context"
	"io"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/wekadl/core/model"
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/train"
)

// Classifier is implemented by MLPClassifier and RNNSequenceClassifier.
type Classifier interface {
	options.Handler
	BuildClassifier(ctx context.Context, insts *data.Instances) error
	DistributionsForInstances(insts *data.Instances) (*mat.Dense, error)
	DistributionForInstance(header *data.Instances, inst *data.Instance) ([]float64, error)
	ClassifyInstance(header *data.Instances, inst *data.Instance) (float64, error)
	Stop()
	State() *model.TrainingState
	AddListener(l train.Listener)
	Snapshot() (*Snapshot, error)
	Restore(s *Snapshot) error
	Save(w io.Writer) error
	NetworkBytes() ([]byte, error)
	String() string
}

var (
	_ Classifier = (*MLPClassifier)(nil)
	_ Classifier = (*RNNSequenceClassifier)(nil)
)

// Names lists the classifier types New accepts.
func Names() []string {
	return []string{"MLPClassifier", "RNNSequenceClassifier"}
}

// New creates a classifier by type name. "mlp" and "rnn" are accepted as
// short names.
func New(name string, opts ...Option) (Classifier, error) {
	switch name {
	case "MLPClassifier", "mlp":
		return NewMLPClassifier(opts...), nil
	case "RNNSequenceClassifier", "rnn":
		return NewRNNSequenceClassifier(opts...), nil
	}
	return nil, errors.NewConfigurationErrorf("classifiers", "unknown classifier %q (known: %v)", name, Names())
}
