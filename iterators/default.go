package iterators

import (
	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/convert"
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/dataset"
	"github.com/YuminosukeSato/wekadl/options"
)

// DefaultInstanceIterator encodes every non-class attribute as one feature column.
type DefaultInstanceIterator struct {
	Batch     Config
	NumInputs int
}

// NewDefault creates a tabular iterator with the default batching.
func NewDefault() *DefaultInstanceIterator {
	return &DefaultInstanceIterator{Batch: DefaultConfig()}
}

func (d *DefaultInstanceIterator) Name() string    { return "DefaultInstanceIterator" }
func (d *DefaultInstanceIterator) Config() *Config { return &d.Batch }
func (d *DefaultInstanceIterator) Tabular() bool   { return true }

func (d *DefaultInstanceIterator) Options() []string { return d.Batch.Options() }

func (d *DefaultInstanceIterator) SetOptions(opts []string) error {
	rest := append([]string(nil), opts...)
	if err := d.Batch.ConsumeOptions(&rest); err != nil {
		return err
	}
	return options.CheckAllUsed(d.Name(), rest)
}

func (d *DefaultInstanceIterator) Prepare(insts *data.Instances) (backend.Topology, error) {
	outputs, err := convert.NumOutcomes(insts)
	if err != nil {
		return backend.Topology{}, err
	}
	d.NumInputs = insts.NumAttributes() - 1
	return backend.Topology{NumInputs: d.NumInputs, NumOutputs: outputs}, nil
}

func (d *DefaultInstanceIterator) Encode(insts *data.Instances) (*dataset.DataSet, error) {
	if err := checkPrepared(d.Name(), d.NumInputs > 0); err != nil {
		return nil, err
	}
	return convert.InstancesToDataSet(insts)
}
