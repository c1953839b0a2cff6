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

// RelationalInstanceIterator encodes the bag of a relational attribute as
// one sequence per row. Sequences are padded to the longest training
// sequence, or truncated to TruncateLength when it is positive.
type RelationalInstanceIterator struct {
	Batch          Config
	TruncateLength int
	// 以下は Prepare で決まる
	SeqAttr  int
	Length   int
	Features int
}

// NewRelational creates a sequence iterator without truncation.
func NewRelational() *RelationalInstanceIterator {
	return &RelationalInstanceIterator{Batch: DefaultConfig(), SeqAttr: -1}
}

func (r *RelationalInstanceIterator) Name() string    { return "RelationalInstanceIterator" }
func (r *RelationalInstanceIterator) Config() *Config { return &r.Batch }
func (r *RelationalInstanceIterator) Tabular() bool   { return false }

func (r *RelationalInstanceIterator) Options() []string {
	return append([]string{"-truncationLength", strconv.Itoa(r.TruncateLength)}, r.Batch.Options()...)
}

func (r *RelationalInstanceIterator) SetOptions(opts []string) error {
	rest := append([]string(nil), opts...)
	truncate := 0
	if err := intOption("truncationLength", &rest, &truncate); err != nil {
		return err
	}
	if truncate < 0 {
		return errors.NewValidationError("truncationLength", "must be non-negative", truncate)
	}
	if err := r.Batch.ConsumeOptions(&rest); err != nil {
		return err
	}
	r.TruncateLength, r.SeqAttr, r.Length, r.Features = truncate, -1, 0, 0
	return options.CheckAllUsed(r.Name(), rest)
}

func (r *RelationalInstanceIterator) Prepare(insts *data.Instances) (backend.Topology, error) {
	outputs, err := convert.NumOutcomes(insts)
	if err != nil {
		return backend.Topology{}, err
	}
	seq, err := convert.FindSequenceAttribute(insts)
	if err != nil {
		return backend.Topology{}, err
	}
	length, err := convert.SequenceLength(insts, seq, r.TruncateLength)
	if err != nil {
		return backend.Topology{}, err
	}
	if length == 0 {
		return backend.Topology{}, errors.NewDataError(r.Name(), "all sequences are empty")
	}
	r.SeqAttr, r.Length = seq, length
	r.Features = insts.Attribute(seq).Relation.NumAttributes()
	return backend.Topology{SeqLength: r.Length, SeqFeatures: r.Features, NumOutputs: outputs}, nil
}

func (r *RelationalInstanceIterator) Encode(insts *data.Instances) (*dataset.DataSet, error) {
	if err := checkPrepared(r.Name(), r.Length > 0); err != nil {
		return nil, err
	}
	return convert.SequencesToDataSet(insts, r.SeqAttr, r.Length)
}
