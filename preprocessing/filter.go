// Package preprocessing は学習時にフィットし、推論時に同じ順序で再適用するフィルタを提供する
package preprocessing

import (
	"encoding/gob"
	"fmt"
	"strings"

	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// Filter はInstancesを変換するフィルタのインターフェース
//
// Fit は学習データの統計量を計算し、Apply と ApplyInstance は
// その統計量で変換するだけで再フィットは行わない。
type Filter interface {
	// Name はフィルタ名を返す
	Name() string
	// Fit は入力フォーマットと統計量を学習する
	Fit(insts *data.Instances) error
	// Apply はデータセット全体を変換する
	Apply(insts *data.Instances) (*data.Instances, error)
	// ApplyInstance は1行を変換する
	ApplyInstance(in *data.Instance) (*data.Instance, error)
	// OutputFormat は変換後のヘッダを返す
	OutputFormat() *data.Instances
}

func init() {
	gob.Register(&ReplaceMissingValues{})
	gob.Register(&NominalToBinary{})
	gob.Register(&Normalize{})
	gob.Register(&Standardize{})
}

// FilterType は数値属性の正規化方法
type FilterType string

const (
	FilterNormalize   FilterType = "normalize"
	FilterStandardize FilterType = "standardize"
	FilterNone        FilterType = "none"
)

// ParseFilterType はオプション文字列からFilterTypeを得る
func ParseFilterType(s string) (FilterType, error) {
	switch t := FilterType(strings.ToLower(s)); t {
	case FilterNormalize, FilterStandardize, FilterNone:
		return t, nil
	}
	return "", errors.NewValidationError("normalization", "must be normalize, standardize or none", s)
}

// Pipeline はフィルタを宣言順に適用する
type Pipeline struct {
	Filters []Filter
	Fitted  bool
}

// NewPipeline creates a pipeline from filters applied in the given order.
func NewPipeline(filters ...Filter) *Pipeline {
	return &Pipeline{Filters: filters}
}

// NewDefaultPipeline は欠損値補完 → 名義属性の二値化 → 数値の正規化 の順のパイプラインを作る
func NewDefaultPipeline(t FilterType) *Pipeline {
	filters := []Filter{NewReplaceMissingValues(), NewNominalToBinary()}
	switch t {
	case FilterNormalize:
		filters = append(filters, NewNormalize())
	case FilterStandardize:
		filters = append(filters, NewStandardize())
	}
	return NewPipeline(filters...)
}

// FitApply は各フィルタを前段の出力でフィットし、学習データを変換して返す
func (p *Pipeline) FitApply(insts *data.Instances) (*data.Instances, error) {
	cur := insts
	for _, f := range p.Filters {
		if err := f.Fit(cur); err != nil {
			return nil, errors.Wrapf(err, "fit %s", f.Name())
		}
		next, err := f.Apply(cur)
		if err != nil {
			return nil, errors.Wrapf(err, "apply %s", f.Name())
		}
		cur = next
	}
	p.Fitted = true
	return cur, nil
}

// Apply は学習済みの統計量でデータセットを変換する（再フィットしない）
func (p *Pipeline) Apply(insts *data.Instances) (*data.Instances, error) {
	if !p.Fitted {
		return nil, errors.NewNotFittedError("Pipeline", "Apply")
	}
	cur := insts
	for _, f := range p.Filters {
		next, err := f.Apply(cur)
		if err != nil {
			return nil, errors.Wrapf(err, "apply %s", f.Name())
		}
		cur = next
	}
	return cur, nil
}

// ApplyInstance は1行を学習時と同じ順序で変換する
func (p *Pipeline) ApplyInstance(in *data.Instance) (*data.Instance, error) {
	if !p.Fitted {
		return nil, errors.NewNotFittedError("Pipeline", "ApplyInstance")
	}
	cur := in
	for _, f := range p.Filters {
		next, err := f.ApplyInstance(cur)
		if err != nil {
			return nil, errors.Wrapf(err, "apply %s", f.Name())
		}
		cur = next
	}
	return cur, nil
}

// OutputFormat returns the header after the last filter.
func (p *Pipeline) OutputFormat(input *data.Instances) *data.Instances {
	if len(p.Filters) == 0 {
		return input.CopyHeader()
	}
	return p.Filters[len(p.Filters)-1].OutputFormat()
}

func (p *Pipeline) String() string {
	names := make([]string, len(p.Filters))
	for i, f := range p.Filters {
		names[i] = f.Name()
	}
	return fmt.Sprintf("Pipeline(%s)", strings.Join(names, " -> "))
}

// applyAll is the shared Apply implementation: validate the header, then map rows.
func applyAll(f Filter, input *data.Instances, format *data.Instances) (*data.Instances, error) {
	if format == nil {
		return nil, errors.NewNotFittedError(f.Name(), "Apply")
	}
	out := format.CopyHeader()
	out.Rows = make([]*data.Instance, len(input.Rows))
	for i, r := range input.Rows {
		nr, err := f.ApplyInstance(r)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i)
		}
		out.Rows[i] = nr
	}
	for i, a := range out.Attributes {
		if a.Type == data.Relational || a.Type == data.String {
			if src := input.AttributeByName(a.Name); src >= 0 {
				out.Attributes[i].Bags = input.Attributes[src].Bags
				out.Attributes[i].Values = input.Attributes[src].Values
			}
		}
	}
	return out, nil
}

func checkWidth(op string, in *data.Instance, want int) error {
	if in.NumAttributes() != want {
		return errors.NewDimensionError(op, want, in.NumAttributes(), 1)
	}
	return nil
}
