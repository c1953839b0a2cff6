package preprocessing

import (
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// ReplaceMissingValues は数値属性の欠損を平均値、名義属性の欠損を最頻値で補完する
// クラス属性はそのまま残す
type ReplaceMissingValues struct {
	// Fill は属性ごとの補完値（NaNなら補完しない）
	Fill   []float64
	Format *data.Instances
}

// NewReplaceMissingValues creates the filter.
func NewReplaceMissingValues() *ReplaceMissingValues {
	return &ReplaceMissingValues{}
}

// Name implements Filter.
func (f *ReplaceMissingValues) Name() string { return "ReplaceMissingValues" }

// Fit は重み付き平均・最頻値を計算する
func (f *ReplaceMissingValues) Fit(insts *data.Instances) error {
	n := insts.NumAttributes()
	f.Fill = make([]float64, n)
	for j, a := range insts.Attributes {
		f.Fill[j] = data.Missing
		if j == insts.ClassIndex() {
			continue
		}
		switch {
		case a.IsNumeric():
			var xs, ws []float64
			for _, r := range insts.Rows {
				if v := r.Value(j); !data.IsMissingValue(v) {
					xs = append(xs, v)
					ws = append(ws, r.Weight)
				}
			}
			if len(xs) > 0 {
				f.Fill[j] = stat.Mean(xs, ws)
			}
		case a.IsNominal():
			counts := make([]float64, a.NumValues())
			for _, r := range insts.Rows {
				if v := r.Value(j); !data.IsMissingValue(v) {
					counts[int(v)] += r.Weight
				}
			}
			best := -1
			for k, c := range counts {
				if c > 0 && (best < 0 || c > counts[best]) {
					best = k
				}
			}
			if best >= 0 {
				f.Fill[j] = float64(best)
			}
		}
	}
	f.Format = insts.CopyHeader()
	return nil
}

// Apply implements Filter.
func (f *ReplaceMissingValues) Apply(insts *data.Instances) (*data.Instances, error) {
	return applyAll(f, insts, f.Format)
}

// ApplyInstance implements Filter.
func (f *ReplaceMissingValues) ApplyInstance(in *data.Instance) (*data.Instance, error) {
	if f.Format == nil {
		return nil, errors.NewNotFittedError(f.Name(), "ApplyInstance")
	}
	if err := checkWidth("ReplaceMissingValues.ApplyInstance", in, len(f.Fill)); err != nil {
		return nil, err
	}
	out := in.Copy()
	for i := 0; i < out.NumValues(); i++ {
		j := out.IndexAt(i)
		if data.IsMissingValue(out.ValueAt(i)) && !data.IsMissingValue(f.Fill[j]) {
			out.Vals[i] = f.Fill[j]
		}
	}
	return out, nil
}

// OutputFormat implements Filter.
func (f *ReplaceMissingValues) OutputFormat() *data.Instances { return f.Format }
