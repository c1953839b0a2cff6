package classifiers

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/preprocessing"
)

// ZeroR は入力を見ずに学習データのクラス分布（数値クラスなら平均）を返す
//
// 学習データが不十分でネットワークを作れないときの代替として使う。
// 名義クラスの頻度は1から数え始めるため、行が無ければ一様分布になる。
type ZeroR struct {
	Numeric bool
	Dist    []float64
	Mean    float64
}

// FitZeroR fits the trivial predictor on the rows whose class is present.
func FitZeroR(insts *data.Instances) (*ZeroR, error) {
	ci := insts.ClassIndex()
	if ci < 0 {
		return nil, errors.NewDataError("ZeroR", "class index is not set")
	}
	attr := insts.ClassAttribute()
	if attr.IsNominal() {
		counts := make([]float64, attr.NumValues())
		if len(counts) == 0 {
			return nil, errors.NewDataErrorf("ZeroR", "nominal class %q has no values", attr.Name)
		}
		floats.AddConst(1, counts)
		for _, r := range insts.Rows {
			if v := r.Value(ci); !data.IsMissingValue(v) {
				counts[int(v)] += r.Weight
			}
		}
		floats.Scale(1/floats.Sum(counts), counts)
		return &ZeroR{Dist: counts}, nil
	}
	if !attr.IsNumeric() {
		return nil, errors.NewDataErrorf("ZeroR", "class %q is neither nominal nor numeric", attr.Name)
	}
	var values, weights []float64
	for _, r := range insts.Rows {
		if v := r.Value(ci); !data.IsMissingValue(v) {
			values = append(values, v)
			weights = append(weights, r.Weight)
		}
	}
	z := &ZeroR{Numeric: true}
	if len(values) > 0 && floats.Sum(weights) > 0 {
		z.Mean = stat.Mean(values, weights)
	}
	return z, nil
}

// Distribution returns the prediction every row receives.
func (z *ZeroR) Distribution() []float64 {
	if z.Numeric {
		return []float64{z.Mean}
	}
	return append([]float64(nil), z.Dist...)
}

// Distributions repeats the prediction for n rows.
func (z *ZeroR) Distributions(n int) *mat.Dense {
	d := z.Distribution()
	out := mat.NewDense(n, len(d), nil)
	for i := 0; i < n; i++ {
		out.SetRow(i, d)
	}
	return out
}

// normalizeRows は活性を確率分布にする
//
// 負値とNaNは0に置き換え、各行を和が1になるように割る。
// 和が0の行は一様分布にする。
func normalizeRows(out *mat.Dense) {
	n, k := out.Dims()
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		for j, v := range row {
			if v < 0 || math.IsNaN(v) {
				row[j] = 0
			}
		}
		sum := floats.Sum(row)
		if sum <= 0 || math.IsInf(sum, 0) {
			for j := range row {
				row[j] = 1 / float64(k)
			}
			continue
		}
		floats.Scale(1/sum, row)
	}
}

// rescaleRows maps network outputs back to the original class scale.
func rescaleRows(out *mat.Dense, sc preprocessing.ClassScaler) {
	out.Apply(func(_, _ int, v float64) float64 { return sc.InverseTransform(v) }, out)
}
