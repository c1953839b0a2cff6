package preprocessing

import (
	"fmt"
	"math"

	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Normalize はクラス以外の数値属性を指定範囲（デフォルト[0,1]）にスケーリングする
//
// 学習データで最小値・最大値を計算し、推論時はその値をそのまま使う。
// 範囲外の値は範囲外のまま出力される。
type Normalize struct {
	// DataMin / DataMax は学習データの最小値・最大値（対象外の属性はNaN）
	DataMin []float64
	DataMax []float64

	// FeatureRange はスケーリング後の範囲 [min, max]
	FeatureRange [2]float64

	Format *data.Instances
}

// NewNormalize は[0,1]範囲のNormalizeを作成する
func NewNormalize() *Normalize {
	return &Normalize{FeatureRange: [2]float64{0, 1}}
}

// Name implements Filter.
func (m *Normalize) Name() string { return "Normalize" }

// Fit は各数値属性の最小値・最大値を計算する
func (m *Normalize) Fit(insts *data.Instances) error {
	n := insts.NumAttributes()
	if insts.NumInstances() == 0 {
		return errors.NewValueError("Normalize.Fit", "empty data")
	}
	m.DataMin = make([]float64, n)
	m.DataMax = make([]float64, n)
	for j, a := range insts.Attributes {
		m.DataMin[j], m.DataMax[j] = math.NaN(), math.NaN()
		if j == insts.ClassIndex() || !a.IsNumeric() {
			continue
		}
		col := presentValues(insts, j)
		if len(col) == 0 {
			continue
		}
		m.DataMin[j] = floats.Min(col)
		m.DataMax[j] = floats.Max(col)
	}
	m.Format = insts.CopyHeader()
	return nil
}

// Apply implements Filter.
func (m *Normalize) Apply(insts *data.Instances) (*data.Instances, error) {
	return applyAll(m, insts, m.Format)
}

// ApplyInstance はmin-maxスケーリングを行う。定数属性は範囲の下限になる。
func (m *Normalize) ApplyInstance(in *data.Instance) (*data.Instance, error) {
	if m.Format == nil {
		return nil, errors.NewNotFittedError(m.Name(), "ApplyInstance")
	}
	if err := checkWidth("Normalize.ApplyInstance", in, len(m.DataMin)); err != nil {
		return nil, err
	}
	featureRange := m.FeatureRange[1] - m.FeatureRange[0]
	out := in.Copy()
	for i := 0; i < out.NumValues(); i++ {
		j := out.IndexAt(i)
		v := out.ValueAt(i)
		if math.IsNaN(m.DataMin[j]) || data.IsMissingValue(v) {
			continue
		}
		scale := m.DataMax[j] - m.DataMin[j]
		if math.Abs(scale) < 1e-8 {
			out.Vals[i] = m.FeatureRange[0]
			continue
		}
		out.Vals[i] = (v-m.DataMin[j])/scale*featureRange + m.FeatureRange[0]
	}
	return out, nil
}

// OutputFormat implements Filter.
func (m *Normalize) OutputFormat() *data.Instances { return m.Format }

func (m *Normalize) String() string {
	return fmt.Sprintf("Normalize(feature_range=[%.1f, %.1f])", m.FeatureRange[0], m.FeatureRange[1])
}

// Standardize はクラス以外の数値属性を平均0、標準偏差1に変換する
type Standardize struct {
	// Mean / Scale は各属性の重み付き平均と母標準偏差（対象外の属性はNaN）
	Mean  []float64
	Scale []float64

	Format *data.Instances
}

// NewStandardize creates the filter.
func NewStandardize() *Standardize {
	return &Standardize{}
}

// Name implements Filter.
func (s *Standardize) Name() string { return "Standardize" }

// Fit は訓練データから統計情報（平均、標準偏差）を計算する
func (s *Standardize) Fit(insts *data.Instances) error {
	n := insts.NumAttributes()
	if insts.NumInstances() == 0 {
		return errors.NewValueError("Standardize.Fit", "empty data")
	}
	s.Mean = make([]float64, n)
	s.Scale = make([]float64, n)
	for j, a := range insts.Attributes {
		s.Mean[j], s.Scale[j] = math.NaN(), math.NaN()
		if j == insts.ClassIndex() || !a.IsNumeric() {
			continue
		}
		var xs, ws []float64
		for _, r := range insts.Rows {
			if v := r.Value(j); !data.IsMissingValue(v) {
				xs = append(xs, v)
				ws = append(ws, r.Weight)
			}
		}
		if len(xs) == 0 {
			continue
		}
		mean, std := stat.PopMeanStdDev(xs, ws)
		// 標準偏差が0に近い場合は1に設定（ゼロ除算を避ける）
		if math.Abs(std) < 1e-8 || math.IsNaN(std) {
			std = 1
		}
		s.Mean[j], s.Scale[j] = mean, std
	}
	s.Format = insts.CopyHeader()
	return nil
}

// Apply implements Filter.
func (s *Standardize) Apply(insts *data.Instances) (*data.Instances, error) {
	return applyAll(s, insts, s.Format)
}

// ApplyInstance implements Filter.
func (s *Standardize) ApplyInstance(in *data.Instance) (*data.Instance, error) {
	if s.Format == nil {
		return nil, errors.NewNotFittedError(s.Name(), "ApplyInstance")
	}
	if err := checkWidth("Standardize.ApplyInstance", in, len(s.Mean)); err != nil {
		return nil, err
	}
	// 平均を引くと疎行列の暗黙の0が0でなくなるため密にする
	dense := data.NewDenseInstance(in.Weight, in.ToDense())
	for j, v := range dense.Vals {
		if math.IsNaN(s.Mean[j]) || data.IsMissingValue(v) {
			continue
		}
		dense.Vals[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return dense, nil
}

// OutputFormat implements Filter.
func (s *Standardize) OutputFormat() *data.Instances { return s.Format }

// ClassScaler は数値クラスを[0,1]に写す線形変換 y' = y*X1 + X0 を保持する
//
// ネットワークは変換後のスケールで学習し、推論時に (out - X0) / X1 で元に戻す。
type ClassScaler struct {
	X0 float64
	X1 float64
}

// FitClassScaler は数値クラスの最小値・最大値から係数を求める
func FitClassScaler(insts *data.Instances) (ClassScaler, error) {
	ci := insts.ClassIndex()
	if ci < 0 {
		return ClassScaler{}, errors.NewDataError("FitClassScaler", "class index is not set")
	}
	col := presentValues(insts, ci)
	if len(col) == 0 {
		return ClassScaler{X0: 0, X1: 1}, nil
	}
	lo, hi := floats.Min(col), floats.Max(col)
	if hi-lo < 1e-12 {
		return ClassScaler{X0: -lo, X1: 1}, nil
	}
	x1 := 1 / (hi - lo)
	return ClassScaler{X0: -lo * x1, X1: x1}, nil
}

// Transform maps a raw class value to the training scale.
func (c ClassScaler) Transform(y float64) float64 {
	return y*c.X1 + c.X0
}

// InverseTransform maps a network output back to the original class scale.
func (c ClassScaler) InverseTransform(out float64) float64 {
	return (out - c.X0) / c.X1
}

// ApplyToClass rescales the class column of every row in place.
func (c ClassScaler) ApplyToClass(insts *data.Instances) {
	ci := insts.ClassIndex()
	for _, r := range insts.Rows {
		if v := r.Value(ci); !data.IsMissingValue(v) {
			r.SetValue(ci, c.Transform(v))
		}
	}
}

func presentValues(insts *data.Instances, j int) []float64 {
	col := make([]float64, 0, insts.NumInstances())
	for _, r := range insts.Rows {
		if v := r.Value(j); !data.IsMissingValue(v) {
			col = append(col, v)
		}
	}
	return col
}

// InverseValue maps a scaled value of attribute attr back to the data scale.
func (m *Normalize) InverseValue(attr int, v float64) float64 {
	if attr < 0 || attr >= len(m.DataMin) || math.IsNaN(m.DataMin[attr]) {
		return v
	}
	featureRange := m.FeatureRange[1] - m.FeatureRange[0]
	return (v-m.FeatureRange[0])/featureRange*(m.DataMax[attr]-m.DataMin[attr]) + m.DataMin[attr]
}
