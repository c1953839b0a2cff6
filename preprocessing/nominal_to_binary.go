package preprocessing

import (
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// NominalToBinary はクラス以外の名義属性を数値属性に展開する
//
// 値が2つ以下の属性は0/1の1列、3つ以上の属性は値ごとの指示変数列になる。
// 疎な行は疎なまま出力する。
type NominalToBinary struct {
	// Start は入力属性jの出力先頭列、Width はその列数
	Start  []int
	Width  []int
	Expand []bool
	Format *data.Instances
}

// NewNominalToBinary creates the filter.
func NewNominalToBinary() *NominalToBinary {
	return &NominalToBinary{}
}

// Name implements Filter.
func (f *NominalToBinary) Name() string { return "NominalToBinary" }

// Fit は出力ヘッダを決める
func (f *NominalToBinary) Fit(insts *data.Instances) error {
	n := insts.NumAttributes()
	f.Start = make([]int, n)
	f.Width = make([]int, n)
	f.Expand = make([]bool, n)

	var attrs []*data.Attribute
	classIdx := -1
	for j, a := range insts.Attributes {
		f.Start[j] = len(attrs)
		switch {
		case j == insts.ClassIndex():
			classIdx = len(attrs)
			attrs = append(attrs, a.Copy())
			f.Width[j] = 1
		case a.IsNominal() && a.NumValues() > 2:
			f.Expand[j] = true
			f.Width[j] = a.NumValues()
			for _, v := range a.Values {
				attrs = append(attrs, data.NewNumericAttribute(a.Name+"="+v))
			}
		case a.IsNominal():
			attrs = append(attrs, data.NewNumericAttribute(a.Name))
			f.Width[j] = 1
		default:
			attrs = append(attrs, a.Copy())
			f.Width[j] = 1
		}
	}
	f.Format = data.NewInstances(insts.Relation, attrs, 0)
	f.Format.ClassIdx = classIdx
	return nil
}

// Apply implements Filter.
func (f *NominalToBinary) Apply(insts *data.Instances) (*data.Instances, error) {
	return applyAll(f, insts, f.Format)
}

// ApplyInstance implements Filter.
func (f *NominalToBinary) ApplyInstance(in *data.Instance) (*data.Instance, error) {
	if f.Format == nil {
		return nil, errors.NewNotFittedError(f.Name(), "ApplyInstance")
	}
	if err := checkWidth("NominalToBinary.ApplyInstance", in, len(f.Start)); err != nil {
		return nil, err
	}
	width := f.Format.NumAttributes()

	if !in.IsSparse() {
		out := make([]float64, width)
		for j := range f.Start {
			f.write(j, in.Value(j), func(idx int, v float64) { out[idx] = v })
		}
		return data.NewDenseInstance(in.Weight, out), nil
	}

	var idx []int
	var vals []float64
	emit := func(i int, v float64) {
		if v != 0 {
			idx = append(idx, i)
			vals = append(vals, v)
		}
	}
	stored := make(map[int]bool, in.NumValues())
	for i := 0; i < in.NumValues(); i++ {
		j := in.IndexAt(i)
		stored[j] = true
		f.write(j, in.ValueAt(i), emit)
	}
	// absent sparse nominal values mean the first label
	for j, exp := range f.Expand {
		if exp && !stored[j] {
			emit(f.Start[j], 1)
		}
	}
	return data.NewSparseInstance(in.Weight, idx, vals, width), nil
}

func (f *NominalToBinary) write(j int, v float64, set func(int, float64)) {
	if !f.Expand[j] {
		set(f.Start[j], v)
		return
	}
	if data.IsMissingValue(v) {
		for k := 0; k < f.Width[j]; k++ {
			set(f.Start[j]+k, data.Missing)
		}
		return
	}
	set(f.Start[j]+int(v), 1)
}

// OutputFormat implements Filter.
func (f *NominalToBinary) OutputFormat() *data.Instances { return f.Format }
