// Package convert encodes row-oriented Instances into the feature and label
// matrices consumed by a network backend.
package convert

import (
	"github.com/YuminosukeSato/wekadl/core/parallel"
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/dataset"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// parallelThreshold is the row count above which rows are encoded concurrently.
const parallelThreshold = 2048

// NumOutcomes returns the label width for the class attribute: the number of
// class values for a nominal class, 1 for a numeric or date class.
func NumOutcomes(insts *data.Instances) (int, error) {
	ci := insts.ClassIndex()
	if ci < 0 || ci >= insts.NumAttributes() {
		return 0, errors.NewDataErrorf("convert", "class index %d out of range [0, %d)", ci, insts.NumAttributes())
	}
	switch a := insts.Attribute(ci); {
	case a.IsNominal():
		if a.NumValues() == 0 {
			return 0, errors.NewDataErrorf("convert", "nominal class %q has no values", a.Name)
		}
		return a.NumValues(), nil
	case a.IsNumeric():
		return 1, nil
	default:
		return 0, errors.NewDataErrorf("convert", "class attribute %q has unsupported type %s", a.Name, a.Type)
	}
}

// FeatureColumn maps an attribute index to its feature column. Attributes
// after the class shift down by one; the class itself maps to -1.
func FeatureColumn(attr, classIndex int) int {
	switch {
	case attr < classIndex:
		return attr
	case attr > classIndex:
		return attr - 1
	default:
		return -1
	}
}

func checkFeatureTypes(insts *data.Instances) error {
	for j, a := range insts.Attributes {
		if j == insts.ClassIndex() {
			continue
		}
		if a.Type == data.String || a.Type == data.Relational {
			return errors.NewDataErrorf("convert", "attribute %q has type %s, which cannot be encoded as a feature column", a.Name, a.Type)
		}
	}
	return nil
}

// InstancesToDataSet は N 行 M 属性の Instances を N×(M-1) の特徴量行列と
// N×C のラベル行列に変換する
//
// 名義クラスは値のインデックス位置が1のone-hot、数値クラスは生の値1列。
// 疎な行は0で初期化した行列に存在する値だけを書き込む。行の順序は保持される。
// クラスが欠損している行のラベルは全て0になる。
func InstancesToDataSet(insts *data.Instances) (*dataset.DataSet, error) {
	numOutcomes, err := NumOutcomes(insts)
	if err != nil {
		return nil, err
	}
	if err := checkFeatureTypes(insts); err != nil {
		return nil, err
	}

	n := insts.NumInstances()
	m := insts.NumAttributes()
	if n == 0 {
		return nil, errors.WithStack(errors.ErrEmptyData)
	}
	ci := insts.ClassIndex()
	nominal := insts.ClassAttribute().IsNominal()

	features := mat.NewDense(n, m-1, nil)
	labels := mat.NewDense(n, numOutcomes, nil)

	errs := make([]error, n)
	parallel.ParallelizeWithThreshold(n, parallelThreshold, func(start, end int) {
		for i := start; i < end; i++ {
			row := insts.Instance(i)
			if row.NumAttributes() != m {
				errs[i] = errors.NewDimensionError("convert.InstancesToDataSet", m, row.NumAttributes(), 1)
				continue
			}
			writeFeatures(features.RawRowView(i), row, ci)

			y := row.Value(ci)
			switch {
			case data.IsMissingValue(y):
			case nominal:
				k := int(y)
				if k < 0 || k >= numOutcomes {
					errs[i] = errors.NewDataErrorf("convert.InstancesToDataSet", "row %d: class value %d out of range [0, %d)", i, k, numOutcomes)
					continue
				}
				labels.Set(i, k, 1)
			default:
				labels.Set(i, 0, y)
			}
		}
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return &dataset.DataSet{Features: features, Labels: labels}, nil
}

// writeFeatures fills dst (already zero) with the row's present values.
func writeFeatures(dst []float64, row *data.Instance, classIndex int) {
	for i := 0; i < row.NumValues(); i++ {
		j := row.IndexAt(i)
		if col := FeatureColumn(j, classIndex); col >= 0 {
			dst[col] = row.ValueAt(i)
		}
	}
}

// InstanceToFeatures encodes one row into a fresh feature vector of width
// numAttributes-1.
func InstanceToFeatures(row *data.Instance, classIndex int) []float64 {
	dst := make([]float64, row.NumAttributes()-1)
	writeFeatures(dst, row, classIndex)
	return dst
}

// EncodeLabels builds only the N×C label matrix, for iterators that derive
// features from something other than the attribute values.
func EncodeLabels(insts *data.Instances) (*mat.Dense, error) {
	numOutcomes, err := NumOutcomes(insts)
	if err != nil {
		return nil, err
	}
	n := insts.NumInstances()
	if n == 0 {
		return nil, errors.WithStack(errors.ErrEmptyData)
	}
	nominal := insts.ClassAttribute().IsNominal()
	labels := mat.NewDense(n, numOutcomes, nil)
	for i := 0; i < n; i++ {
		y := insts.ClassValue(i)
		switch {
		case data.IsMissingValue(y):
		case nominal:
			k := int(y)
			if k < 0 || k >= numOutcomes {
				return nil, errors.NewDataErrorf("convert.EncodeLabels", "row %d: class value %d out of range [0, %d)", i, k, numOutcomes)
			}
			labels.Set(i, k, 1)
		default:
			labels.Set(i, 0, y)
		}
	}
	return labels, nil
}
