// Package dataset holds encoded feature/label matrices and the iterators that
// slice them into mini-batches.
package dataset

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// DataSet は特徴量行列とラベル行列の組
//
// 系列データの場合、FeaturesMask と LabelsMask は N×T で、
// 1 が有効なタイムステップを表す。表形式データではどちらも nil。
type DataSet struct {
	Features     *mat.Dense
	Labels       *mat.Dense
	FeaturesMask *mat.Dense
	LabelsMask   *mat.Dense
}

// New creates a DataSet and checks that both matrices have the same row count.
func New(features, labels *mat.Dense) (*DataSet, error) {
	ds := &DataSet{Features: features, Labels: labels}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// Validate checks the row invariants between features, labels and masks.
func (d *DataSet) Validate() error {
	if d.Features == nil {
		return errors.NewDataError("DataSet", "features are nil")
	}
	n, _ := d.Features.Dims()
	for _, m := range []struct {
		name string
		mat  *mat.Dense
	}{{"labels", d.Labels}, {"features mask", d.FeaturesMask}, {"labels mask", d.LabelsMask}} {
		if m.mat == nil {
			continue
		}
		if r, _ := m.mat.Dims(); r != n {
			return errors.NewDataErrorf("DataSet", "%s have %d rows, features have %d", m.name, r, n)
		}
	}
	return nil
}

// NumExamples returns the row count.
func (d *DataSet) NumExamples() int {
	if d.Features == nil {
		return 0
	}
	r, _ := d.Features.Dims()
	return r
}

// NumFeatures returns the feature column count.
func (d *DataSet) NumFeatures() int {
	if d.Features == nil {
		return 0
	}
	_, c := d.Features.Dims()
	return c
}

// NumOutcomes returns the label column count.
func (d *DataSet) NumOutcomes() int {
	if d.Labels == nil {
		return 0
	}
	_, c := d.Labels.Dims()
	return c
}

// HasMasks reports whether the data set carries sequence masks.
func (d *DataSet) HasMasks() bool {
	return d.FeaturesMask != nil || d.LabelsMask != nil
}

// Slice は指定した行を順番通りにコピーした新しい DataSet を返す
func (d *DataSet) Slice(rows []int) *DataSet {
	return &DataSet{
		Features:     pickRows(d.Features, rows),
		Labels:       pickRows(d.Labels, rows),
		FeaturesMask: pickRows(d.FeaturesMask, rows),
		LabelsMask:   pickRows(d.LabelsMask, rows),
	}
}

// Range returns rows [start, end) as a copy.
func (d *DataSet) Range(start, end int) *DataSet {
	rows := make([]int, end-start)
	for i := range rows {
		rows[i] = start + i
	}
	return d.Slice(rows)
}

func pickRows(m *mat.Dense, rows []int) *mat.Dense {
	if m == nil || len(rows) == 0 {
		return nil
	}
	_, c := m.Dims()
	out := mat.NewDense(len(rows), c, nil)
	for i, r := range rows {
		out.SetRow(i, m.RawRowView(r))
	}
	return out
}

// Bytes returns the approximate memory held by the matrices.
func (d *DataSet) Bytes() int64 {
	var total int64
	for _, m := range []*mat.Dense{d.Features, d.Labels, d.FeaturesMask, d.LabelsMask} {
		if m != nil {
			r, c := m.Dims()
			total += int64(r * c * 8)
		}
	}
	return total
}

// Fingerprint は形状と全要素からFNV-64aハッシュを計算する
// キャッシュの無効化判定に使う
func (d *DataSet) Fingerprint() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, m := range []*mat.Dense{d.Features, d.Labels, d.FeaturesMask, d.LabelsMask} {
		if m == nil {
			binary.LittleEndian.PutUint64(buf[:], math.MaxUint64)
			h.Write(buf[:])
			continue
		}
		r, c := m.Dims()
		binary.LittleEndian.PutUint64(buf[:], uint64(r)<<32|uint64(c))
		h.Write(buf[:])
		for i := 0; i < r; i++ {
			for _, v := range m.RawRowView(i) {
				binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
				h.Write(buf[:])
			}
		}
	}
	return h.Sum64()
}

// Merge concatenates data sets row-wise. All parts must share column counts.
func Merge(parts ...*DataSet) (*DataSet, error) {
	if len(parts) == 0 {
		return nil, errors.WithStack(errors.ErrEmptyData)
	}
	out := &DataSet{}
	var err error
	if out.Features, err = stack(parts, func(d *DataSet) *mat.Dense { return d.Features }); err != nil {
		return nil, err
	}
	if out.Labels, err = stack(parts, func(d *DataSet) *mat.Dense { return d.Labels }); err != nil {
		return nil, err
	}
	if out.FeaturesMask, err = stack(parts, func(d *DataSet) *mat.Dense { return d.FeaturesMask }); err != nil {
		return nil, err
	}
	if out.LabelsMask, err = stack(parts, func(d *DataSet) *mat.Dense { return d.LabelsMask }); err != nil {
		return nil, err
	}
	return out, nil
}

func stack(parts []*DataSet, get func(*DataSet) *mat.Dense) (*mat.Dense, error) {
	rows, cols := 0, -1
	for _, p := range parts {
		m := get(p)
		if m == nil {
			continue
		}
		r, c := m.Dims()
		if cols >= 0 && c != cols {
			return nil, errors.NewDimensionError("dataset.Merge", cols, c, 1)
		}
		rows, cols = rows+r, c
	}
	if cols < 0 {
		return nil, nil
	}
	out := mat.NewDense(rows, cols, nil)
	i := 0
	for _, p := range parts {
		m := get(p)
		if m == nil {
			continue
		}
		r, _ := m.Dims()
		for k := 0; k < r; k++ {
			out.SetRow(i, m.RawRowView(k))
			i++
		}
	}
	return out, nil
}
