package data

import (
	"math"
	"sort"
)

// Missing is the stored value of a missing cell.
var Missing = math.NaN()

// IsMissingValue reports whether v marks a missing cell.
func IsMissingValue(v float64) bool {
	return math.IsNaN(v)
}

// Instance is one row. Dense rows keep one value per attribute. Sparse rows
// keep only the explicitly present (index, value) pairs, sorted by index;
// every other attribute reads as 0.
type Instance struct {
	Vals     []float64
	Indices  []int
	NumAttrs int
	Weight   float64
}

// NewDenseInstance creates a dense row.
func NewDenseInstance(weight float64, values []float64) *Instance {
	return &Instance{Vals: values, NumAttrs: len(values), Weight: weight}
}

// NewSparseInstance creates a sparse row. indices need not be sorted.
func NewSparseInstance(weight float64, indices []int, values []float64, numAttrs int) *Instance {
	idx := append([]int(nil), indices...)
	vals := append([]float64(nil), values...)
	sort.Sort(&sparsePairs{idx: idx, vals: vals})
	return &Instance{Vals: vals, Indices: idx, NumAttrs: numAttrs, Weight: weight}
}

type sparsePairs struct {
	idx  []int
	vals []float64
}

func (s *sparsePairs) Len() int           { return len(s.idx) }
func (s *sparsePairs) Less(i, j int) bool { return s.idx[i] < s.idx[j] }
func (s *sparsePairs) Swap(i, j int) {
	s.idx[i], s.idx[j] = s.idx[j], s.idx[i]
	s.vals[i], s.vals[j] = s.vals[j], s.vals[i]
}

// IsSparse reports whether the row uses the sparse representation.
func (in *Instance) IsSparse() bool { return in.Indices != nil }

// NumAttributes returns the schema width of the row.
func (in *Instance) NumAttributes() int { return in.NumAttrs }

// NumValues returns how many values are stored.
func (in *Instance) NumValues() int { return len(in.Vals) }

// IndexAt returns the attribute index of the i-th stored value.
func (in *Instance) IndexAt(i int) int {
	if in.Indices == nil {
		return i
	}
	return in.Indices[i]
}

// ValueAt returns the i-th stored value.
func (in *Instance) ValueAt(i int) float64 { return in.Vals[i] }

// Value returns the value of attribute attr; absent sparse values are 0.
func (in *Instance) Value(attr int) float64 {
	if in.Indices == nil {
		return in.Vals[attr]
	}
	pos := sort.SearchInts(in.Indices, attr)
	if pos < len(in.Indices) && in.Indices[pos] == attr {
		return in.Vals[pos]
	}
	return 0
}

// IsMissing reports whether attribute attr is missing.
func (in *Instance) IsMissing(attr int) bool {
	return IsMissingValue(in.Value(attr))
}

// SetValue sets attribute attr, inserting into a sparse row when needed.
func (in *Instance) SetValue(attr int, v float64) {
	if in.Indices == nil {
		in.Vals[attr] = v
		return
	}
	pos := sort.SearchInts(in.Indices, attr)
	if pos < len(in.Indices) && in.Indices[pos] == attr {
		in.Vals[pos] = v
		return
	}
	in.Indices = append(in.Indices, 0)
	in.Vals = append(in.Vals, 0)
	copy(in.Indices[pos+1:], in.Indices[pos:])
	copy(in.Vals[pos+1:], in.Vals[pos:])
	in.Indices[pos] = attr
	in.Vals[pos] = v
}

// ToDense returns all attribute values with absent sparse values as 0.
func (in *Instance) ToDense() []float64 {
	out := make([]float64, in.NumAttrs)
	if in.Indices == nil {
		copy(out, in.Vals)
		return out
	}
	for i, idx := range in.Indices {
		out[idx] = in.Vals[i]
	}
	return out
}

// Copy returns a deep copy.
func (in *Instance) Copy() *Instance {
	c := &Instance{
		Vals:     append([]float64(nil), in.Vals...),
		NumAttrs: in.NumAttrs,
		Weight:   in.Weight,
	}
	if in.Indices != nil {
		c.Indices = append([]int{}, in.Indices...)
	}
	return c
}
