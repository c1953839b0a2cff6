// Package data provides the row-oriented dataset model: attributes, rows and
// the ARFF file format.
package data

import (
	"fmt"

	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// Instances is an ordered set of rows sharing one schema.
// ClassIdx is -1 until a class attribute is chosen.
type Instances struct {
	Relation   string
	Attributes []*Attribute
	Rows       []*Instance
	ClassIdx   int
}

// NewInstances creates an empty dataset with the given schema.
func NewInstances(relation string, attrs []*Attribute, capacity int) *Instances {
	return &Instances{
		Relation:   relation,
		Attributes: attrs,
		Rows:       make([]*Instance, 0, capacity),
		ClassIdx:   -1,
	}
}

// NumAttributes returns the schema width.
func (d *Instances) NumAttributes() int { return len(d.Attributes) }

// NumInstances returns the row count.
func (d *Instances) NumInstances() int { return len(d.Rows) }

// Attribute returns the i-th attribute.
func (d *Instances) Attribute(i int) *Attribute { return d.Attributes[i] }

// AttributeByName returns the attribute index with the given name or -1.
func (d *Instances) AttributeByName(name string) int {
	for i, a := range d.Attributes {
		if a.Name == name {
			return i
		}
	}
	return -1
}

// Instance returns the i-th row.
func (d *Instances) Instance(i int) *Instance { return d.Rows[i] }

// ClassIndex returns the class attribute index or -1.
func (d *Instances) ClassIndex() int { return d.ClassIdx }

// SetClassIndex selects the class attribute; -1 unsets it.
func (d *Instances) SetClassIndex(i int) error {
	if i < -1 || i >= len(d.Attributes) {
		return errors.NewDataErrorf("Instances.SetClassIndex", "class index %d out of range [0, %d)", i, len(d.Attributes))
	}
	d.ClassIdx = i
	return nil
}

// ClassAttribute returns the class attribute, or nil if unset.
func (d *Instances) ClassAttribute() *Attribute {
	if d.ClassIdx < 0 || d.ClassIdx >= len(d.Attributes) {
		return nil
	}
	return d.Attributes[d.ClassIdx]
}

// NumClasses returns the number of class values, 1 for a numeric or date class.
func (d *Instances) NumClasses() int {
	ca := d.ClassAttribute()
	if ca == nil {
		return 0
	}
	if ca.IsNominal() {
		return ca.NumValues()
	}
	return 1
}

// IsClassification reports whether the class attribute is nominal.
func (d *Instances) IsClassification() bool {
	ca := d.ClassAttribute()
	return ca != nil && ca.IsNominal()
}

// ClassValue returns the class value of row i.
func (d *Instances) ClassValue(i int) float64 {
	return d.Rows[i].Value(d.ClassIdx)
}

// Add appends a row; its width must match the schema.
func (d *Instances) Add(in *Instance) error {
	if in.NumAttributes() != len(d.Attributes) {
		return errors.NewDimensionError("Instances.Add", len(d.Attributes), in.NumAttributes(), 1)
	}
	d.Rows = append(d.Rows, in)
	return nil
}

// CopyHeader returns an empty dataset with a copy of the schema.
func (d *Instances) CopyHeader() *Instances {
	attrs := make([]*Attribute, len(d.Attributes))
	for i, a := range d.Attributes {
		attrs[i] = a.Copy()
	}
	h := NewInstances(d.Relation, attrs, 0)
	h.ClassIdx = d.ClassIdx
	return h
}

// EqualHeaders compares schemas and class position and returns a reason on mismatch.
func (d *Instances) EqualHeaders(o *Instances) (bool, string) {
	if o == nil {
		return false, "other header is nil"
	}
	if len(d.Attributes) != len(o.Attributes) {
		return false, fmt.Sprintf("attribute count %d != %d", len(d.Attributes), len(o.Attributes))
	}
	if d.ClassIdx != o.ClassIdx {
		return false, fmt.Sprintf("class index %d != %d", d.ClassIdx, o.ClassIdx)
	}
	for i := range d.Attributes {
		if ok, reason := d.Attributes[i].equalTo(o.Attributes[i]); !ok {
			return false, reason
		}
	}
	return true, ""
}

// Subset returns a dataset sharing the schema and the selected rows.
func (d *Instances) Subset(rows []int) *Instances {
	s := &Instances{
		Relation:   d.Relation,
		Attributes: d.Attributes,
		Rows:       make([]*Instance, len(rows)),
		ClassIdx:   d.ClassIdx,
	}
	for i, r := range rows {
		s.Rows[i] = d.Rows[r]
	}
	return s
}

// DeleteWithMissingClass returns the rows whose class value is present.
func (d *Instances) DeleteWithMissingClass() *Instances {
	keep := make([]int, 0, len(d.Rows))
	for i, r := range d.Rows {
		if !r.IsMissing(d.ClassIdx) {
			keep = append(keep, i)
		}
	}
	return d.Subset(keep)
}

// Copy returns a deep copy of the schema and rows.
func (d *Instances) Copy() *Instances {
	c := d.CopyHeader()
	for i, a := range d.Attributes {
		c.Attributes[i].Bags = a.Bags
	}
	c.Rows = make([]*Instance, len(d.Rows))
	for i, r := range d.Rows {
		c.Rows[i] = r.Copy()
	}
	return c
}

// TotalWeight returns the sum of row weights.
func (d *Instances) TotalWeight() float64 {
	var w float64
	for _, r := range d.Rows {
		w += r.Weight
	}
	return w
}

// String returns a short description of the dataset.
func (d *Instances) String() string {
	return fmt.Sprintf("%s: %d instances, %d attributes, class=%d", d.Relation, len(d.Rows), len(d.Attributes), d.ClassIdx)
}
