package data

import (
	"math"
	"strings"
	"time"

	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// AttributeType is the declared type of a column.
type AttributeType int

const (
	Numeric AttributeType = iota
	Nominal
	String
	Date
	Relational
)

func (t AttributeType) String() string {
	switch t {
	case Numeric:
		return "numeric"
	case Nominal:
		return "nominal"
	case String:
		return "string"
	case Date:
		return "date"
	case Relational:
		return "relational"
	default:
		return "unknown"
	}
}

// DefaultDateFormat is the ARFF default date pattern (ISO-8601).
const DefaultDateFormat = "yyyy-MM-dd'T'HH:mm:ss"

// Attribute describes one column of a dataset.
//
// Nominal values are stored as the index into Values. String values are
// stored as the index into Values as well, which grows as new strings are
// seen. Date values are Unix milliseconds. Relational values index into Bags;
// every bag shares the Relation header.
type Attribute struct {
	Name       string
	Type       AttributeType
	Values     []string
	DateFormat string
	Relation   *Instances
	Bags       []*Instances
}

// NewNumericAttribute creates a numeric attribute.
func NewNumericAttribute(name string) *Attribute {
	return &Attribute{Name: name, Type: Numeric}
}

// NewNominalAttribute creates a nominal attribute with a fixed value set.
func NewNominalAttribute(name string, values ...string) *Attribute {
	return &Attribute{Name: name, Type: Nominal, Values: append([]string(nil), values...)}
}

// NewStringAttribute creates a string attribute.
func NewStringAttribute(name string) *Attribute {
	return &Attribute{Name: name, Type: String}
}

// NewDateAttribute creates a date attribute; an empty format selects DefaultDateFormat.
func NewDateAttribute(name, format string) *Attribute {
	if format == "" {
		format = DefaultDateFormat
	}
	return &Attribute{Name: name, Type: Date, DateFormat: format}
}

// NewRelationalAttribute creates a relational attribute whose bags follow header.
func NewRelationalAttribute(name string, header *Instances) *Attribute {
	return &Attribute{Name: name, Type: Relational, Relation: header.CopyHeader()}
}

// IsNominal reports whether the attribute is nominal.
func (a *Attribute) IsNominal() bool { return a.Type == Nominal }

// IsNumeric reports whether values are plain numbers (numeric or date).
func (a *Attribute) IsNumeric() bool { return a.Type == Numeric || a.Type == Date }

// NumValues returns the number of nominal or string values.
func (a *Attribute) NumValues() int { return len(a.Values) }

// IndexOfValue returns the index of a nominal/string value or -1.
func (a *Attribute) IndexOfValue(v string) int {
	for i, s := range a.Values {
		if s == v {
			return i
		}
	}
	return -1
}

// AddStringValue interns s for a string attribute and returns its index.
func (a *Attribute) AddStringValue(s string) int {
	if idx := a.IndexOfValue(s); idx >= 0 {
		return idx
	}
	a.Values = append(a.Values, s)
	return len(a.Values) - 1
}

// AddBag appends a relational bag and returns its index.
func (a *Attribute) AddBag(bag *Instances) (int, error) {
	if a.Type != Relational {
		return -1, errors.NewDataErrorf("Attribute.AddBag", "attribute %q is %s, not relational", a.Name, a.Type)
	}
	if ok, reason := a.Relation.EqualHeaders(bag); !ok {
		return -1, errors.NewDataErrorf("Attribute.AddBag", "bag header mismatch for %q: %s", a.Name, reason)
	}
	a.Bags = append(a.Bags, bag)
	return len(a.Bags) - 1, nil
}

// Bag returns the relational bag referenced by value v.
func (a *Attribute) Bag(v float64) (*Instances, error) {
	if a.Type != Relational {
		return nil, errors.NewDataErrorf("Attribute.Bag", "attribute %q is not relational", a.Name)
	}
	idx := int(v)
	if math.IsNaN(v) || idx < 0 || idx >= len(a.Bags) {
		return nil, errors.NewDataErrorf("Attribute.Bag", "bag index %v out of range for %q", v, a.Name)
	}
	return a.Bags[idx], nil
}

// ParseDate converts s using the attribute's date format to Unix milliseconds.
func (a *Attribute) ParseDate(s string) (float64, error) {
	t, err := time.Parse(javaToGoLayout(a.DateFormat), s)
	if err != nil {
		return 0, errors.NewDataErrorf("Attribute.ParseDate", "cannot parse %q as %q: %v", s, a.DateFormat, err)
	}
	return float64(t.UnixMilli()), nil
}

// FormatDate renders Unix milliseconds with the attribute's date format.
func (a *Attribute) FormatDate(v float64) string {
	return time.UnixMilli(int64(v)).UTC().Format(javaToGoLayout(a.DateFormat))
}

// Copy returns a header copy of the attribute; relational bags are not copied.
func (a *Attribute) Copy() *Attribute {
	c := &Attribute{
		Name:       a.Name,
		Type:       a.Type,
		Values:     append([]string(nil), a.Values...),
		DateFormat: a.DateFormat,
	}
	if a.Relation != nil {
		c.Relation = a.Relation.CopyHeader()
	}
	return c
}

// equalTo compares declaration only. String attributes grow their value set
// while reading, so their values are not compared.
func (a *Attribute) equalTo(b *Attribute) (bool, string) {
	if a.Name != b.Name {
		return false, "name " + a.Name + " != " + b.Name
	}
	if a.Type != b.Type {
		return false, "type of " + a.Name + " differs: " + a.Type.String() + " != " + b.Type.String()
	}
	switch a.Type {
	case Nominal:
		if len(a.Values) != len(b.Values) {
			return false, "nominal values of " + a.Name + " differ"
		}
		for i := range a.Values {
			if a.Values[i] != b.Values[i] {
				return false, "nominal values of " + a.Name + " differ"
			}
		}
	case Relational:
		return a.Relation.EqualHeaders(b.Relation)
	}
	return true, ""
}

var javaDateTokens = []struct{ java, gofmt string }{
	{"yyyy", "2006"},
	{"yy", "06"},
	{"MMMM", "January"},
	{"MMM", "Jan"},
	{"MM", "01"},
	{"dd", "02"},
	{"HH", "15"},
	{"hh", "03"},
	{"mm", "04"},
	{"ss", "05"},
	{"SSS", "000"},
	{"a", "PM"},
	{"Z", "-0700"},
	{"z", "MST"},
}

// javaToGoLayout translates the SimpleDateFormat subset used by ARFF files.
// Quoted literals ('T') are copied verbatim.
func javaToGoLayout(format string) string {
	var b strings.Builder
	for i := 0; i < len(format); {
		if format[i] == '\'' {
			j := strings.IndexByte(format[i+1:], '\'')
			if j < 0 {
				b.WriteString(format[i+1:])
				break
			}
			b.WriteString(format[i+1 : i+1+j])
			i += j + 2
			continue
		}
		matched := false
		for _, tok := range javaDateTokens {
			if strings.HasPrefix(format[i:], tok.java) {
				b.WriteString(tok.gofmt)
				i += len(tok.java)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(format[i])
			i++
		}
	}
	return b.String()
}
