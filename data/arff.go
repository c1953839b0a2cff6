package data

import (
	"bufio"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// ReadARFFFile reads an ARFF file from disk.
func ReadARFFFile(path string) (*Instances, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	insts, err := ReadARFF(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return insts, nil
}

// ReadARFF parses an ARFF document. The class index is left unset.
func ReadARFF(r io.Reader) (*Instances, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	ar := &arffReader{sc: sc}

	insts, err := ar.readHeader()
	if err != nil {
		return nil, err
	}
	for {
		line, ok := ar.next()
		if !ok {
			break
		}
		row, err := parseRow(insts, line)
		if err != nil {
			return nil, ar.errorf("%v", err)
		}
		insts.Rows = append(insts.Rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan arff")
	}
	return insts, nil
}

type arffReader struct {
	sc   *bufio.Scanner
	line int
}

// next returns the next non-empty, non-comment line.
func (ar *arffReader) next() (string, bool) {
	for ar.sc.Scan() {
		ar.line++
		line := strings.TrimSpace(ar.sc.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		return line, true
	}
	return "", false
}

func (ar *arffReader) errorf(format string, args ...interface{}) error {
	return errors.NewDataErrorf("ReadARFF", "line %d: "+format, append([]interface{}{ar.line}, args...)...)
}

func keyword(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

func (ar *arffReader) readHeader() (*Instances, error) {
	line, ok := ar.next()
	if !ok || keyword(line) != "@relation" {
		return nil, ar.errorf("expected @relation")
	}
	name, _, err := splitName(strings.TrimSpace(line[len("@relation"):]))
	if err != nil {
		return nil, ar.errorf("%v", err)
	}
	insts := NewInstances(name, nil, 0)
	for {
		line, ok := ar.next()
		if !ok {
			return nil, ar.errorf("missing @data section")
		}
		switch keyword(line) {
		case "@attribute":
			attr, err := ar.readAttribute(line)
			if err != nil {
				return nil, err
			}
			insts.Attributes = append(insts.Attributes, attr)
		case "@data":
			if len(insts.Attributes) == 0 {
				return nil, ar.errorf("no attributes declared")
			}
			return insts, nil
		default:
			return nil, ar.errorf("unexpected %q in header", line)
		}
	}
}

func (ar *arffReader) readAttribute(line string) (*Attribute, error) {
	name, rest, err := splitName(strings.TrimSpace(line[len("@attribute"):]))
	if err != nil {
		return nil, ar.errorf("%v", err)
	}
	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "{") {
		end := strings.LastIndexByte(rest, '}')
		if end < 0 {
			return nil, ar.errorf("unterminated nominal value list for %q", name)
		}
		toks, err := splitValues(rest[1:end])
		if err != nil {
			return nil, ar.errorf("%v", err)
		}
		values := make([]string, len(toks))
		for i, t := range toks {
			values[i] = t.text
		}
		return NewNominalAttribute(name, values...), nil
	}

	typ := strings.ToLower(firstField(rest))
	switch typ {
	case "numeric", "real", "integer":
		return NewNumericAttribute(name), nil
	case "string":
		return NewStringAttribute(name), nil
	case "date":
		format := strings.TrimSpace(rest[len("date"):])
		format = strings.Trim(format, `"'`)
		return NewDateAttribute(name, format), nil
	case "relational":
		header := NewInstances(name, nil, 0)
		for {
			inner, ok := ar.next()
			if !ok {
				return nil, ar.errorf("missing @end for relational attribute %q", name)
			}
			switch keyword(inner) {
			case "@attribute":
				a, err := ar.readAttribute(inner)
				if err != nil {
					return nil, err
				}
				header.Attributes = append(header.Attributes, a)
			case "@end":
				return &Attribute{Name: name, Type: Relational, Relation: header}, nil
			default:
				return nil, ar.errorf("unexpected %q inside relational attribute %q", inner, name)
			}
		}
	default:
		return nil, ar.errorf("unsupported attribute type %q for %q", rest, name)
	}
}

func firstField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

// splitName reads a possibly quoted name and returns it with the remainder.
func splitName(s string) (string, string, error) {
	if s == "" {
		return "", "", errors.New("missing name")
	}
	if s[0] == '\'' || s[0] == '"' {
		tok, n, err := readQuoted(s)
		if err != nil {
			return "", "", err
		}
		return tok, s[n:], nil
	}
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, "", nil
	}
	return s[:i], s[i:], nil
}

type token struct {
	text   string
	quoted bool
}

// readQuoted reads a quoted token at the start of s and returns it unescaped
// together with the number of bytes consumed.
func readQuoted(s string) (string, int, error) {
	q := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[i])
			}
		case c == q:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, errors.Newf("unterminated quote in %q", s)
}

// splitValues splits a comma separated list honoring quotes.
func splitValues(s string) ([]token, error) {
	var out []token
	i := 0
	for i <= len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i < len(s) && (s[i] == '\'' || s[i] == '"') {
			text, n, err := readQuoted(s[i:])
			if err != nil {
				return nil, err
			}
			out = append(out, token{text: text, quoted: true})
			i += n
			for i < len(s) && s[i] != ',' {
				i++
			}
		} else {
			j := strings.IndexByte(s[i:], ',')
			if j < 0 {
				j = len(s) - i
			}
			out = append(out, token{text: strings.TrimSpace(s[i : i+j])})
			i += j
		}
		i++ // skip comma
	}
	return out, nil
}

func parseRow(insts *Instances, line string) (*Instance, error) {
	weight := 1.0
	// trailing instance weight: "..., {2.5}"
	if strings.HasSuffix(line, "}") && !strings.HasPrefix(line, "{") {
		if open := strings.LastIndex(line, ",{"); open >= 0 {
			w, err := strconv.ParseFloat(strings.TrimSpace(line[open+2:len(line)-1]), 64)
			if err != nil {
				return nil, errors.Newf("bad instance weight in %q", line)
			}
			weight = w
			line = line[:open]
		}
	}
	n := len(insts.Attributes)
	if strings.HasPrefix(line, "{") {
		if w := strings.LastIndex(line, "},{"); w >= 0 && strings.HasSuffix(line, "}") {
			v, err := strconv.ParseFloat(strings.TrimSpace(line[w+3:len(line)-1]), 64)
			if err != nil {
				return nil, errors.Newf("bad instance weight in %q", line)
			}
			weight = v
			line = line[:w+1]
		}
		end := strings.LastIndexByte(line, '}')
		if end < 0 {
			return nil, errors.Newf("unterminated sparse row %q", line)
		}
		body := strings.TrimSpace(line[1:end])
		var indices []int
		var values []float64
		if body != "" {
			toks, err := splitValues(body)
			if err != nil {
				return nil, err
			}
			for _, t := range toks {
				idxStr, valStr, _ := strings.Cut(strings.TrimSpace(t.text), " ")
				idx, err := strconv.Atoi(idxStr)
				if err != nil || idx < 0 || idx >= n {
					return nil, errors.Newf("bad sparse index %q", idxStr)
				}
				vt := token{text: strings.TrimSpace(valStr)}
				if len(vt.text) > 0 && (vt.text[0] == '\'' || vt.text[0] == '"') {
					s, _, err := readQuoted(vt.text)
					if err != nil {
						return nil, err
					}
					vt = token{text: s, quoted: true}
				}
				v, err := parseValue(insts.Attributes[idx], vt)
				if err != nil {
					return nil, err
				}
				indices = append(indices, idx)
				values = append(values, v)
			}
		}
		return NewSparseInstance(weight, indices, values, n), nil
	}

	toks, err := splitValues(line)
	if err != nil {
		return nil, err
	}
	if len(toks) != n {
		return nil, errors.Newf("expected %d values, got %d", n, len(toks))
	}
	values := make([]float64, n)
	for i, t := range toks {
		if values[i], err = parseValue(insts.Attributes[i], t); err != nil {
			return nil, err
		}
	}
	return NewDenseInstance(weight, values), nil
}

func parseValue(a *Attribute, t token) (float64, error) {
	if !t.quoted && t.text == "?" {
		return Missing, nil
	}
	switch a.Type {
	case Numeric:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return 0, errors.Newf("bad numeric value %q for %q", t.text, a.Name)
		}
		return v, nil
	case Nominal:
		idx := a.IndexOfValue(t.text)
		if idx < 0 {
			return 0, errors.Newf("undeclared nominal value %q for %q", t.text, a.Name)
		}
		return float64(idx), nil
	case String:
		return float64(a.AddStringValue(t.text)), nil
	case Date:
		return a.ParseDate(t.text)
	case Relational:
		bag := a.Relation.CopyHeader()
		for _, line := range strings.Split(t.text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			row, err := parseRow(bag, line)
			if err != nil {
				return 0, errors.Wrapf(err, "relational value of %q", a.Name)
			}
			bag.Rows = append(bag.Rows, row)
		}
		a.Bags = append(a.Bags, bag)
		return float64(len(a.Bags) - 1), nil
	}
	return 0, errors.Newf("unsupported attribute type %s", a.Type)
}

// WriteARFF writes insts in ARFF format.
func WriteARFF(w io.Writer, insts *Instances) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("@relation " + quote(insts.Relation) + "\n\n")
	writeAttributes(bw, insts.Attributes)
	bw.WriteString("\n@data\n")
	for _, row := range insts.Rows {
		bw.WriteString(formatRow(insts.Attributes, row))
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func writeAttributes(bw *bufio.Writer, attrs []*Attribute) {
	for _, a := range attrs {
		bw.WriteString("@attribute " + quote(a.Name) + " ")
		switch a.Type {
		case Numeric:
			bw.WriteString("numeric\n")
		case String:
			bw.WriteString("string\n")
		case Date:
			bw.WriteString("date " + quote(a.DateFormat) + "\n")
		case Nominal:
			vals := make([]string, len(a.Values))
			for i, v := range a.Values {
				vals[i] = quote(v)
			}
			bw.WriteString("{" + strings.Join(vals, ",") + "}\n")
		case Relational:
			bw.WriteString("relational\n")
			writeAttributes(bw, a.Relation.Attributes)
			bw.WriteString("@end " + quote(a.Name) + "\n")
		}
	}
}

func formatRow(attrs []*Attribute, row *Instance) string {
	var parts []string
	if row.IsSparse() {
		for i := 0; i < row.NumValues(); i++ {
			idx := row.IndexAt(i)
			parts = append(parts, strconv.Itoa(idx)+" "+formatValue(attrs[idx], row.ValueAt(i)))
		}
		s := "{" + strings.Join(parts, ",") + "}"
		if row.Weight != 1 {
			s += ",{" + strconv.FormatFloat(row.Weight, 'g', -1, 64) + "}"
		}
		return s
	}
	parts = make([]string, len(attrs))
	for i, a := range attrs {
		parts[i] = formatValue(a, row.Vals[i])
	}
	s := strings.Join(parts, ",")
	if row.Weight != 1 {
		s += ",{" + strconv.FormatFloat(row.Weight, 'g', -1, 64) + "}"
	}
	return s
}

func formatValue(a *Attribute, v float64) string {
	if IsMissingValue(v) {
		return "?"
	}
	switch a.Type {
	case Nominal, String:
		idx := int(v)
		if idx < 0 || idx >= len(a.Values) || v != math.Trunc(v) {
			return "?"
		}
		return quote(a.Values[idx])
	case Date:
		return quote(a.FormatDate(v))
	case Relational:
		bag, err := a.Bag(v)
		if err != nil {
			return "?"
		}
		lines := make([]string, len(bag.Rows))
		for i, r := range bag.Rows {
			lines[i] = formatRow(bag.Attributes, r)
		}
		return quoteAlways(strings.Join(lines, "\n"))
	default:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
}

func quote(s string) string {
	if s != "" && s != "?" && !strings.ContainsAny(s, " \t\n\r,'\"{}%\\") {
		return s
	}
	return quoteAlways(s)
}

func quoteAlways(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	return "'" + r.Replace(s) + "'"
}
