package convert

import (
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/dataset"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// SequenceLength returns the longest bag of the relational attribute, capped
// at maxLength when maxLength > 0.
func SequenceLength(insts *data.Instances, seqAttr, maxLength int) (int, error) {
	a, err := sequenceAttribute(insts, seqAttr)
	if err != nil {
		return 0, err
	}
	longest := 0
	for i, row := range insts.Rows {
		bag, err := a.Bag(row.Value(seqAttr))
		if err != nil {
			return 0, errors.Wrapf(err, "row %d", i)
		}
		if n := bag.NumInstances(); n > longest {
			longest = n
		}
	}
	if maxLength > 0 && longest > maxLength {
		longest = maxLength
	}
	return longest, nil
}

// FindSequenceAttribute returns the index of the only relational attribute.
func FindSequenceAttribute(insts *data.Instances) (int, error) {
	found := -1
	for j, a := range insts.Attributes {
		if a.Type != data.Relational || j == insts.ClassIndex() {
			continue
		}
		if found >= 0 {
			return -1, errors.NewDataError("FindSequenceAttribute", "more than one relational attribute")
		}
		found = j
	}
	if found < 0 {
		return -1, errors.NewDataError("FindSequenceAttribute", "no relational attribute holds the sequences")
	}
	return found, nil
}

func sequenceAttribute(insts *data.Instances, seqAttr int) (*data.Attribute, error) {
	if seqAttr < 0 || seqAttr >= insts.NumAttributes() {
		return nil, errors.NewDataErrorf("convert.Sequences", "sequence attribute %d out of range", seqAttr)
	}
	a := insts.Attribute(seqAttr)
	if a.Type != data.Relational {
		return nil, errors.NewDataErrorf("convert.Sequences", "attribute %q is %s, not relational", a.Name, a.Type)
	}
	for j, f := range a.Relation.Attributes {
		if !f.IsNumeric() {
			return nil, errors.NewDataErrorf("convert.Sequences",
				"sequence attribute %d (%q) is %s; sequence steps must be numeric", j, f.Name, f.Type)
		}
	}
	return a, nil
}

// SequencesToDataSet は関係属性の各バッグを1つの系列として符号化する
//
//   - 特徴量: N×(T·F)。ステップ t の特徴 f は列 t·F+f。T より短い系列は0埋め
//   - 特徴量マスク: N×T。有効なステップが1
//   - ラベル: N×(T·C)。クラスは最後の有効ステップにだけ置く
//   - ラベルマスク: N×T。最後の有効ステップだけが1
//
// length > 0 なら系列長を length に固定し、長い系列は切り詰める。
// length == 0 ならもっとも長い系列に合わせる。
func SequencesToDataSet(insts *data.Instances, seqAttr, length int) (*dataset.DataSet, error) {
	numOutcomes, err := NumOutcomes(insts)
	if err != nil {
		return nil, err
	}
	a, err := sequenceAttribute(insts, seqAttr)
	if err != nil {
		return nil, err
	}
	for j, attr := range insts.Attributes {
		if j != seqAttr && j != insts.ClassIndex() {
			return nil, errors.NewDataErrorf("convert.Sequences",
				"attribute %q is neither the sequence nor the class; sequence data takes exactly those two", attr.Name)
		}
	}
	if length <= 0 {
		if length, err = SequenceLength(insts, seqAttr, 0); err != nil {
			return nil, err
		}
	}
	n := insts.NumInstances()
	if n == 0 {
		return nil, errors.WithStack(errors.ErrEmptyData)
	}
	if length == 0 {
		return nil, errors.NewDataError("convert.Sequences", "all sequences are empty")
	}
	numFeatures := a.Relation.NumAttributes()
	ci := insts.ClassIndex()
	nominal := insts.ClassAttribute().IsNominal()

	features := tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(n, length, numFeatures))
	labels := tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(n, length, numOutcomes))
	featuresMask := mat.NewDense(n, length, nil)
	labelsMask := mat.NewDense(n, length, nil)

	for i, row := range insts.Rows {
		bag, err := a.Bag(row.Value(seqAttr))
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i)
		}
		steps := bag.NumInstances()
		if steps == 0 {
			return nil, errors.NewDataErrorf("convert.Sequences", "row %d has an empty sequence", i)
		}
		if steps > length {
			steps = length
		}
		for t := 0; t < steps; t++ {
			step := bag.Instance(t)
			for k := 0; k < step.NumValues(); k++ {
				if err := features.SetAt(step.ValueAt(k), i, t, step.IndexAt(k)); err != nil {
					return nil, errors.Wrap(err, "set sequence value")
				}
			}
			featuresMask.Set(i, t, 1)
		}

		last := steps - 1
		labelsMask.Set(i, last, 1)
		y := row.Value(ci)
		switch {
		case data.IsMissingValue(y):
		case nominal:
			k := int(y)
			if k < 0 || k >= numOutcomes {
				return nil, errors.NewDataErrorf("convert.Sequences", "row %d: class value %d out of range [0, %d)", i, k, numOutcomes)
			}
			err = labels.SetAt(1.0, i, last, k)
		default:
			err = labels.SetAt(y, i, last, 0)
		}
		if err != nil {
			return nil, errors.Wrap(err, "set sequence label")
		}
	}

	return &dataset.DataSet{
		Features:     mat.NewDense(n, length*numFeatures, features.Data().([]float64)),
		Labels:       mat.NewDense(n, length*numOutcomes, labels.Data().([]float64)),
		FeaturesMask: featuresMask,
		LabelsMask:   labelsMask,
	}, nil
}

// LastValidSteps returns, per row, the last step whose mask value is
// positive, or -1 when the row has none.
func LastValidSteps(mask *mat.Dense) []int {
	n, steps := mask.Dims()
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = -1
		row := mask.RawRowView(i)
		for t := steps - 1; t >= 0; t-- {
			if row[t] > 0 {
				out[i] = t
				break
			}
		}
	}
	return out
}

// StepOutputs extracts the outputs of the given step per row from a
// sequence output matrix of width steps*width.
func StepOutputs(out *mat.Dense, steps []int, width int) (*mat.Dense, error) {
	n, cols := out.Dims()
	if len(steps) != n {
		return nil, errors.NewDimensionError("convert.StepOutputs", n, len(steps), 0)
	}
	if width <= 0 || cols%width != 0 {
		return nil, errors.NewDataErrorf("convert.StepOutputs", "output width %d is not a multiple of %d", cols, width)
	}
	res := mat.NewDense(n, width, nil)
	for i, t := range steps {
		if t < 0 {
			continue
		}
		if (t+1)*width > cols {
			return nil, errors.NewDataErrorf("convert.StepOutputs", "row %d: step %d beyond %d steps", i, t, cols/width)
		}
		res.SetRow(i, out.RawRowView(i)[t*width:(t+1)*width])
	}
	return res, nil
}

// Windows はN×Kの時系列を長さ window のスライディング窓に変換する
//
// 窓 i はステップ i..i+window-1 の全列を特徴量に持ち、targets 列の
// ステップ i+window の値を最後のステップのラベルとして持つ。
func Windows(series *mat.Dense, window int, targets []int) (*dataset.DataSet, error) {
	n, k := series.Dims()
	if window <= 0 {
		return nil, errors.NewValidationError("window", "must be positive", window)
	}
	if n <= window {
		return nil, errors.NewDataErrorf("convert.Windows", "series of %d steps is too short for window %d", n, window)
	}
	for _, c := range targets {
		if c < 0 || c >= k {
			return nil, errors.NewDataErrorf("convert.Windows", "target column %d out of range [0, %d)", c, k)
		}
	}
	m := n - window
	nt := len(targets)
	features := mat.NewDense(m, window*k, nil)
	labels := mat.NewDense(m, window*nt, nil)
	featuresMask := mat.NewDense(m, window, nil)
	labelsMask := mat.NewDense(m, window, nil)
	for i := 0; i < m; i++ {
		fr := features.RawRowView(i)
		for t := 0; t < window; t++ {
			copy(fr[t*k:(t+1)*k], series.RawRowView(i+t))
			featuresMask.Set(i, t, 1)
		}
		next := series.RawRowView(i + window)
		for j, c := range targets {
			labels.Set(i, (window-1)*nt+j, next[c])
		}
		labelsMask.Set(i, window-1, 1)
	}
	return &dataset.DataSet{Features: features, Labels: labels, FeaturesMask: featuresMask, LabelsMask: labelsMask}, nil
}

// WindowFeatures flattens the last window rows of series into one feature row.
func WindowFeatures(series *mat.Dense, window int) ([]float64, error) {
	n, k := series.Dims()
	if n < window {
		return nil, errors.NewDataErrorf("convert.WindowFeatures", "need %d steps, have %d", window, n)
	}
	out := make([]float64, 0, window*k)
	for t := n - window; t < n; t++ {
		out = append(out, series.RawRowView(t)...)
	}
	return out, nil
}
