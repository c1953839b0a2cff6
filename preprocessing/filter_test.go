package preprocessing

import (
	"bytes"
	"encoding/gob"
	"math"
	"testing"

	"github.com/YuminosukeSato/wekadl/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mixedData(t *testing.T) *data.Instances {
	t.Helper()
	insts := data.NewInstances("mixed", []*data.Attribute{
		data.NewNumericAttribute("x"),
		data.NewNominalAttribute("color", "red", "green", "blue"),
		data.NewNominalAttribute("flag", "no", "yes"),
		data.NewNominalAttribute("class", "a", "b"),
	}, 4)
	rows := [][]float64{
		{1, 0, 0, 0},
		{3, 1, 1, 1},
		{data.Missing, 2, data.Missing, 0},
		{5, data.Missing, 1, 1},
	}
	for _, r := range rows {
		require.NoError(t, insts.Add(data.NewDenseInstance(1, r)))
	}
	require.NoError(t, insts.SetClassIndex(3))
	return insts
}

func TestReplaceMissingValues(t *testing.T) {
	insts := mixedData(t)
	f := NewReplaceMissingValues()
	require.NoError(t, f.Fit(insts))

	out, err := f.Apply(insts)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, out.Instance(2).Value(0), 1e-12)
	// green/red/blue each appear once: the first maximum wins
	assert.Equal(t, 0.0, out.Instance(3).Value(1))
	assert.Equal(t, 1.0, out.Instance(2).Value(2))
	// input untouched
	assert.True(t, insts.Instance(2).IsMissing(0))
}

func TestNominalToBinary(t *testing.T) {
	insts := mixedData(t)
	f := NewNominalToBinary()
	require.NoError(t, f.Fit(insts))

	format := f.OutputFormat()
	names := make([]string, format.NumAttributes())
	for i, a := range format.Attributes {
		names[i] = a.Name
	}
	assert.Equal(t, []string{"x", "color=red", "color=green", "color=blue", "flag", "class"}, names)
	assert.Equal(t, 5, format.ClassIndex())
	assert.True(t, format.ClassAttribute().IsNominal())

	out, err := f.ApplyInstance(insts.Instance(1))
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 0, 1, 0, 1, 1}, out.ToDense())

	missing, err := f.ApplyInstance(insts.Instance(3))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(missing.Value(1)))
	assert.True(t, math.IsNaN(missing.Value(3)))
}

func TestNominalToBinary_SparseRow(t *testing.T) {
	insts := mixedData(t)
	f := NewNominalToBinary()
	require.NoError(t, f.Fit(insts))

	// color absent means its first label
	in := data.NewSparseInstance(1, []int{0, 3}, []float64{7, 1}, 4)
	out, err := f.ApplyInstance(in)
	require.NoError(t, err)
	assert.True(t, out.IsSparse())
	assert.Equal(t, []float64{7, 1, 0, 0, 0, 1}, out.ToDense())
}

func TestNormalize(t *testing.T) {
	insts := data.NewInstances("n", []*data.Attribute{
		data.NewNumericAttribute("a"),
		data.NewNumericAttribute("const"),
		data.NewNumericAttribute("y"),
	}, 3)
	for _, r := range [][]float64{{0, 4, 100}, {5, 4, 200}, {10, 4, 300}} {
		require.NoError(t, insts.Add(data.NewDenseInstance(1, r)))
	}
	require.NoError(t, insts.SetClassIndex(2))

	n := NewNormalize()
	require.NoError(t, n.Fit(insts))
	out, err := n.Apply(insts)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0, 200}, out.Instance(1).ToDense())
	assert.Equal(t, 1.0, out.Instance(2).Value(0))

	// unseen values keep the training statistics
	far, err := n.ApplyInstance(data.NewDenseInstance(1, []float64{20, 4, 0}))
	require.NoError(t, err)
	assert.Equal(t, 2.0, far.Value(0))
}

func TestStandardize(t *testing.T) {
	insts := data.NewInstances("s", []*data.Attribute{
		data.NewNumericAttribute("a"),
		data.NewNumericAttribute("const"),
		data.NewNumericAttribute("y"),
	}, 2)
	for _, r := range [][]float64{{1, 3, 0}, {3, 3, 1}} {
		require.NoError(t, insts.Add(data.NewDenseInstance(1, r)))
	}
	require.NoError(t, insts.SetClassIndex(2))

	s := NewStandardize()
	require.NoError(t, s.Fit(insts))
	out, err := s.Apply(insts)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, out.Instance(0).Value(0), 1e-12)
	assert.InDelta(t, 1.0, out.Instance(1).Value(0), 1e-12)
	assert.Equal(t, 0.0, out.Instance(0).Value(1))
	assert.Equal(t, 1.0, out.Instance(1).Value(2))
}

func TestPipeline_ApplyIsIdempotentAfterFit(t *testing.T) {
	for _, ft := range []FilterType{FilterNormalize, FilterStandardize, FilterNone} {
		t.Run(string(ft), func(t *testing.T) {
			insts := mixedData(t)
			p := NewDefaultPipeline(ft)
			trained, err := p.FitApply(insts)
			require.NoError(t, err)

			row := data.NewDenseInstance(1, []float64{4, data.Missing, 0, data.Missing})
			once, err := p.ApplyInstance(row)
			require.NoError(t, err)
			twice, err := p.ApplyInstance(row)
			require.NoError(t, err)
			assert.Equal(t, once.ToDense()[:5], twice.ToDense()[:5])

			again, err := p.Apply(insts)
			require.NoError(t, err)
			for i := 0; i < trained.NumInstances(); i++ {
				assert.Equal(t, trained.Instance(i).ToDense(), again.Instance(i).ToDense())
			}
		})
	}
}

func TestPipeline_NotFitted(t *testing.T) {
	p := NewDefaultPipeline(FilterNormalize)
	_, err := p.ApplyInstance(data.NewDenseInstance(1, []float64{1}))
	assert.Error(t, err)
}

func TestPipeline_GobRoundTrip(t *testing.T) {
	insts := mixedData(t)
	p := NewDefaultPipeline(FilterStandardize)
	_, err := p.FitApply(insts)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(p))
	var restored Pipeline
	require.NoError(t, gob.NewDecoder(&buf).Decode(&restored))
	assert.Equal(t, p.String(), restored.String())

	row := insts.Instance(0)
	a, err := p.ApplyInstance(row)
	require.NoError(t, err)
	b, err := restored.ApplyInstance(row)
	require.NoError(t, err)
	assert.Equal(t, a.ToDense(), b.ToDense())
}

func TestParseFilterType(t *testing.T) {
	ft, err := ParseFilterType("Standardize")
	require.NoError(t, err)
	assert.Equal(t, FilterStandardize, ft)
	_, err = ParseFilterType("zscore")
	assert.Error(t, err)
}

func TestClassScaler(t *testing.T) {
	insts := data.NewInstances("r", []*data.Attribute{
		data.NewNumericAttribute("x"),
		data.NewNumericAttribute("y"),
	}, 3)
	for _, r := range [][]float64{{0, 10}, {1, 20}, {2, 30}} {
		require.NoError(t, insts.Add(data.NewDenseInstance(1, r)))
	}
	require.NoError(t, insts.SetClassIndex(1))

	cs, err := FitClassScaler(insts)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, cs.Transform(20), 1e-12)
	assert.InDelta(t, 30, cs.InverseTransform(1), 1e-9)

	cs.ApplyToClass(insts)
	assert.InDelta(t, 0.0, insts.Instance(0).Value(1), 1e-12)
	assert.InDelta(t, 1.0, insts.Instance(2).Value(1), 1e-12)
}
