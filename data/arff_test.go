package data

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

const irisSample = `% sample
@relation iris

@attribute sepallength numeric
@attribute sepalwidth REAL
@attribute petallength numeric
@attribute petalwidth numeric
@attribute class {Iris-setosa,Iris-versicolor,Iris-virginica}

@data
5.1,3.5,1.4,0.2,Iris-setosa
7.0,3.2,4.7,1.4,Iris-versicolor
6.3,3.3,6.0,2.5,Iris-virginica
5.0,?,1.4,0.2,Iris-setosa
`

func TestReadARFF_Dense(t *testing.T) {
	insts, err := ReadARFF(strings.NewReader(irisSample))
	require.NoError(t, err)

	assert.Equal(t, "iris", insts.Relation)
	assert.Equal(t, 5, insts.NumAttributes())
	assert.Equal(t, 4, insts.NumInstances())
	assert.Equal(t, -1, insts.ClassIndex())

	require.NoError(t, insts.SetClassIndex(4))
	assert.Equal(t, 3, insts.NumClasses())
	assert.True(t, insts.IsClassification())
	assert.Equal(t, 2.0, insts.ClassValue(2))
	assert.True(t, insts.Instance(3).IsMissing(1))
	assert.Equal(t, 7.0, insts.Instance(1).Value(0))
}

func TestReadARFF_SparseAndWeights(t *testing.T) {
	src := `@relation sparse
@attribute a numeric
@attribute b numeric
@attribute c numeric
@attribute cls {no,yes}
@data
{1 2.5,3 yes}
{0 1},{0.5}
1,2,3,no,{2}
`
	insts, err := ReadARFF(strings.NewReader(src))
	require.NoError(t, err)
	require.Equal(t, 3, insts.NumInstances())

	r0 := insts.Instance(0)
	assert.True(t, r0.IsSparse())
	assert.Equal(t, 0.0, r0.Value(0))
	assert.Equal(t, 2.5, r0.Value(1))
	assert.Equal(t, 1.0, r0.Value(3))
	assert.Equal(t, 1.0, r0.Weight)

	assert.Equal(t, 0.5, insts.Instance(1).Weight)
	assert.Equal(t, 2.0, insts.Instance(2).Weight)
	assert.False(t, insts.Instance(2).IsSparse())
}

func TestReadARFF_StringDateRelational(t *testing.T) {
	src := `@relation 'multi instance'
@attribute id string
@attribute when date "yyyy-MM-dd"
@attribute bag relational
  @attribute x numeric
  @attribute y numeric
@end bag
@attribute class {a,b}
@data
'first row','2024-03-01','1,2\n3,4\n5,6',a
second,2024-03-02,'7,8',b
`
	insts, err := ReadARFF(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, "multi instance", insts.Relation)

	id := insts.Attribute(0)
	assert.Equal(t, String, id.Type)
	assert.Equal(t, []string{"first row", "second"}, id.Values)

	when := insts.Attribute(1)
	assert.Equal(t, Date, when.Type)
	assert.Equal(t, "2024-03-01", when.FormatDate(insts.Instance(0).Value(1)))

	bagAttr := insts.Attribute(2)
	require.Equal(t, Relational, bagAttr.Type)
	require.Len(t, bagAttr.Bags, 2)
	bag, err := bagAttr.Bag(insts.Instance(0).Value(2))
	require.NoError(t, err)
	assert.Equal(t, 3, bag.NumInstances())
	assert.Equal(t, 6.0, bag.Instance(2).Value(1))
}

func TestReadARFF_Errors(t *testing.T) {
	cases := map[string]string{
		"no relation":     "@attribute a numeric\n@data\n1\n",
		"no data":         "@relation r\n@attribute a numeric\n",
		"bad nominal":     "@relation r\n@attribute a {x,y}\n@data\nz\n",
		"wrong arity":     "@relation r\n@attribute a numeric\n@attribute b numeric\n@data\n1\n",
		"bad type":        "@relation r\n@attribute a blob\n@data\n1\n",
		"unterminated rel": "@relation r\n@attribute a relational\n@attribute x numeric\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadARFF(strings.NewReader(src))
			require.Error(t, err)
			var de *errors.DataError
			assert.True(t, errors.As(err, &de), "got %T: %v", err, err)
		})
	}
}

func TestWriteARFF_RoundTrip(t *testing.T) {
	src := `@relation rt
@attribute 'petal length' numeric
@attribute kind {'a b',c}
@attribute note string
@data
1.5,'a b','hello, world'
?,c,plain
{0 2}
`
	insts, err := ReadARFF(strings.NewReader(src))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteARFF(&buf, insts))

	again, err := ReadARFF(&buf)
	require.NoError(t, err)
	ok, reason := insts.EqualHeaders(again)
	assert.True(t, ok, reason)
	require.Equal(t, insts.NumInstances(), again.NumInstances())
	for i := 0; i < insts.NumInstances(); i++ {
		a, b := insts.Instance(i).ToDense(), again.Instance(i).ToDense()
		for j := range a {
			if math.IsNaN(a[j]) {
				assert.True(t, math.IsNaN(b[j]))
				continue
			}
			assert.Equal(t, a[j], b[j], "row %d col %d", i, j)
		}
	}
	assert.Equal(t, []string{"hello, world", "plain"}, again.Attribute(2).Values)
}
