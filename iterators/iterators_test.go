package iterators

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/wekadl/convert"
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/dataset"
	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

func tabular(t *testing.T, rows, features int) *data.Instances {
	t.Helper()
	attrs := make([]*data.Attribute, 0, features+1)
	for j := 0; j < features; j++ {
		attrs = append(attrs, data.NewNumericAttribute(fmt.Sprintf("f%d", j)))
	}
	attrs = append(attrs, data.NewNominalAttribute("class", "a", "b"))
	insts := data.NewInstances("t", attrs, rows)
	for i := 0; i < rows; i++ {
		vals := make([]float64, features+1)
		for j := 0; j < features; j++ {
			vals[j] = float64(i*features + j)
		}
		vals[features] = float64(i % 2)
		require.NoError(t, insts.Add(data.NewDenseInstance(1, vals)))
	}
	require.NoError(t, insts.SetClassIndex(features))
	return insts
}

func TestParse_RoundTrip(t *testing.T) {
	specs := []string{
		"DefaultInstanceIterator -bs 16 -seed 3 -cacheMode memory -queueSize 2",
		"ConvolutionInstanceIterator -height 8 -width 6 -numChannels 3 -channelOrder hwc -bs 4 -noShuffle",
		"ImageInstanceIterator -imagesLocation \"/data/my images\" -height 32 -width 32 -numChannels 3",
		"RelationalInstanceIterator -truncationLength 20 -bs 8 -cacheMode filesystem -cacheDir /tmp/c",
	}
	for _, spec := range specs {
		it, err := Parse(spec)
		require.NoError(t, err, spec)
		again, err := Parse(String(it))
		require.NoError(t, err)
		assert.Equal(t, it.Options(), again.Options(), spec)

		// SetOptions(Options()) は同じ設定を再現する
		require.NoError(t, again.SetOptions(it.Options()))
		assert.Equal(t, it.Options(), again.Options())
	}
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("NoSuchIterator")
	var ce *errors.ConfigurationError
	assert.True(t, errors.As(err, &ce))

	_, err = Parse("DefaultInstanceIterator -bs 0")
	assert.Error(t, err)
	_, err = Parse("DefaultInstanceIterator -bogus 1")
	assert.Error(t, err)
	_, err = Parse("ImageInstanceIterator -numChannels 2")
	assert.Error(t, err)
	_, err = Parse("DefaultInstanceIterator -cacheMode disk")
	assert.Error(t, err)
}

func TestDefault_EncodeAndBatches(t *testing.T) {
	insts := tabular(t, 10, 3)
	it := NewDefault()
	require.NoError(t, it.SetOptions([]string{"-bs", "4", "-cacheMode", "memory"}))

	_, err := it.Encode(insts)
	assert.Error(t, err, "encode before prepare")

	topo, err := it.Prepare(insts)
	require.NoError(t, err)
	assert.Equal(t, 3, topo.NumInputs)
	assert.Equal(t, 2, topo.NumOutputs)

	ds, err := it.Encode(insts)
	require.NoError(t, err)
	batches, closeFn, err := it.Config().Batches(ds)
	require.NoError(t, err)
	defer closeFn()

	for epoch := 0; epoch < 2; epoch++ {
		if epoch > 0 {
			batches.Reset()
		}
		var sizes []int
		seen := 0
		for batches.HasNext() {
			b, err := batches.Next()
			require.NoError(t, err)
			sizes = append(sizes, b.NumExamples())
			seen += b.NumExamples()
		}
		assert.Equal(t, []int{4, 4, 2}, sizes)
		assert.Equal(t, 10, seen)
	}
}

func TestConfig_AsyncPrefetchKeepsOrder(t *testing.T) {
	insts := tabular(t, 9, 2)
	it := NewDefault()
	require.NoError(t, it.SetOptions([]string{"-bs", "2", "-noShuffle", "-queueSize", "3"}))
	_, err := it.Prepare(insts)
	require.NoError(t, err)
	ds, err := it.Encode(insts)
	require.NoError(t, err)

	batches, closeFn, err := it.Config().Batches(ds)
	require.NoError(t, err)
	defer closeFn()
	_, ok := batches.(*dataset.AsyncIterator)
	require.True(t, ok)

	row := 0
	for batches.HasNext() {
		b, err := batches.Next()
		require.NoError(t, err)
		for i := 0; i < b.NumExamples(); i++ {
			assert.Equal(t, float64(row*2), b.Features.At(i, 0))
			row++
		}
	}
	assert.Equal(t, 9, row)
}

func TestConvolution_Prepare(t *testing.T) {
	it := NewConvolution()
	require.NoError(t, it.SetOptions([]string{"-height", "2", "-width", "3", "-numChannels", "2", "-channelOrder", "hwc"}))

	_, err := it.Prepare(tabular(t, 2, 5))
	var de *errors.DataError
	assert.True(t, errors.As(err, &de), "12 pixels expected")

	insts := tabular(t, 2, 12)
	topo, err := it.Prepare(insts)
	require.NoError(t, err)
	require.True(t, topo.IsImage())
	assert.Equal(t, convert.ChannelsFirst, topo.Image.Order)

	ds, err := it.Encode(insts)
	require.NoError(t, err)
	// HWC の (h, w, c) は CHW の c*6 + h*3 + w に移る
	row := ds.Features.RawRowView(0)
	assert.Equal(t, 0.0, row[0])
	assert.Equal(t, 1.0, row[6])
	assert.Equal(t, 2.0, row[1])
}

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestImage_Encode(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "white.png"), color.White)
	writePNG(t, filepath.Join(dir, "red.png"), color.RGBA{R: 255, A: 255})

	file := data.NewStringAttribute("file")
	insts := data.NewInstances("imgs", []*data.Attribute{file, data.NewNominalAttribute("class", "w", "r")}, 2)
	for i, name := range []string{"white.png", "red.png"} {
		idx := file.AddStringValue(name)
		require.NoError(t, insts.Add(data.NewDenseInstance(1, []float64{float64(idx), float64(i)})))
	}
	require.NoError(t, insts.SetClassIndex(1))

	it := NewImage()
	require.NoError(t, it.SetOptions([]string{"-imagesLocation", dir, "-height", "2", "-width", "2", "-numChannels", "3"}))
	topo, err := it.Prepare(insts)
	require.NoError(t, err)
	assert.Equal(t, 12, topo.InputWidth())

	ds, err := it.Encode(insts)
	require.NoError(t, err)
	for _, v := range ds.Features.RawRowView(0) {
		assert.InDelta(t, 1.0, v, 1e-9)
	}
	red := ds.Features.RawRowView(1)
	assert.InDelta(t, 1.0, red[0], 1e-9, "R plane")
	assert.InDelta(t, 0.0, red[4], 1e-9, "G plane")
	assert.Equal(t, []float64{0, 1}, ds.Labels.RawRowView(1))

	missing := insts.Copy()
	missing.Attribute(0).Values[1] = "nope.png"
	_, err = it.Encode(missing)
	assert.Error(t, err)
}

func TestRelational_Prepare(t *testing.T) {
	header := data.NewInstances("steps", []*data.Attribute{data.NewNumericAttribute("x")}, 0)
	seq := data.NewRelationalAttribute("seq", header)
	insts := data.NewInstances("seqs", []*data.Attribute{seq, data.NewNominalAttribute("label", "a", "b")}, 2)
	for i, l := range []int{5, 2} {
		bag := header.CopyHeader()
		for s := 0; s < l; s++ {
			require.NoError(t, bag.Add(data.NewDenseInstance(1, []float64{float64(s)})))
		}
		idx, err := seq.AddBag(bag)
		require.NoError(t, err)
		require.NoError(t, insts.Add(data.NewDenseInstance(1, []float64{float64(idx), float64(i)})))
	}
	require.NoError(t, insts.SetClassIndex(1))

	it := NewRelational()
	require.NoError(t, it.SetOptions([]string{"-truncationLength", "3"}))
	topo, err := it.Prepare(insts)
	require.NoError(t, err)
	assert.Equal(t, 3, topo.SeqLength)
	assert.Equal(t, 1, topo.SeqFeatures)
	assert.Equal(t, 2, topo.NumOutputs)

	ds, err := it.Encode(insts)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2}, ds.Features.RawRowView(0))
	assert.Equal(t, []float64{0, 1, 0}, ds.LabelsMask.RawRowView(1))
	assert.Equal(t, "-truncationLength 3", options.Join(it.Options()[:2]))
}
