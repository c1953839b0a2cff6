package iterators

import (
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/wekadl/backend"
	"github.com/YuminosukeSato/wekadl/convert"
	"github.com/YuminosukeSato/wekadl/core/parallel"
	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/dataset"
	"github.com/YuminosukeSato/wekadl/options"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// ImageInstanceIterator は文字列属性のファイル名から画像を読み込む
//
// 画像は Width×Height にバイリニアで縮小・拡大され、1チャネルならグレー
// スケール、3チャネルならRGBとしてCHW順に [0,1] の値で並べられる。
// 対応形式は png, jpeg, gif, bmp, tiff, webp。
type ImageInstanceIterator struct {
	Batch     Config
	Directory string
	Shape     convert.ImageShape
	// FileAttr はファイル名を持つ属性（Prepare で決まる）
	FileAttr int
	Prepared bool
}

// NewImage creates an iterator for 28x28 grayscale images in the working directory.
func NewImage() *ImageInstanceIterator {
	return &ImageInstanceIterator{
		Batch:     DefaultConfig(),
		Directory: ".",
		Shape:     convert.ImageShape{Channels: 1, Height: 28, Width: 28, Order: convert.ChannelsFirst},
		FileAttr:  -1,
	}
}

func (m *ImageInstanceIterator) Name() string    { return "ImageInstanceIterator" }
func (m *ImageInstanceIterator) Config() *Config { return &m.Batch }
func (m *ImageInstanceIterator) Tabular() bool   { return false }

func (m *ImageInstanceIterator) Options() []string {
	opts := append([]string{"-imagesLocation", m.Directory}, shapeOptions(m.Shape, false)...)
	return append(opts, m.Batch.Options()...)
}

func (m *ImageInstanceIterator) SetOptions(opts []string) error {
	rest := append([]string(nil), opts...)
	dir, ok, err := options.GetOption("imagesLocation", &rest)
	if err != nil {
		return err
	}
	if !ok {
		dir = "."
	}
	shape, err := setShapeOptions(&rest, NewImage().Shape, false)
	if err != nil {
		return err
	}
	if shape.Channels != 1 && shape.Channels != 3 {
		return errors.NewValidationError("numChannels", "must be 1 or 3", shape.Channels)
	}
	if err := m.Batch.ConsumeOptions(&rest); err != nil {
		return err
	}
	m.Directory, m.Shape, m.Prepared, m.FileAttr = dir, shape, false, -1
	return options.CheckAllUsed(m.Name(), rest)
}

func (m *ImageInstanceIterator) Prepare(insts *data.Instances) (backend.Topology, error) {
	outputs, err := convert.NumOutcomes(insts)
	if err != nil {
		return backend.Topology{}, err
	}
	m.FileAttr = -1
	for j, a := range insts.Attributes {
		if j != insts.ClassIndex() && a.Type == data.String {
			m.FileAttr = j
			break
		}
	}
	if m.FileAttr < 0 {
		return backend.Topology{}, errors.NewDataError(m.Name(), "no string attribute holds the image file names")
	}
	if info, err := os.Stat(m.Directory); err != nil || !info.IsDir() {
		return backend.Topology{}, errors.NewConfigurationErrorf(m.Name(), "image directory %q is not readable", m.Directory)
	}
	m.Prepared = true
	shape := m.Shape
	return backend.Topology{Image: &shape, NumOutputs: outputs}, nil
}

func (m *ImageInstanceIterator) Encode(insts *data.Instances) (*dataset.DataSet, error) {
	if err := checkPrepared(m.Name(), m.Prepared); err != nil {
		return nil, err
	}
	labels, err := convert.EncodeLabels(insts)
	if err != nil {
		return nil, err
	}
	attr := insts.Attribute(m.FileAttr)
	n := insts.NumInstances()
	features := mat.NewDense(n, m.Shape.Size(), nil)
	errs := make([]error, n)
	parallel.Parallelize(n, func(start, end int) {
		for i := start; i < end; i++ {
			v := insts.Instance(i).Value(m.FileAttr)
			if data.IsMissingValue(v) || int(v) >= attr.NumValues() {
				errs[i] = errors.NewDataErrorf(m.Name(), "row %d has no image file name", i)
				continue
			}
			errs[i] = m.load(filepath.Join(m.Directory, attr.Values[int(v)]), features.RawRowView(i))
		}
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return &dataset.DataSet{Features: features, Labels: labels}, nil
}

// load decodes one image file and writes its resized pixels into dst.
func (m *ImageInstanceIterator) load(path string, dst []float64) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.NewDataErrorf(m.Name(), "open image: %v", err)
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return errors.NewDataErrorf(m.Name(), "decode %s: %v", path, err)
	}
	h, w := m.Shape.Height, m.Shape.Width
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(rgba, rgba.Bounds(), src, src.Bounds(), draw.Src, nil)
	writePixels(rgba, m.Shape.Channels, dst)
	return nil
}

// writePixels lays out an image in CHW order with values in [0,1].
func writePixels(img *image.RGBA, channels int, dst []float64) {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	area := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.RGBAAt(b.Min.X+x, b.Min.Y+y)
			p := y*w + x
			if channels == 1 {
				g := color.GrayModel.Convert(c).(color.Gray)
				dst[p] = float64(g.Y) / 255
				continue
			}
			dst[p] = float64(c.R) / 255
			dst[area+p] = float64(c.G) / 255
			dst[2*area+p] = float64(c.B) / 255
		}
	}
}
