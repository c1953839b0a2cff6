package convert

import (
	"fmt"

	"github.com/YuminosukeSato/wekadl/core/parallel"
	"github.com/YuminosukeSato/wekadl/dataset"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// ChannelOrder is the memory layout of one flattened image row.
type ChannelOrder int

const (
	// ChannelOrderUnset は未指定。画像の変換前に必ず指定する
	ChannelOrderUnset ChannelOrder = iota
	// ChannelsFirst は CHW
	ChannelsFirst
	// ChannelsLast は HWC
	ChannelsLast
)

func (o ChannelOrder) String() string {
	switch o {
	case ChannelsFirst:
		return "channels_first"
	case ChannelsLast:
		return "channels_last"
	default:
		return "unset"
	}
}

// ParseChannelOrder parses "channels_first"/"chw" or "channels_last"/"hwc".
func ParseChannelOrder(s string) (ChannelOrder, error) {
	switch s {
	case "channels_first", "chw", "CHW":
		return ChannelsFirst, nil
	case "channels_last", "hwc", "HWC":
		return ChannelsLast, nil
	}
	return ChannelOrderUnset, errors.NewValidationError("channelOrder", "must be channels_first or channels_last", s)
}

// ImageShape describes the image layout of a flat feature row.
type ImageShape struct {
	Channels int
	Height   int
	Width    int
	Order    ChannelOrder
}

// Size returns Channels*Height*Width.
func (s ImageShape) Size() int { return s.Channels * s.Height * s.Width }

// Validate checks that all dimensions are positive and the order is explicit.
func (s ImageShape) Validate() error {
	if s.Channels <= 0 || s.Height <= 0 || s.Width <= 0 {
		return errors.NewConfigurationErrorf("ImageShape", "dimensions must be positive, got %s", s)
	}
	if s.Order == ChannelOrderUnset {
		return errors.NewConfigurationError("ImageShape", "channel order must be set explicitly")
	}
	return nil
}

func (s ImageShape) String() string {
	return fmt.Sprintf("%dx%dx%d(%s)", s.Channels, s.Height, s.Width, s.Order)
}

// InferChannelOrder は3次元の形状からチャネル軸の位置を推定する
//
// 後ろの2軸が等しければ先頭がチャネル (CHW)、前の2軸が等しければ末尾が
// チャネル (HWC)。両方当てはまる（全軸が等しい）場合と、どちらにも
// 当てはまらない場合は推定できないのでエラーを返す。呼び出し側は
// ImageShape.Order を明示すること。
func InferChannelOrder(dims [3]int) (ImageShape, error) {
	trailingEqual := dims[1] == dims[2]
	leadingEqual := dims[0] == dims[1]
	switch {
	case trailingEqual && leadingEqual:
		return ImageShape{}, errors.NewConfigurationErrorf("InferChannelOrder",
			"shape %v is ambiguous (all dimensions equal); set the channel order explicitly", dims)
	case trailingEqual:
		return ImageShape{Channels: dims[0], Height: dims[1], Width: dims[2], Order: ChannelsFirst}, nil
	case leadingEqual:
		return ImageShape{Height: dims[0], Width: dims[1], Channels: dims[2], Order: ChannelsLast}, nil
	default:
		return ImageShape{}, errors.NewConfigurationErrorf("InferChannelOrder",
			"cannot tell the channel axis of shape %v; set the channel order explicitly", dims)
	}
}

// ReshapeImages は各行を shape の画像として解釈し、CHW順に並べ替えた
// DataSet を返す。ラベルとマスクはそのまま共有する。
func ReshapeImages(ds *dataset.DataSet, shape ImageShape) (*dataset.DataSet, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if ds.NumFeatures() != shape.Size() {
		return nil, errors.NewDataErrorf("ReshapeImages",
			"%d feature columns do not match image shape %s (%d values)", ds.NumFeatures(), shape, shape.Size())
	}
	out := &dataset.DataSet{Labels: ds.Labels, FeaturesMask: ds.FeaturesMask, LabelsMask: ds.LabelsMask}
	if shape.Order == ChannelsFirst {
		out.Features = mat.DenseCopyOf(ds.Features)
		return out, nil
	}

	n := ds.NumExamples()
	features := mat.NewDense(n, shape.Size(), nil)
	errs := make([]error, n)
	parallel.ParallelizeWithThreshold(n, parallelThreshold, func(start, end int) {
		for i := start; i < end; i++ {
			chw, err := HWCToCHW(ds.Features.RawRowView(i), shape)
			if err != nil {
				errs[i] = err
				continue
			}
			features.SetRow(i, chw)
		}
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	out.Features = features
	return out, nil
}

// HWCToCHW transposes one flattened HWC image into CHW order.
func HWCToCHW(row []float64, shape ImageShape) ([]float64, error) {
	backing := append([]float64(nil), row...)
	if shape.Channels == 1 {
		return backing, nil
	}
	t := tensor.New(tensor.WithShape(shape.Height, shape.Width, shape.Channels), tensor.WithBacking(backing))
	if err := t.T(2, 0, 1); err != nil {
		return nil, errors.Wrap(err, "transpose HWC to CHW")
	}
	if err := t.Transpose(); err != nil {
		return nil, errors.Wrap(err, "materialize CHW transpose")
	}
	return t.Data().([]float64), nil
}
