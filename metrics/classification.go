package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// logLossEps はlog(0)を避けるためのクリップ幅
const logLossEps = 1e-15

// Argmax returns the index of the largest probability (the first on ties).
func Argmax(dist []float64) int {
	if len(dist) == 0 {
		return -1
	}
	return floats.MaxIdx(dist)
}

// Predictions returns the argmax class of every row of a distribution matrix.
func Predictions(dist mat.Matrix) []int {
	r, c := dist.Dims()
	out := make([]int, r)
	row := make([]float64, c)
	for i := range out {
		mat.Row(row, i, dist)
		out[i] = Argmax(row)
	}
	return out
}

// Accuracy は正解率を計算する
func Accuracy(yTrue, yPred []int) (float64, error) {
	if len(yTrue) == 0 {
		return 0, errors.NewValueError("Accuracy", "empty vector")
	}
	if len(yPred) != len(yTrue) {
		return 0, errors.NewDimensionError("Accuracy", len(yTrue), len(yPred), 0)
	}
	correct := 0
	for i, y := range yTrue {
		if y == yPred[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(yTrue)), nil
}

// LogLoss は多クラスの対数損失（交差エントロピー）を計算する
//
// dist の各行はクラス確率の分布。確率は [eps, 1-eps] にクリップされる。
func LogLoss(yTrue []int, dist mat.Matrix) (float64, error) {
	r, c := dist.Dims()
	if len(yTrue) == 0 {
		return 0, errors.NewValueError("LogLoss", "empty vector")
	}
	if r != len(yTrue) {
		return 0, errors.NewDimensionError("LogLoss", len(yTrue), r, 0)
	}
	var sum float64
	for i, y := range yTrue {
		if y < 0 || y >= c {
			return 0, errors.NewValidationError("yTrue", "class index out of range", y)
		}
		p := math.Min(math.Max(dist.At(i, y), logLossEps), 1-logLossEps)
		sum -= math.Log(p)
	}
	return sum / float64(len(yTrue)), nil
}

// ConfusionMatrix counts (actual, predicted) pairs; rows are the actual class.
func ConfusionMatrix(yTrue, yPred []int, numClasses int) (*mat.Dense, error) {
	if numClasses < 1 {
		return nil, errors.NewValidationError("numClasses", "must be positive", numClasses)
	}
	if len(yTrue) == 0 {
		return nil, errors.NewValueError("ConfusionMatrix", "empty vector")
	}
	if len(yPred) != len(yTrue) {
		return nil, errors.NewDimensionError("ConfusionMatrix", len(yTrue), len(yPred), 0)
	}
	cm := mat.NewDense(numClasses, numClasses, nil)
	for i, y := range yTrue {
		p := yPred[i]
		if y < 0 || y >= numClasses || p < 0 || p >= numClasses {
			return nil, errors.NewValidationError("class", "index out of range", [2]int{y, p})
		}
		cm.Set(y, p, cm.At(y, p)+1)
	}
	return cm, nil
}
