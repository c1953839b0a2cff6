package metrics

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/wekadl/data"
	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// Predictor is anything that yields one distribution row per instance.
type Predictor interface {
	DistributionsForInstances(insts *data.Instances) (*mat.Dense, error)
}

// Evaluation は評価データに対する予測の要約
type Evaluation struct {
	NumInstances int
	// Classification は名義クラスのときtrue
	Classification bool

	Accuracy  float64
	LogLoss   float64
	Confusion *mat.Dense
	Classes   []string

	MSE  float64
	RMSE float64
	MAE  float64
	// R2 はクラス値の分散が0のときNaN
	R2 float64
}

// Evaluate predicts every instance with a known class and scores the result.
// Instances whose class value is missing are skipped.
func Evaluate(p Predictor, insts *data.Instances) (*Evaluation, error) {
	if insts.ClassIndex() < 0 {
		return nil, errors.NewDataError("Evaluate", "class index is not set")
	}
	labelled := insts.DeleteWithMissingClass()
	if labelled.NumInstances() == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "no instance has a class value")
	}
	dist, err := p.DistributionsForInstances(labelled)
	if err != nil {
		return nil, err
	}
	if r, _ := dist.Dims(); r != labelled.NumInstances() {
		return nil, errors.NewDimensionError("Evaluate", labelled.NumInstances(), r, 0)
	}
	if labelled.IsClassification() {
		return evaluateClasses(labelled, dist)
	}
	return evaluateNumeric(labelled, dist)
}

func evaluateClasses(insts *data.Instances, dist *mat.Dense) (*Evaluation, error) {
	n := insts.NumInstances()
	yTrue := make([]int, n)
	for i := range yTrue {
		yTrue[i] = int(insts.ClassValue(i))
	}
	yPred := Predictions(dist)

	ev := &Evaluation{
		NumInstances:   n,
		Classification: true,
		Classes:        append([]string(nil), insts.ClassAttribute().Values...),
	}
	var err error
	if ev.Accuracy, err = Accuracy(yTrue, yPred); err != nil {
		return nil, err
	}
	if ev.LogLoss, err = LogLoss(yTrue, dist); err != nil {
		return nil, err
	}
	if ev.Confusion, err = ConfusionMatrix(yTrue, yPred, insts.NumClasses()); err != nil {
		return nil, err
	}
	return ev, nil
}

func evaluateNumeric(insts *data.Instances, dist *mat.Dense) (*Evaluation, error) {
	n := insts.NumInstances()
	yTrue := make([]float64, n)
	yPred := make([]float64, n)
	for i := range yTrue {
		yTrue[i] = insts.ClassValue(i)
		yPred[i] = dist.At(i, 0)
	}
	ev := &Evaluation{NumInstances: n}
	var err error
	if ev.MSE, err = MSE(yTrue, yPred); err != nil {
		return nil, err
	}
	ev.RMSE, _ = RMSE(yTrue, yPred)
	ev.MAE, _ = MAE(yTrue, yPred)
	if ev.R2, err = R2Score(yTrue, yPred); err != nil {
		ev.R2 = math.NaN()
		errors.Warn(errors.NewUndefinedMetricWarning("R2", "no variance in the class values", ev.R2))
	}
	return ev, nil
}

// String formats the evaluation as a short report.
func (e *Evaluation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instances: %d\n", e.NumInstances)
	if !e.Classification {
		fmt.Fprintf(&b, "MSE: %.6f\nRMSE: %.6f\nMAE: %.6f\nR2: %.6f\n", e.MSE, e.RMSE, e.MAE, e.R2)
		return b.String()
	}
	correct := int(e.Accuracy*float64(e.NumInstances) + 0.5)
	fmt.Fprintf(&b, "Correctly classified: %d (%.4f%%)\n", correct, 100*e.Accuracy)
	fmt.Fprintf(&b, "Log loss: %.6f\n", e.LogLoss)
	b.WriteString("Confusion matrix (rows = actual):\n")
	k, _ := e.Confusion.Dims()
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			fmt.Fprintf(&b, "%6d", int(e.Confusion.At(i, j)))
		}
		if i < len(e.Classes) {
			fmt.Fprintf(&b, "  | %s", e.Classes[i])
		}
		b.WriteByte('\n')
	}
	return b.String()
}
