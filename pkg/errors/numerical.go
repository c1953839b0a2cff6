package errors

import (
	"math"
)

// CheckScalar はエポック損失などのスカラー値がNaN/Infでないかを検査します。
func CheckScalar(operation string, value float64, iteration int) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return NewNumericalInstabilityError(operation, []float64{value}, iteration)
	}
	return nil
}
