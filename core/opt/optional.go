// Package opt は「未設定」と「明示的なゼロ値」を区別するためのOptional型を提供します。
//
// ハイパーパラメータの多くはバックエンドの既定値を継承するか、
// ユーザーが明示的に指定した値を使うかの二択です。NaNなどの番兵値を使わず、
// 値の有無を型で表現します。
package opt

import (
	"encoding/json"
	"fmt"
)

// Optional は値が設定されているかどうかを保持するコンテナです。
// ゼロ値は「未設定」を表します。
type Optional[T any] struct {
	Value T
	Valid bool
}

// Some は設定済みのOptionalを返します。
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Valid: true}
}

// None は未設定のOptionalを返します。
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get は値と設定有無を返します。
func (o Optional[T]) Get() (T, bool) {
	return o.Value, o.Valid
}

// IsSet は値が設定されているかを返します。
func (o Optional[T]) IsSet() bool {
	return o.Valid
}

// OrElse は未設定の場合にfallbackを返します。
func (o Optional[T]) OrElse(fallback T) T {
	if o.Valid {
		return o.Value
	}
	return fallback
}

// String は未設定の場合 "<unset>" を返します。
func (o Optional[T]) String() string {
	if !o.Valid {
		return "<unset>"
	}
	return fmt.Sprintf("%v", o.Value)
}

// MarshalJSON は未設定をnullとして出力します。
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// UnmarshalJSON はnullを未設定として読み込みます。
func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*o = Optional[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}
