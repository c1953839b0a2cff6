// Package options implements the "-flag value" option-string protocol used to
// configure layers, iterators and classifiers.
//
// Options are kept as a flat []string. Values that contain whitespace or
// quotes are double-quoted with backslash escapes so that nested
// specifications round-trip:
//
//	-layer "DenseLayer -nOut 10 -activation relu" -numEpochs 5
package options

import (
	"strings"
	"unicode"

	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// Handler is implemented by every configurable object.
// SetOptions(Options()) must reproduce the same configuration.
type Handler interface {
	Options() []string
	SetOptions(opts []string) error
}

// Option describes one flag for usage output.
type Option struct {
	Flag        string
	Synopsis    string
	Description string
}

// Describer lists the flags an object accepts.
type Describer interface {
	ListOptions() []Option
}

// Split はオプション文字列を要素に分割する。ダブルクォート内の空白は区切りにならない
func Split(s string) ([]string, error) {
	var (
		out []string
		cur strings.Builder
	)
	rs := []rune(s)
	for i := 0; i < len(rs); {
		if unicode.IsSpace(rs[i]) {
			i++
			continue
		}
		cur.Reset()
		if rs[i] == '"' {
			i++
			closed := false
			for i < len(rs) {
				r := rs[i]
				if r == '\\' && i+1 < len(rs) {
					cur.WriteRune(unescape(rs[i+1]))
					i += 2
					continue
				}
				if r == '"' {
					closed = true
					i++
					break
				}
				cur.WriteRune(r)
				i++
			}
			if !closed {
				return nil, errors.NewConfigurationErrorf("options", "unterminated quote in %q", s)
			}
			out = append(out, cur.String())
			continue
		}
		for i < len(rs) && !unicode.IsSpace(rs[i]) {
			cur.WriteRune(rs[i])
			i++
		}
		out = append(out, cur.String())
	}
	return out, nil
}

func unescape(r rune) rune {
	switch r {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	default:
		return r
	}
}

// Quote は必要な場合だけ値をクォートする
func Quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\r\"\\") {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// Join is the inverse of Split.
func Join(opts []string) string {
	quoted := make([]string, len(opts))
	for i, o := range opts {
		quoted[i] = Quote(o)
	}
	return strings.Join(quoted, " ")
}

func isFlag(s, flag string) bool {
	return s == "-"+flag
}

// GetOption は "-flag value" を取り除いて value を返す
// フラグがなければ ok=false。値が続かない場合はエラー
func GetOption(flag string, opts *[]string) (value string, ok bool, err error) {
	for i, o := range *opts {
		if !isFlag(o, flag) {
			continue
		}
		if i+1 >= len(*opts) {
			return "", false, errors.NewConfigurationErrorf("options", "-%s requires a value", flag)
		}
		value = (*opts)[i+1]
		*opts = append((*opts)[:i:i], (*opts)[i+2:]...)
		return value, true, nil
	}
	return "", false, nil
}

// GetFlag removes a boolean "-flag" and reports whether it was present.
func GetFlag(flag string, opts *[]string) bool {
	for i, o := range *opts {
		if isFlag(o, flag) {
			*opts = append((*opts)[:i:i], (*opts)[i+1:]...)
			return true
		}
	}
	return false
}

// GetOptions removes every occurrence of "-flag value" and returns the values in order.
func GetOptions(flag string, opts *[]string) ([]string, error) {
	var values []string
	for {
		v, ok, err := GetOption(flag, opts)
		if err != nil {
			return nil, err
		}
		if !ok {
			return values, nil
		}
		values = append(values, v)
	}
}

// CheckAllUsed fails when options remain after every known flag was consumed.
func CheckAllUsed(component string, opts []string) error {
	var left []string
	for _, o := range opts {
		if o != "" {
			left = append(left, o)
		}
	}
	if len(left) > 0 {
		return errors.NewConfigurationErrorf(component, "unknown options: %s", Join(left))
	}
	return nil
}

// String renders a handler as "<name> <options>".
func String(name string, h Handler) string {
	opts := h.Options()
	if len(opts) == 0 {
		return name
	}
	return name + " " + Join(opts)
}

// SplitSpec splits "<Name> <options...>" into the name and its options.
func SplitSpec(spec string) (string, []string, error) {
	parts, err := Split(spec)
	if err != nil {
		return "", nil, err
	}
	if len(parts) == 0 {
		return "", nil, errors.NewConfigurationError("options", "empty specification")
	}
	return parts[0], parts[1:], nil
}
