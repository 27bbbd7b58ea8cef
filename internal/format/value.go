package format

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Kind uint8

const (
	KindString Kind = iota + 1
	KindList
	KindScalar
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindScalar:
		return "scalar"
	default:
		return "unknown"
	}
}

// Value is a field value: text, a list of strings, or a scalar
// (int64, float64 or bool).
type Value struct {
	Kind   Kind
	Text   string
	Items  []string
	Scalar any
}

var ErrInvalidScalar = errors.New("invalid scalar")

func String(text string) Value {
	return Value{Kind: KindString, Text: text}
}

func List(items ...string) Value {
	out := make([]string, len(items))
	copy(out, items)
	return Value{Kind: KindList, Items: out}
}

func Int(n int64) Value {
	return Value{Kind: KindScalar, Scalar: n}
}

func Float(f float64) Value {
	return Value{Kind: KindScalar, Scalar: f}
}

func Bool(b bool) Value {
	return Value{Kind: KindScalar, Scalar: b}
}

// ScalarOf converts a decoded number or boolean into a scalar Value.
func ScalarOf(raw any) (Value, error) {
	switch v := raw.(type) {
	case int:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: %d overflows int64", ErrInvalidScalar, v)
		}
		return Int(int64(v)), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidScalar, v)
		}
		return Float(v), nil
	case bool:
		return Bool(v), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidScalar, raw)
	}
}

// Literal renders a scalar the way the canonical form stores it.
func (v Value) Literal() string {
	switch s := v.Scalar.(type) {
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		out := strconv.FormatFloat(s, 'g', -1, 64)
		if !strings.ContainsAny(out, ".eE") {
			out += ".0"
		}
		return out
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}

func (v Value) IsEmpty() bool {
	switch v.Kind {
	case KindString:
		return strings.TrimSpace(v.Text) == ""
	case KindList:
		return len(v.Items) == 0
	case KindScalar:
		return false
	default:
		return true
	}
}

func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Text == other.Text
	case KindList:
		if len(v.Items) != len(other.Items) {
			return false
		}
		for i := range v.Items {
			if v.Items[i] != other.Items[i] {
				return false
			}
		}
		return true
	case KindScalar:
		return v.Scalar == other.Scalar
	default:
		return true
	}
}

func (v Value) Clone() Value {
	if v.Kind == KindList {
		return List(v.Items...)
	}
	return v
}

// PlainText flattens the value. Lists become one line per item.
func (v Value) PlainText() string {
	switch v.Kind {
	case KindString:
		return v.Text
	case KindList:
		return strings.Join(v.Items, "\n")
	case KindScalar:
		return v.Literal()
	default:
		return ""
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindList:
		return "[" + strings.Join(v.Items, ", ") + "]"
	default:
		return v.PlainText()
	}
}

// Normalize returns the whitespace-normalized form stored by the system.
func (v Value) Normalize() Value {
	switch v.Kind {
	case KindString:
		return String(normalizeText(v.Text))
	case KindList:
		items := make([]string, 0, len(v.Items))
		for _, item := range v.Items {
			item = strings.Join(strings.Fields(item), " ")
			if item == "" {
				continue
			}
			items = append(items, item)
		}
		return Value{Kind: KindList, Items: items}
	case KindScalar:
		return v
	default:
		return String("")
	}
}

func normalizeText(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString, 0:
		return json.Marshal(v.Text)
	case KindList:
		items := v.Items
		if items == nil {
			items = []string{}
		}
		return json.Marshal(items)
	case KindScalar:
		if _, err := ScalarOf(v.Scalar); err != nil {
			return nil, err
		}
		return []byte(v.Literal()), nil
	default:
		return nil, fmt.Errorf("marshal value: unknown kind %d", v.Kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	parsed, err := fromJSONAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func fromJSONAny(raw any) (Value, error) {
	switch typed := raw.(type) {
	case nil:
		return String(""), nil
	case string:
		return String(typed), nil
	case bool:
		return Bool(typed), nil
	case json.Number:
		if n, err := typed.Int64(); err == nil {
			return Int(n), nil
		}
		f, err := typed.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s", ErrInvalidScalar, typed.String())
		}
		return ScalarOf(f)
	case []any:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			text, ok := item.(string)
			if !ok {
				return Value{}, fmt.Errorf("decode value: list items must be strings, got %T", item)
			}
			items = append(items, text)
		}
		return List(items...), nil
	default:
		return Value{}, fmt.Errorf("decode value: unsupported JSON type %T", raw)
	}
}
