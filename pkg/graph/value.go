package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind tags the type of an attribute value. The tag is persisted in the
// Properties column of the Attributes table.
type Kind uint8

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindJSON:
		return "json"
	default:
		return "string"
	}
}

// parseKind is the inverse of Kind.String. Unknown or empty tags decode as
// strings, which is how rows written without a tag are read back.
func parseKind(s string) Kind {
	switch s {
	case "int":
		return KindInt
	case "float":
		return KindFloat
	case "json":
		return KindJSON
	default:
		return KindString
	}
}

// Value is a tagged attribute value: a string, an integer, a float or an
// opaque JSON document.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Float float64
	JSON  json.RawMessage
}

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Int returns an integer value.
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }

// Float returns a float value.
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// JSON returns a JSON value. raw is not validated.
func JSON(raw json.RawMessage) Value { return Value{Kind: KindJSON, JSON: raw} }

// ValueOf converts a decoded command argument into a Value.
//
// Integral float64s (what encoding/json produces for every number) become
// integers. Booleans, nil, maps and slices are kept as JSON.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case string:
		return String(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint32:
		return Int(int64(x)), nil
	case float32:
		return floatValue(float64(x)), nil
	case float64:
		return floatValue(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: bad number %q", ErrInvalidArgument, x.String())
		}
		return Float(f), nil
	case json.RawMessage:
		return JSON(x), nil
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return Value{}, fmt.Errorf("%w: cannot encode %T: %v", ErrInvalidArgument, v, err)
		}
		return JSON(raw), nil
	}
}

func floatValue(f float64) Value {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return Int(int64(f))
	}
	return Float(f)
}

// Interface returns the Go representation used in command results.
func (v Value) Interface() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindJSON:
		return v.JSON
	default:
		return v.Str
	}
}

// Text renders the value as a plain string.
func (v Value) Text() string {
	s, _ := v.Encode()
	return s
}

// AsInt converts numeric values (and numeric strings) to an integer.
func (v Value) AsInt() (int64, bool) {
	switch v.Kind {
	case KindInt:
		return v.Int, true
	case KindFloat:
		return int64(v.Float), true
	case KindString:
		if i, err := strconv.ParseInt(v.Str, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(v.Str, 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

// Encode returns the persisted (Value, Properties) column pair.
func (v Value) Encode() (value string, kind string) {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10), KindInt.String()
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64), KindFloat.String()
	case KindJSON:
		return string(v.JSON), KindJSON.String()
	default:
		return v.Str, KindString.String()
	}
}

// DecodeValue is the inverse of Encode. A value that does not parse as its
// tagged kind falls back to a string.
func DecodeValue(value, kind string) Value {
	switch parseKind(kind) {
	case KindInt:
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return Int(i)
		}
	case KindFloat:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return Float(f)
		}
	case KindJSON:
		return JSON(json.RawMessage(value))
	}
	return String(value)
}

// Equal reports whether two values have the same kind and encoding.
func (v Value) Equal(o Value) bool {
	a, ak := v.Encode()
	b, bk := o.Encode()
	return a == b && ak == bk
}
