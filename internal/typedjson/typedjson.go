// Package typedjson keeps Go scalar types intact through JSON.
//
// Plain JSON loses the difference between 2 and 2.0, cannot carry raw bytes and
// flattens timestamps into strings. Values that JSON cannot represent unambiguously
// are wrapped in a one-key object {"$t": kind, "v": payload}; everything else is
// written as plain JSON. Integers always come back as int64.
package typedjson

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"
)

const (
	tagKey   = "$t"
	valueKey = "v"

	kindFloat  = "float"
	kindBytes  = "bytes"
	kindBigInt = "bigint"
	kindTime   = "time"
)

// Normalize converts Go scalars to the canonical set returned by Decode:
// nil, string, bool, int64, float64, []byte, *big.Int, time.Time and nested
// map[string]any / []any built from those.
func Normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return new(big.Int).SetUint64(uint64(x))
		}
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return new(big.Int).SetUint64(x)
		}
		return int64(x)
	case float32:
		return float64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Normalize(e)
		}
		return out
	default:
		return v
	}
}

// Encode turns a value into a JSON-marshalable tree.
func Encode(v any) any {
	switch x := Normalize(v).(type) {
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return map[string]any{tagKey: kindFloat, valueKey: x}
		}
		return x
	case []byte:
		return map[string]any{tagKey: kindBytes, valueKey: base64.StdEncoding.EncodeToString(x)}
	case *big.Int:
		return map[string]any{tagKey: kindBigInt, valueKey: x.String()}
	case time.Time:
		return map[string]any{tagKey: kindTime, valueKey: x.Format(time.RFC3339Nano)}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Encode(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Encode(e)
		}
		return out
	default:
		return x
	}
}

// Decode reverses Encode on a tree produced by a json.Decoder with UseNumber.
func Decode(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("typedjson: bad number %q: %w", x, err)
		}
		return f, nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x), nil
		}
		return x, nil
	case map[string]any:
		if kind, ok := x[tagKey].(string); ok && len(x) == 2 {
			return decodeTagged(kind, x[valueKey])
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			d, err := Decode(e)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			d, err := Decode(e)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	default:
		return v, nil
	}
}

func decodeTagged(kind string, payload any) (any, error) {
	switch kind {
	case kindFloat:
		switch p := payload.(type) {
		case json.Number:
			return p.Float64()
		case float64:
			return p, nil
		}
	case kindBytes:
		if s, ok := payload.(string); ok {
			return base64.StdEncoding.DecodeString(s)
		}
	case kindBigInt:
		if s, ok := payload.(string); ok {
			n, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return nil, fmt.Errorf("typedjson: bad bigint %q", s)
			}
			return n, nil
		}
	case kindTime:
		if s, ok := payload.(string); ok {
			return time.Parse(time.RFC3339Nano, s)
		}
	}
	return nil, fmt.Errorf("typedjson: bad %q payload %v", kind, payload)
}

// Marshal encodes v as typed JSON.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(Encode(v))
}

// Unmarshal decodes typed JSON.
func Unmarshal(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return Decode(raw)
}

// MarshalMap encodes a column map.
func MarshalMap(m map[string]any) ([]byte, error) {
	return Marshal(m)
}

// UnmarshalMap decodes typed JSON that must hold an object.
func UnmarshalMap(data []byte) (map[string]any, error) {
	v, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("typedjson: expected object, got %T", v)
	}
	return m, nil
}

// String renders a scalar as a stable string, used for canonical keys and
// string-typed native stores.
func String(v any) string {
	switch x := Normalize(v).(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// Equal reports whether two values are the same after normalization.
// Numbers compare by value across int64, float64 and *big.Int.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := Compare(a, b); ok {
		return c == 0
	}
	switch x := a.(type) {
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			if !Equal(v, y[k]) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two scalars. ok is false when the values are not comparable,
// including whenever either side is nil.
func Compare(a, b any) (int, bool) {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return 0, false
	}
	if isNumber(a) && isNumber(b) {
		return compareNumbers(a, b), true
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			}
			return 0, true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			}
			return 1, true
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), true
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y), true
		}
	}
	return 0, false
}

func isNumber(v any) bool {
	switch v.(type) {
	case int64, float64, *big.Int:
		return true
	}
	return false
}

func compareNumbers(a, b any) int {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return toBigFloat(a).Cmp(toBigFloat(b))
}

func toBigFloat(v any) *big.Float {
	switch x := v.(type) {
	case int64:
		return new(big.Float).SetInt64(x)
	case float64:
		return big.NewFloat(x)
	case *big.Int:
		return new(big.Float).SetInt(x)
	}
	return new(big.Float)
}
